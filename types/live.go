package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Live message types carried over the push channel. Entity messages describe
// a single event mutation; calendar/member/project messages signal metadata
// changes that may invalidate client-side filtering; system messages are
// connection lifecycle only.
const (
	LiveEventCreated = "event.created"
	LiveEventUpdated = "event.updated"
	LiveEventDeleted = "event.deleted"
	LiveEventStarted = "event.started"
	LiveEventStopped = "event.stopped"
	LiveCommentAdded = "comment.added"

	LiveCalendarUpdated = "calendar.updated"
	LiveCalendarDeleted = "calendar.deleted"
	LiveMemberChanged   = "member.changed"
	LiveProjectUpdated  = "project.updated"

	LiveSystemConnected      = "system.connected"
	LiveSystemResyncRequired = "system.resync_required"
	LiveSystemPing           = "system.ping"
)

// LiveMessage is the wire envelope for every push-channel message.
// Payload is null for deletions and for system/metadata messages.
type LiveMessage struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"projectId"`
	CalendarID *string         `json:"calendarId"`
	Type       string          `json:"type"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NewLiveMessage constructs an envelope with a fresh message id.
// The updatedAt of entity messages must be the entity's server-side
// timestamp, never a client clock.
func NewLiveMessage(projectID string, calendarID *string, msgType, entityID string, payload any, updatedAt time.Time) (LiveMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return LiveMessage{}, err
		}
		raw = b
	}
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return LiveMessage{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		CalendarID: calendarID,
		Type:       msgType,
		EntityID:   entityID,
		Payload:    raw,
		UpdatedAt:  updatedAt.UTC(),
	}, nil
}

// IsEntity reports whether the message describes an event mutation whose
// payload can be merged incrementally.
func (m LiveMessage) IsEntity() bool {
	switch m.Type {
	case LiveEventCreated, LiveEventUpdated, LiveEventStarted, LiveEventStopped:
		return true
	}
	return false
}

// IsMeta reports whether the message invalidates filtering metadata and
// therefore always requires a resync rather than an incremental merge.
func (m LiveMessage) IsMeta() bool {
	switch m.Type {
	case LiveCalendarUpdated, LiveMemberChanged, LiveProjectUpdated:
		return true
	}
	return false
}
