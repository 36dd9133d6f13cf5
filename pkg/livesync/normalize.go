package livesync

import (
	"encoding/json"
	"errors"
	"fmt"

	"famcal-api/types"
)

// Normalization errors. A failed decode means "cannot apply incrementally"
// and the caller schedules a resync; it never means the entity was deleted.
var (
	ErrEmptyMessage   = errors.New("livesync: empty message")
	ErrMissingPayload = errors.New("livesync: entity message without payload")
)

// DecodeMessage validates a raw push-channel frame into a LiveMessage.
// Pure function; no state is touched.
func DecodeMessage(raw []byte) (*types.LiveMessage, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}
	var msg types.LiveMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("livesync: malformed message: %w", err)
	}
	if msg.ID == "" {
		return nil, errors.New("livesync: message missing id")
	}
	if msg.Type == "" {
		return nil, errors.New("livesync: message missing type")
	}
	if msg.ProjectID == "" {
		return nil, errors.New("livesync: message missing projectId")
	}
	if msg.EntityID == "" {
		return nil, errors.New("livesync: message missing entityId")
	}
	if msg.UpdatedAt.IsZero() {
		return nil, errors.New("livesync: message missing updatedAt")
	}
	return &msg, nil
}

// DecodeEvent validates an entity payload into an EventOut. Every field
// needed to place the event in the collection must be present: identity,
// the server ordering timestamp, the civil day span, and the kind.
func DecodeEvent(payload json.RawMessage) (*types.EventOut, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, ErrMissingPayload
	}
	var ev types.EventOut
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("livesync: malformed event payload: %w", err)
	}
	if ev.ID == "" {
		return nil, errors.New("livesync: event missing id")
	}
	if ev.ProjectID == "" {
		return nil, errors.New("livesync: event missing projectId")
	}
	if ev.UpdatedAt.IsZero() {
		return nil, errors.New("livesync: event missing updatedAt")
	}
	if ev.DateLocal.IsZero() || ev.EndDateLocal.IsZero() {
		return nil, errors.New("livesync: event missing day span")
	}
	switch ev.Kind {
	case types.EventKindNote, types.EventKindRange, types.EventKindActive:
	default:
		return nil, fmt.Errorf("livesync: unknown event kind %q", ev.Kind)
	}
	return &ev, nil
}
