package types

import "time"

// Event kinds: a NOTE sits on a single day, a RANGE spans days, an ACTIVE
// event has a running start/stop lifecycle.
const (
	EventKindNote   = "NOTE"
	EventKindRange  = "RANGE"
	EventKindActive = "ACTIVE"
)

// EventOut is the API representation of a calendar event. It is both the
// element of the events listing and the payload of event.* live messages, so
// the client reconciler decodes exactly this shape.
type EventOut struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	Title        string     `json:"title"`
	Description  *string    `json:"description,omitempty"`
	CategoryID   *string    `json:"categoryId"`
	LensID       *string    `json:"lensId"`
	MemberID     *string    `json:"memberId"`
	MemberIDs    []string   `json:"memberIds"`
	Kind         string     `json:"kind"`
	DateLocal    Date       `json:"dateLocal"`
	EndDateLocal Date       `json:"endDateLocal"`
	StartAt      *time.Time `json:"startAt"`
	EndAt        *time.Time `json:"endAt"`
	IsActive     bool       `json:"isActive"`
	CreatedBy    string     `json:"createdBy"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// CreateEventRequest is the body of POST /events.
type CreateEventRequest struct {
	Title        string     `json:"title" binding:"required"`
	Description  *string    `json:"description"`
	CategoryID   *string    `json:"categoryId"`
	LensID       *string    `json:"lensId"`
	MemberIDs    []string   `json:"memberIds"`
	Kind         string     `json:"kind"`
	DateLocal    Date       `json:"dateLocal" binding:"required"`
	EndDateLocal *Date      `json:"endDateLocal"`
	StartAt      *time.Time `json:"startAt"`
	EndAt        *time.Time `json:"endAt"`
}

// PatchEventRequest carries partial updates for PATCH /events/:id.
// Nil means "leave unchanged"; explicit nulls are not distinguished except
// for lensId, which uses the ClearLens flag.
type PatchEventRequest struct {
	Title        *string    `json:"title"`
	Description  *string    `json:"description"`
	CategoryID   *string    `json:"categoryId"`
	LensID       *string    `json:"lensId"`
	ClearLens    bool       `json:"clearLens"`
	MemberIDs    []string   `json:"memberIds"`
	DateLocal    *Date      `json:"dateLocal"`
	EndDateLocal *Date      `json:"endDateLocal"`
	StartAt      *time.Time `json:"startAt"`
	EndAt        *time.Time `json:"endAt"`
}

// LensOut is the API representation of a calendar lens.
type LensOut struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	View      string    `json:"view"`
	MemberIDs []string  `json:"memberIds"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
