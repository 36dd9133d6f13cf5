package models

import "time"

// Event is a calendar entry. DateLocal/EndDateLocal carry the civil day span;
// StartAt/EndAt are optional clock times for timed entries. UpdatedAt strictly
// increases on every mutation and is the ordering key for live merges.
type Event struct {
	ID           string
	ProjectID    string
	Title        string
	Description  *string
	CategoryID   *string
	LensID       *string
	MemberID     *string
	MemberIDs    []string
	Kind         string
	DateLocal    time.Time
	EndDateLocal time.Time
	StartAt      *time.Time
	EndAt        *time.Time
	IsActive     bool
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}
