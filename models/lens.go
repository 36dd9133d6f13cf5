package models

import "time"

// Lens view modes.
const (
	LensViewDay      = "day"
	LensViewWeek     = "week"
	LensViewMonth    = "month"
	LensViewTimeline = "timeline"
	LensViewList     = "list"
)

// CalendarLens is a named, shareable slice of the family calendar.
// An empty MemberIDs allowlist means only the creator can see it.
type CalendarLens struct {
	ID        string
	ProjectID string
	Name      string
	View      string
	MemberIDs []string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VisibleTo reports whether a member may read events through this lens.
func (l *CalendarLens) VisibleTo(memberID, userID string) bool {
	if len(l.MemberIDs) == 0 {
		return l.CreatedBy == userID
	}
	for _, id := range l.MemberIDs {
		if id == memberID {
			return true
		}
	}
	return l.CreatedBy == userID
}
