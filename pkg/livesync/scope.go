package livesync

import "famcal-api/types"

// Scope describes the slice of calendar data a view is currently showing:
// one lens (or the project-wide feed when LensID is nil), a civil date range,
// and optional category/member narrowing. The reconciler keeps only events
// matching the active scope; everything else is evicted, even if it was
// previously present.
type Scope struct {
	ProjectID  string
	LensID     *string
	From       types.Date
	To         types.Date
	CategoryID *string
	MemberID   *string
}

// Matches reports whether an event belongs to this scope. It is a pure
// predicate; the reconciler re-evaluates it on every apply and again for the
// whole collection whenever the scope changes.
func (s Scope) Matches(ev *types.EventOut) bool {
	if ev == nil {
		return false
	}
	if s.ProjectID != "" && ev.ProjectID != s.ProjectID {
		return false
	}
	if s.LensID != nil {
		if ev.LensID == nil || *ev.LensID != *s.LensID {
			return false
		}
	}
	// Day-span overlap with the viewed range.
	if !s.From.IsZero() && ev.EndDateLocal.Before(s.From) {
		return false
	}
	if !s.To.IsZero() && ev.DateLocal.After(s.To) {
		return false
	}
	if s.CategoryID != nil {
		if ev.CategoryID == nil || *ev.CategoryID != *s.CategoryID {
			return false
		}
	}
	if s.MemberID != nil && !eventHasMember(ev, *s.MemberID) {
		return false
	}
	return true
}

func eventHasMember(ev *types.EventOut, memberID string) bool {
	for _, id := range ev.MemberIDs {
		if id == memberID {
			return true
		}
	}
	return ev.MemberID != nil && *ev.MemberID == memberID
}
