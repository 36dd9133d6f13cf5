package models

import "time"

// User is an authenticated account. Family data is always scoped to a
// project through a Member row, never to the user directly.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	DisplayName  string
	AvatarURL    *string
	CreatedAt    time.Time
}

// Member statuses.
const (
	MemberStatusActive  = "active"
	MemberStatusInvited = "invited"
)

// Member links a user to a family project.
type Member struct {
	ID          string
	ProjectID   string
	UserID      string
	DisplayName string
	Status      string
	CreatedAt   time.Time
}

// FamilyProject is the top-level container for one family's calendar.
type FamilyProject struct {
	ID        string
	Name      string
	Timezone  string
	CreatedAt time.Time
}

// RefreshSession is a server-side record of an opaque refresh token.
// Only the hash is stored; the raw token lives in an http-only cookie.
type RefreshSession struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}
