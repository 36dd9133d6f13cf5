package repository

import (
	"database/sql"
	"time"

	"golang.org/x/crypto/bcrypt"

	"famcal-api/models"
)

type AuthRepository struct {
	db *sql.DB
}

func NewAuthRepository(db *sql.DB) *AuthRepository {
	return &AuthRepository{db: db}
}

// CreateUser registers a user and bootstraps their own family project with
// an active membership, all in one transaction.
func (r *AuthRepository) CreateUser(username, password, displayName string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var user models.User
	user.Username = username
	user.DisplayName = displayName
	user.PasswordHash = string(hash)
	err = tx.QueryRow(`
		INSERT INTO users (username, password_hash, display_name)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		username, string(hash), displayName,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return nil, err
	}

	var projectID string
	err = tx.QueryRow(`
		INSERT INTO family_projects (name) VALUES ($1)
		RETURNING id`, displayName+"'s family",
	).Scan(&projectID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		INSERT INTO members (project_id, user_id, display_name, status)
		VALUES ($1, $2, $3, $4)`,
		projectID, user.ID, displayName, models.MemberStatusActive)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *AuthRepository) UserByUsername(username string) (*models.User, error) {
	var user models.User
	var avatar sql.NullString
	err := r.db.QueryRow(`
		SELECT id, username, password_hash, display_name, avatar_url, created_at
		FROM users WHERE username = $1`, username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.DisplayName, &avatar, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if avatar.Valid {
		user.AvatarURL = &avatar.String
	}
	return &user, nil
}

// MemberByUserID returns the user's membership. Every user has exactly one
// in the current design.
func (r *AuthRepository) MemberByUserID(userID string) (*models.Member, error) {
	var m models.Member
	err := r.db.QueryRow(`
		SELECT id, project_id, user_id, display_name, status, created_at
		FROM members WHERE user_id = $1
		ORDER BY created_at LIMIT 1`, userID,
	).Scan(&m.ID, &m.ProjectID, &m.UserID, &m.DisplayName, &m.Status, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateRefreshSession stores the hash of an opaque refresh token.
func (r *AuthRepository) CreateRefreshSession(userID, tokenHash string, expiresAt time.Time) (*models.RefreshSession, error) {
	var s models.RefreshSession
	s.UserID = userID
	s.TokenHash = tokenHash
	s.ExpiresAt = expiresAt
	err := r.db.QueryRow(`
		INSERT INTO refresh_sessions (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		userID, tokenHash, expiresAt,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// RefreshSessionByHash returns the live (unexpired, unrevoked) session for a
// token hash.
func (r *AuthRepository) RefreshSessionByHash(tokenHash string) (*models.RefreshSession, error) {
	var s models.RefreshSession
	err := r.db.QueryRow(`
		SELECT id, user_id, token_hash, expires_at, created_at
		FROM refresh_sessions
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()`,
		tokenHash,
	).Scan(&s.ID, &s.UserID, &s.TokenHash, &s.ExpiresAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// RevokeRefreshSession invalidates one session (used on rotation).
func (r *AuthRepository) RevokeRefreshSession(id string) error {
	_, err := r.db.Exec(`
		UPDATE refresh_sessions SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL`, id)
	return err
}
