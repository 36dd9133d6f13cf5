package repository

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/lib/pq"

	"famcal-api/models"
)

type EventsRepository struct {
	db *sql.DB
}

func NewEventsRepository(db *sql.DB) *EventsRepository {
	return &EventsRepository{db: db}
}

// EventsFilter narrows the listing. From/To are civil dates; an event is
// included when its day span overlaps the range.
type EventsFilter struct {
	ProjectID  string
	From       time.Time
	To         time.Time
	LensID     *string
	CategoryID *string
	MemberID   *string
}

const eventColumns = `
	e.id, e.project_id, e.title, e.description, e.category_id, e.lens_id,
	e.member_id, e.member_ids, e.kind, e.date_local, e.end_date_local,
	e.start_at, e.end_at, e.is_active, e.created_by, e.created_at,
	e.updated_at, e.deleted_at`

func scanEvent(scanner interface{ Scan(...any) error }) (*models.Event, error) {
	var ev models.Event
	var description, categoryID, lensID, memberID sql.NullString
	var startAt, endAt, deletedAt sql.NullTime
	err := scanner.Scan(
		&ev.ID, &ev.ProjectID, &ev.Title, &description, &categoryID, &lensID,
		&memberID, pq.Array(&ev.MemberIDs), &ev.Kind, &ev.DateLocal, &ev.EndDateLocal,
		&startAt, &endAt, &ev.IsActive, &ev.CreatedBy, &ev.CreatedAt,
		&ev.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		ev.Description = &description.String
	}
	if categoryID.Valid {
		ev.CategoryID = &categoryID.String
	}
	if lensID.Valid {
		ev.LensID = &lensID.String
	}
	if memberID.Valid {
		ev.MemberID = &memberID.String
	}
	if startAt.Valid {
		t := startAt.Time
		ev.StartAt = &t
	}
	if endAt.Valid {
		t := endAt.Time
		ev.EndAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		ev.DeletedAt = &t
	}
	return &ev, nil
}

// buildListQuery assembles the listing statement; each optional filter's
// placeholder index follows its position in args.
func buildListQuery(f EventsFilter) (string, []any) {
	query := `
		SELECT ` + eventColumns + `
		FROM events e
		WHERE e.project_id = $1
		  AND e.deleted_at IS NULL
		  AND e.end_date_local >= $2
		  AND e.date_local <= $3`
	args := []any{f.ProjectID, f.From, f.To}
	if f.LensID != nil {
		args = append(args, *f.LensID)
		query += ` AND e.lens_id = $` + strconv.Itoa(len(args))
	}
	if f.CategoryID != nil {
		args = append(args, *f.CategoryID)
		query += ` AND e.category_id = $` + strconv.Itoa(len(args))
	}
	if f.MemberID != nil {
		args = append(args, *f.MemberID)
		n := strconv.Itoa(len(args))
		query += ` AND ($` + n + ` = ANY(e.member_ids) OR e.member_id = $` + n + `)`
	}
	query += ` ORDER BY e.date_local DESC, e.created_at DESC`
	return query, args
}

// List returns non-deleted events overlapping the range, newest day first.
// Lens visibility is the caller's concern (it needs the requesting member).
func (r *EventsRepository) List(f EventsFilter) ([]models.Event, error) {
	query, args := buildListQuery(f)
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func (r *EventsRepository) GetByID(id string) (*models.Event, error) {
	ev, err := scanEvent(r.db.QueryRow(`
		SELECT `+eventColumns+`
		FROM events e
		WHERE e.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Create inserts the event and fills server-generated fields (id, kind
// default, timestamps).
func (r *EventsRepository) Create(ev *models.Event) error {
	return r.db.QueryRow(`
		INSERT INTO events (
			project_id, title, description, category_id, lens_id, member_id,
			member_ids, kind, date_local, end_date_local, start_at, end_at,
			created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, is_active, created_at, updated_at`,
		ev.ProjectID, ev.Title, ev.Description, ev.CategoryID, ev.LensID,
		ev.MemberID, pq.Array(ev.MemberIDs), ev.Kind, ev.DateLocal,
		ev.EndDateLocal, ev.StartAt, ev.EndAt, ev.CreatedBy,
	).Scan(&ev.ID, &ev.IsActive, &ev.CreatedAt, &ev.UpdatedAt)
}

// Update rewrites the mutable columns and bumps updated_at; the new
// timestamp is written back into ev so callers can publish it.
func (r *EventsRepository) Update(ev *models.Event) error {
	return r.db.QueryRow(`
		UPDATE events SET
			title = $2, description = $3, category_id = $4, lens_id = $5,
			member_id = $6, member_ids = $7, date_local = $8,
			end_date_local = $9, start_at = $10, end_at = $11,
			is_active = $12, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING updated_at`,
		ev.ID, ev.Title, ev.Description, ev.CategoryID, ev.LensID,
		ev.MemberID, pq.Array(ev.MemberIDs), ev.DateLocal, ev.EndDateLocal,
		ev.StartAt, ev.EndAt, ev.IsActive,
	).Scan(&ev.UpdatedAt)
}

// SoftDelete marks the event deleted and returns the deletion timestamp,
// which becomes the tombstone timestamp on the wire.
func (r *EventsRepository) SoftDelete(id string) (time.Time, error) {
	var deletedAt time.Time
	err := r.db.QueryRow(`
		UPDATE events SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING updated_at`, id).Scan(&deletedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return deletedAt, err
}
