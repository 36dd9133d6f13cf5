package repository

import (
	"database/sql"

	"github.com/lib/pq"

	"famcal-api/models"
)

type LensesRepository struct {
	db *sql.DB
}

func NewLensesRepository(db *sql.DB) *LensesRepository {
	return &LensesRepository{db: db}
}

const lensColumns = `id, project_id, name, view, member_ids, created_by, created_at, updated_at`

func scanLens(scanner interface{ Scan(...any) error }) (*models.CalendarLens, error) {
	var lens models.CalendarLens
	err := scanner.Scan(
		&lens.ID, &lens.ProjectID, &lens.Name, &lens.View,
		pq.Array(&lens.MemberIDs), &lens.CreatedBy, &lens.CreatedAt, &lens.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &lens, nil
}

func (r *LensesRepository) LensByID(id string) (*models.CalendarLens, error) {
	lens, err := scanLens(r.db.QueryRow(`
		SELECT `+lensColumns+` FROM calendar_lenses WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lens, nil
}

func (r *LensesRepository) LensesByProject(projectID string) ([]models.CalendarLens, error) {
	rows, err := r.db.Query(`
		SELECT `+lensColumns+` FROM calendar_lenses
		WHERE project_id = $1
		ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lenses []models.CalendarLens
	for rows.Next() {
		lens, err := scanLens(rows)
		if err != nil {
			return nil, err
		}
		lenses = append(lenses, *lens)
	}
	return lenses, rows.Err()
}

func (r *LensesRepository) Create(lens *models.CalendarLens) error {
	return r.db.QueryRow(`
		INSERT INTO calendar_lenses (project_id, name, view, member_ids, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		lens.ProjectID, lens.Name, lens.View, pq.Array(lens.MemberIDs), lens.CreatedBy,
	).Scan(&lens.ID, &lens.CreatedAt, &lens.UpdatedAt)
}

func (r *LensesRepository) Update(lens *models.CalendarLens) error {
	return r.db.QueryRow(`
		UPDATE calendar_lenses SET
			name = $2, view = $3, member_ids = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		lens.ID, lens.Name, lens.View, pq.Array(lens.MemberIDs),
	).Scan(&lens.UpdatedAt)
}

// Delete removes the lens; events pointing at it keep their lens_id but
// become invisible until reassigned (the listing treats a dangling lens as
// hidden).
func (r *LensesRepository) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM calendar_lenses WHERE id = $1`, id)
	return err
}
