package doctors

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const doctorColumns = `id, name, active, working_days, day_start::text, day_end::text, slot_minutes, timezone, email, calendar_id`

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var d Doctor
	err := r.db.QueryRowContext(ctx, `
		SELECT `+doctorColumns+`
		FROM doctors WHERE id = $1`, id).Scan(
		&d.ID, &d.Name, &d.Active, pq.Array(&d.WorkingDays), &d.DayStart, &d.DayEnd,
		&d.SlotMinutes, &d.Timezone, &d.Email, &d.CalendarID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListActive returns active doctors ordered by id so round-robin scans see a
// stable population.
func (r *Repository) ListActive(ctx context.Context) ([]Doctor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+doctorColumns+`
		FROM doctors WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Doctor
	for rows.Next() {
		var d Doctor
		if err := rows.Scan(&d.ID, &d.Name, &d.Active, pq.Array(&d.WorkingDays),
			&d.DayStart, &d.DayEnd, &d.SlotMinutes, &d.Timezone, &d.Email, &d.CalendarID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if out == nil {
		out = []Doctor{}
	}
	return out, rows.Err()
}

// OnLeave reports whether the doctor has a leave entry for the date.
func (r *Repository) OnLeave(ctx context.Context, doctorID uuid.UUID, date time.Time) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM doctor_leaves
		WHERE doctor_id = $1 AND leave_date = $2`,
		doctorID, date.Format("2006-01-02")).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LeavesOn returns the set of doctor ids that are on leave for the date,
// fetched in one query for the batched availability path.
func (r *Repository) LeavesOn(ctx context.Context, doctorIDs []uuid.UUID, date time.Time) (map[uuid.UUID]bool, error) {
	ids := make([]string, 0, len(doctorIDs))
	for _, id := range doctorIDs {
		ids = append(ids, id.String())
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT doctor_id FROM doctor_leaves
		WHERE doctor_id = ANY($1) AND leave_date = $2`,
		pq.Array(ids), date.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	onLeave := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		onLeave[id] = true
	}
	return onLeave, rows.Err()
}
