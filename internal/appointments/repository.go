package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the repository needs. pgxmock satisfies
// it for tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Querier is satisfied by both DB and pgx.Tx, so reads and writes can run
// inside or outside the booking transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides persistence for appointments.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	if db == nil {
		panic("appointments: db required")
	}
	return &Repository{db: db}
}

// DB exposes the underlying pool for transaction management.
func (r *Repository) DB() DB { return r.db }

const appointmentColumns = `id, doctor_id, patient_id, day, start_at, end_at, timezone,
	status, external_event_id, sync_status, sync_attempts, next_sync_at, last_sync_error,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.Day, &a.StartAt, &a.EndAt,
		&a.Timezone, &a.Status, &a.ExternalEventID, &a.SyncStatus, &a.SyncAttempts,
		&a.NextSyncAt, &a.LastSyncError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()
	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: scan row: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Insert persists a new appointment. A range-exclusion violation from a lost
// race surfaces as ErrSlotUnavailable, the same error the pre-check raises.
func (r *Repository) Insert(ctx context.Context, q Querier, a *Appointment) error {
	_, err := q.Exec(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, day, start_at, end_at,
			timezone, status, external_event_id, sync_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.DoctorID, a.PatientID, a.Day.Format("2006-01-02"), a.StartAt, a.EndAt,
		a.Timezone, a.Status, a.ExternalEventID, a.SyncStatus)
	if err != nil {
		if isRangeConflict(err) {
			return ErrSlotUnavailable
		}
		return fmt.Errorf("appointments: insert: %w", err)
	}
	return nil
}

// GetByID loads one appointment.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: load %s: %w", id, err)
	}
	return a, nil
}

// GetByIDForUpdate loads one appointment under a row lock.
func (r *Repository) GetByIDForUpdate(ctx context.Context, q Querier, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(q.QueryRow(ctx, `
		SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: lock %s: %w", id, err)
	}
	return a, nil
}

// ListLiveForDoctorDay returns BOOKED/RESCHEDULED appointments for one doctor
// and date, ordered by start time.
func (r *Repository) ListLiveForDoctorDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE doctor_id = $1 AND day = $2 AND status IN ('BOOKED', 'RESCHEDULED')
		ORDER BY start_at`, doctorID, day.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("appointments: list doctor day: %w", err)
	}
	return collectAppointments(rows)
}

// ListLiveForDoctorsDay fetches live appointments for many doctors in one
// query, keyed by doctor, for the batched availability path.
func (r *Repository) ListLiveForDoctorsDay(ctx context.Context, doctorIDs []uuid.UUID, day time.Time) (map[uuid.UUID][]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE doctor_id = ANY($1) AND day = $2 AND status IN ('BOOKED', 'RESCHEDULED')
		ORDER BY start_at`, doctorIDs, day.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("appointments: list doctors day: %w", err)
	}
	all, err := collectAppointments(rows)
	if err != nil {
		return nil, err
	}
	byDoctor := make(map[uuid.UUID][]Appointment, len(doctorIDs))
	for _, a := range all {
		byDoctor[a.DoctorID] = append(byDoctor[a.DoctorID], a)
	}
	return byDoctor, nil
}

// LockOverlapping locks any live appointment overlapping [start, end) for the
// doctor and returns how many were found. Run inside the booking transaction
// it closes the check-then-act window; the exclusion constraint remains the
// final guard.
func (r *Repository) LockOverlapping(ctx context.Context, q Querier, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (int, error) {
	rows, err := q.Query(ctx, `
		SELECT id FROM appointments
		WHERE doctor_id = $1 AND status IN ('BOOKED', 'RESCHEDULED')
		  AND start_at < $2 AND end_at > $3
		  AND ($4::uuid IS NULL OR id <> $4)
		FOR UPDATE`, doctorID, end, start, exclude)
	if err != nil {
		return 0, fmt.Errorf("appointments: lock overlapping: %w", err)
	}
	defer rows.Close()
	var n int
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("appointments: scan lock row: %w", err)
		}
		n++
	}
	return n, rows.Err()
}

// CountOverlapping is the lock-free variant used by the availability
// calculator outside a transaction.
func (r *Repository) CountOverlapping(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM appointments
		WHERE doctor_id = $1 AND status IN ('BOOKED', 'RESCHEDULED')
		  AND start_at < $2 AND end_at > $3
		  AND ($4::uuid IS NULL OR id <> $4)`,
		doctorID, end, start, exclude).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("appointments: count overlapping: %w", err)
	}
	return n, nil
}

// UpdateSchedule moves an appointment to a new range in place.
func (r *Repository) UpdateSchedule(ctx context.Context, q Querier, id uuid.UUID, day, start, end time.Time, status, syncStatus string) error {
	ct, err := q.Exec(ctx, `
		UPDATE appointments
		SET day = $2, start_at = $3, end_at = $4, status = $5, sync_status = $6,
		    updated_at = now()
		WHERE id = $1`,
		id, day.Format("2006-01-02"), start, end, status, syncStatus)
	if err != nil {
		if isRangeConflict(err) {
			return ErrSlotUnavailable
		}
		return fmt.Errorf("appointments: update schedule: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// Cancel transitions an appointment to CANCELLED.
func (r *Repository) Cancel(ctx context.Context, q Querier, id uuid.UUID, syncStatus string) error {
	ct, err := q.Exec(ctx, `
		UPDATE appointments
		SET status = 'CANCELLED', sync_status = $2, updated_at = now()
		WHERE id = $1`, id, syncStatus)
	if err != nil {
		return fmt.Errorf("appointments: cancel: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// ListUpcomingWithEvent returns live future appointments that carry an
// external event id, for the reconciliation diff.
func (r *Repository) ListUpcomingWithEvent(ctx context.Context, doctorID uuid.UUID, from time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE doctor_id = $1 AND status IN ('BOOKED', 'RESCHEDULED')
		  AND external_event_id IS NOT NULL AND end_at > $2
		ORDER BY start_at`, doctorID, from)
	if err != nil {
		return nil, fmt.Errorf("appointments: list upcoming: %w", err)
	}
	return collectAppointments(rows)
}

// MarkSynced records a successful mirror write and clears any prior error.
func (r *Repository) MarkSynced(ctx context.Context, id uuid.UUID, externalEventID string) error {
	var evt *string
	if externalEventID != "" {
		evt = &externalEventID
	}
	_, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET sync_status = 'SYNCED',
		    external_event_id = COALESCE($2, external_event_id),
		    last_sync_error = NULL, next_sync_at = NULL, updated_at = now()
		WHERE id = $1`, id, evt)
	if err != nil {
		return fmt.Errorf("appointments: mark synced: %w", err)
	}
	return nil
}

// MarkSyncFailed records a failed mirror attempt. When terminal is true the
// appointment reaches FAILED and stops retrying.
func (r *Repository) MarkSyncFailed(ctx context.Context, id uuid.UUID, attempts int, nextAt *time.Time, lastError string, terminal bool) error {
	status := SyncPending
	if terminal {
		status = SyncFailed
	}
	_, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET sync_status = $2, sync_attempts = $3, next_sync_at = $4,
		    last_sync_error = $5, updated_at = now()
		WHERE id = $1`, id, status, attempts, nextAt, lastError)
	if err != nil {
		return fmt.Errorf("appointments: mark sync failed: %w", err)
	}
	return nil
}

// AdoptExternalEdit applies an externally edited time range that passed
// re-validation. The mirror already holds the new range, so the row lands
// SYNCED.
func (r *Repository) AdoptExternalEdit(ctx context.Context, id uuid.UUID, day, start, end time.Time) error {
	return r.UpdateSchedule(ctx, r.db, id, day, start, end, StatusRescheduled, SyncSynced)
}

// MaterializeExternal records an event that only exists in the mirror as a
// DB appointment. The event is the source here, so the row lands SYNCED.
func (r *Repository) MaterializeExternal(ctx context.Context, a *Appointment) error {
	a.Status = StatusBooked
	a.SyncStatus = SyncSynced
	return r.Insert(ctx, r.db, a)
}

// CancelSynced cancels an appointment whose mirror event is already gone.
func (r *Repository) CancelSynced(ctx context.Context, id uuid.UUID) error {
	return r.Cancel(ctx, r.db, id, SyncSynced)
}

// isRangeConflict reports whether the error is the storage-level overlap
// guard firing: exclusion violation on the tstzrange constraint, or the
// unique index on live sync jobs.
func isRangeConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23P01" || pgErr.Code == "23505"
}
