// Package syncjobs is the durable queue that propagates committed booking
// changes to the calendar mirror with at-least-once delivery.
package syncjobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/oakridgehealth/clinic-scheduler/internal/appointments"
)

// Job states.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Job is one unit of mirror work.
type Job struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Action        string
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists sync jobs.
type Store struct {
	db appointments.DB
}

func NewStore(db appointments.DB) *Store {
	if db == nil {
		panic("syncjobs: db required")
	}
	return &Store{db: db}
}

const jobColumns = `id, appointment_id, action, status, attempts, next_attempt_at,
	last_error, created_at, updated_at`

// Enqueue inserts a PENDING job unless a live one already exists for the
// same (appointment, action). Runs on the caller's transaction so the job
// commits with the booking change.
func (s *Store) Enqueue(ctx context.Context, q appointments.Querier, appointmentID uuid.UUID, action string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO sync_jobs (id, appointment_id, action, status, next_attempt_at)
		VALUES ($1, $2, $3, 'PENDING', now())
		ON CONFLICT (appointment_id, action) WHERE status IN ('PENDING', 'IN_PROGRESS')
		DO NOTHING`,
		uuid.New(), appointmentID, action)
	if err != nil {
		return fmt.Errorf("syncjobs: enqueue %s: %w", action, err)
	}
	return nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.AppointmentID, &j.Action, &j.Status, &j.Attempts,
			&j.NextAttemptAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("syncjobs: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimDue marks a batch of due PENDING jobs IN_PROGRESS and increments
// attempts in the same statement. SKIP LOCKED lets concurrent workers claim
// disjoint batches without a coordination service.
func (s *Store) ClaimDue(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE sync_jobs
		SET status = 'IN_PROGRESS', attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM sync_jobs
			WHERE status = 'PENDING' AND next_attempt_at <= now()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("syncjobs: claim due: %w", err)
	}
	return collectJobs(rows)
}

// ClaimFor claims the PENDING job for one (appointment, action), for the
// post-commit immediate sync. Returns nil when a worker already took it.
func (s *Store) ClaimFor(ctx context.Context, appointmentID uuid.UUID, action string) (*Job, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE sync_jobs
		SET status = 'IN_PROGRESS', attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM sync_jobs
			WHERE appointment_id = $1 AND action = $2 AND status = 'PENDING'
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, appointmentID, action)
	if err != nil {
		return nil, fmt.Errorf("syncjobs: claim for %s: %w", appointmentID, err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// MarkCompleted finishes a job successfully.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'COMPLETED', last_error = NULL, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("syncjobs: mark completed: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Non-terminal failures go back to
// PENDING with the next attempt time; terminal ones stay FAILED with the
// last error retained.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, nextAt *time.Time, lastError string, terminal bool) error {
	if terminal {
		_, err := s.db.Exec(ctx, `
			UPDATE sync_jobs
			SET status = 'FAILED', last_error = $2, updated_at = now()
			WHERE id = $1`, id, lastError)
		if err != nil {
			return fmt.Errorf("syncjobs: mark failed: %w", err)
		}
		return nil
	}
	if nextAt == nil {
		return errors.New("syncjobs: non-terminal failure requires next attempt time")
	}
	_, err := s.db.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'PENDING', next_attempt_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, id, *nextAt, lastError)
	if err != nil {
		return fmt.Errorf("syncjobs: mark retry: %w", err)
	}
	return nil
}
