// Package idempotency makes booking write endpoints safe to retry. A
// client-supplied key is recorded before side effects run; replays are
// answered from the stored response instead of executing twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oakridgehealth/clinic-scheduler/internal/appointments"
)

// Record states.
const (
	StateInProgress = "IN_PROGRESS"
	StateCompleted  = "COMPLETED"
)

var (
	// ErrConflict means the key was reused with a different payload.
	ErrConflict = errors.New("idempotency key reused with a different payload")
	// ErrInFlight means a duplicate arrived while the original request is
	// still executing.
	ErrInFlight = errors.New("request with this idempotency key is still processing")
)

// Record is one ledger entry.
type Record struct {
	Key            string
	Endpoint       string
	PayloadHash    string
	Status         string
	ResponseStatus int
	ResponseBody   []byte
}

// Store persists idempotency records.
type Store struct {
	db appointments.DB
}

func NewStore(db appointments.DB) *Store {
	if db == nil {
		panic("idempotency: db required")
	}
	return &Store{db: db}
}

// HashPayload derives the payload fingerprint stored with a record.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Begin claims the key for this request. The insert-if-absent plus re-read
// is atomic per (key, endpoint): two racing duplicates resolve to exactly
// one executor, the other sees the IN_PROGRESS record.
//
// Returns (nil, nil) when the caller should execute normally.
// Returns a completed record when the stored response must be replayed.
func (s *Store) Begin(ctx context.Context, key, endpoint string, payloadHash string) (*Record, error) {
	ct, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_records (key, endpoint, payload_hash, status)
		VALUES ($1, $2, $3, 'IN_PROGRESS')
		ON CONFLICT (key, endpoint) DO NOTHING`,
		key, endpoint, payloadHash)
	if err != nil {
		return nil, fmt.Errorf("idempotency: begin: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil, nil
	}

	existing, err := s.get(ctx, key, endpoint)
	if err != nil {
		return nil, err
	}
	if existing.PayloadHash != payloadHash {
		return nil, ErrConflict
	}
	if existing.Status == StateInProgress {
		return nil, ErrInFlight
	}
	return existing, nil
}

// Complete stores the terminal response so future replays skip execution.
func (s *Store) Complete(ctx context.Context, key, endpoint string, statusCode int, body []byte) error {
	_, err := s.db.Exec(ctx, `
		UPDATE idempotency_records
		SET status = 'COMPLETED', response_status = $3, response_body = $4
		WHERE key = $1 AND endpoint = $2`,
		key, endpoint, statusCode, body)
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Abandon removes an IN_PROGRESS claim after an execution that produced no
// storable response, so the client can retry cleanly.
func (s *Store) Abandon(ctx context.Context, key, endpoint string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE key = $1 AND endpoint = $2 AND status = 'IN_PROGRESS'`,
		key, endpoint)
	if err != nil {
		return fmt.Errorf("idempotency: abandon: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key, endpoint string) (*Record, error) {
	var (
		r      Record
		status *int
		body   []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT key, endpoint, payload_hash, status, response_status, response_body
		FROM idempotency_records WHERE key = $1 AND endpoint = $2`,
		key, endpoint).Scan(&r.Key, &r.Endpoint, &r.PayloadHash, &r.Status, &status, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		// Insert lost the race yet the row is gone: the winner abandoned.
		return nil, ErrInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: load record: %w", err)
	}
	if status != nil {
		r.ResponseStatus = *status
	}
	r.ResponseBody = body
	return &r, nil
}
