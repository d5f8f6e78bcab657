// Package watch manages the push-notification channels that let the mirror
// tell us about calendar changes without waiting for a full scan.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/oakridgehealth/clinic-scheduler/internal/appointments"
)

// Channel is one registered push subscription.
type Channel struct {
	ID         uuid.UUID
	DoctorID   uuid.UUID
	ChannelID  string
	ResourceID string
	Token      string
	ExpiresAt  time.Time
	Active     bool
	CreatedAt  time.Time
}

// Store persists watch channels.
type Store struct {
	db appointments.DB
}

func NewStore(db appointments.DB) *Store {
	if db == nil {
		panic("watch: db required")
	}
	return &Store{db: db}
}

const channelColumns = `id, doctor_id, channel_id, resource_id, token,
	expires_at, active, created_at`

func scanChannel(row pgx.Row) (*Channel, error) {
	var c Channel
	err := row.Scan(&c.ID, &c.DoctorID, &c.ChannelID, &c.ResourceID, &c.Token,
		&c.ExpiresAt, &c.Active, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watch: scan channel: %w", err)
	}
	return &c, nil
}

// Insert records a freshly registered channel.
func (s *Store) Insert(ctx context.Context, c *Channel) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO watch_channels (id, doctor_id, channel_id, resource_id, token, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.DoctorID, c.ChannelID, c.ResourceID, c.Token, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("watch: insert channel: %w", err)
	}
	return nil
}

// Deactivate retires a channel; its token stops validating webhooks.
func (s *Store) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE watch_channels SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("watch: deactivate channel: %w", err)
	}
	return nil
}

// DeactivateForDoctor retires every live channel a doctor has, ahead of
// registering a replacement.
func (s *Store) DeactivateForDoctor(ctx context.Context, doctorID uuid.UUID) ([]Channel, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE watch_channels SET active = FALSE
		WHERE doctor_id = $1 AND active
		RETURNING `+channelColumns, doctorID)
	if err != nil {
		return nil, fmt.Errorf("watch: deactivate for doctor: %w", err)
	}
	return collectChannels(rows)
}

// GetByChannelID resolves an inbound notification's channel id. Only active
// channels resolve; nil means unknown or retired.
func (s *Store) GetByChannelID(ctx context.Context, channelID string) (*Channel, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+channelColumns+` FROM watch_channels
		WHERE channel_id = $1 AND active`, channelID)
	return scanChannel(row)
}

// HasActive reports whether a doctor currently has a live channel.
func (s *Store) HasActive(ctx context.Context, doctorID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM watch_channels WHERE doctor_id = $1 AND active
		)`, doctorID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("watch: has active: %w", err)
	}
	return exists, nil
}

// ListExpiring returns active channels expiring before the deadline.
func (s *Store) ListExpiring(ctx context.Context, deadline time.Time) ([]Channel, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+channelColumns+` FROM watch_channels
		WHERE active AND expires_at <= $1
		ORDER BY expires_at`, deadline)
	if err != nil {
		return nil, fmt.Errorf("watch: list expiring: %w", err)
	}
	return collectChannels(rows)
}

func collectChannels(rows pgx.Rows) ([]Channel, error) {
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.DoctorID, &c.ChannelID, &c.ResourceID, &c.Token,
			&c.ExpiresAt, &c.Active, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("watch: scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
