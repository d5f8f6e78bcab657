package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oakridgehealth/clinic-scheduler/internal/calendar"
	"github.com/oakridgehealth/clinic-scheduler/internal/doctors"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// ChannelStore is the persistence surface the manager needs; *Store
// implements it.
type ChannelStore interface {
	Insert(ctx context.Context, c *Channel) error
	DeactivateForDoctor(ctx context.Context, doctorID uuid.UUID) ([]Channel, error)
	GetByChannelID(ctx context.Context, channelID string) (*Channel, error)
	HasActive(ctx context.Context, doctorID uuid.UUID) (bool, error)
	ListExpiring(ctx context.Context, deadline time.Time) ([]Channel, error)
}

// DoctorSource resolves channels back to their doctor.
type DoctorSource interface {
	Get(ctx context.Context, id uuid.UUID) (*doctors.Doctor, error)
}

// Manager registers and renews push channels. Channels have a protocol-bound
// maximum lifetime, so each one is replaced before it expires.
type Manager struct {
	store  ChannelStore
	docs   DoctorSource
	mirror calendar.API
	logger *logging.Logger

	callbackURL string
	ttl         time.Duration
	lookahead   time.Duration
	interval    time.Duration
	now         func() time.Time
}

// ManagerConfig wires a manager.
type ManagerConfig struct {
	Store  ChannelStore
	Docs   DoctorSource
	Mirror calendar.API
	Logger *logging.Logger

	// CallbackURL is the public address notifications are delivered to.
	CallbackURL string
	TTL         time.Duration
	Lookahead   time.Duration
	Interval    time.Duration
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Store == nil || cfg.Docs == nil || cfg.Mirror == nil {
		panic("watch: store, doctors and mirror are required")
	}
	if cfg.CallbackURL == "" {
		panic("watch: callback URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	lookahead := cfg.Lookahead
	if lookahead <= 0 {
		lookahead = 24 * time.Hour
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Manager{
		store:       cfg.Store,
		docs:        cfg.Docs,
		mirror:      cfg.Mirror,
		logger:      logger.Component("watch"),
		callbackURL: cfg.CallbackURL,
		ttl:         ttl,
		lookahead:   lookahead,
		interval:    interval,
		now:         time.Now,
	}
}

// WithClock overrides the time source for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// Setup registers a fresh channel for the doctor, retiring and best-effort
// stopping any channel it replaces. Stop failures never block the new
// registration; the old channel ages out at its expiration anyway.
func (m *Manager) Setup(ctx context.Context, doctor *doctors.Doctor) (*Channel, error) {
	replaced, err := m.store.DeactivateForDoctor(ctx, doctor.ID)
	if err != nil {
		return nil, fmt.Errorf("watch: retire channels: %w", err)
	}
	for _, old := range replaced {
		if err := m.mirror.StopWatch(ctx, old.ChannelID, old.ResourceID); err != nil {
			m.logger.Warn("stop replaced channel failed",
				"channel_id", old.ChannelID, "error", err)
		}
	}

	channelID := uuid.NewString()
	token := uuid.NewString()
	res, err := m.mirror.Watch(ctx, doctor.CalendarID, channelID, token, m.callbackURL, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("watch: register channel: %w", err)
	}

	ch := &Channel{
		ID:         uuid.New(),
		DoctorID:   doctor.ID,
		ChannelID:  channelID,
		ResourceID: res.ResourceID,
		Token:      token,
		ExpiresAt:  res.Expiration,
		Active:     true,
	}
	if err := m.store.Insert(ctx, ch); err != nil {
		return nil, fmt.Errorf("watch: persist channel: %w", err)
	}
	m.logger.Info("watch channel registered",
		"doctor_id", doctor.ID, "channel_id", channelID, "expires_at", ch.ExpiresAt)
	return ch, nil
}

// EnsureChannels registers a channel for every doctor that has none, for
// first boot and doctors added since the last run.
func (m *Manager) EnsureChannels(ctx context.Context, docs []doctors.Doctor) {
	for i := range docs {
		doctor := &docs[i]
		has, err := m.store.HasActive(ctx, doctor.ID)
		if err != nil {
			m.logger.Error("check channel", "doctor_id", doctor.ID, "error", err)
			continue
		}
		if has {
			continue
		}
		if _, err := m.Setup(ctx, doctor); err != nil {
			m.logger.Error("initial channel setup",
				"doctor_id", doctor.ID, "error", err)
		}
	}
}

// RenewExpiring replaces every active channel expiring within the lookahead
// window. One channel's failure never stops the rest.
func (m *Manager) RenewExpiring(ctx context.Context) {
	expiring, err := m.store.ListExpiring(ctx, m.now().Add(m.lookahead))
	if err != nil {
		m.logger.Error("list expiring channels", "error", err)
		return
	}
	for _, ch := range expiring {
		doctor, err := m.docs.Get(ctx, ch.DoctorID)
		if err != nil || doctor == nil {
			m.logger.Error("resolve doctor for renewal",
				"doctor_id", ch.DoctorID, "error", err)
			continue
		}
		if _, err := m.Setup(ctx, doctor); err != nil {
			m.logger.Error("renew channel",
				"doctor_id", ch.DoctorID, "channel_id", ch.ChannelID, "error", err)
		}
	}
}

// Run blocks, renewing expiring channels on the interval until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("watch renewal loop starting",
		"interval", m.interval, "lookahead", m.lookahead)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("watch renewal loop stopped")
			return
		case <-ticker.C:
			m.RenewExpiring(ctx)
		}
	}
}
