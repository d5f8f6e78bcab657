package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oakridgehealth/clinic-scheduler/internal/calendar"
	appconfig "github.com/oakridgehealth/clinic-scheduler/internal/config"
	"github.com/oakridgehealth/clinic-scheduler/internal/doctors"
	"github.com/oakridgehealth/clinic-scheduler/internal/notify"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// DoctorDirectory is the doctor lookup surface the rest of the system uses:
// the repository, with the Redis cache fronting single-doctor reads when
// Redis is up.
type DoctorDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*doctors.Doctor, error)
	ListActive(ctx context.Context) ([]doctors.Doctor, error)
	OnLeave(ctx context.Context, doctorID uuid.UUID, date time.Time) (bool, error)
	LeavesOn(ctx context.Context, doctorIDs []uuid.UUID, date time.Time) (map[uuid.UUID]bool, error)
}

// BuildCalendarClient wires the Google Calendar mirror client.
func BuildCalendarClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*calendar.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	svc, err := calendar.NewService(ctx, cfg.GoogleCredentialsJSON)
	if err != nil {
		return nil, err
	}
	return calendar.NewClient(svc, calendar.ClientConfig{
		MaxRetries: cfg.CalendarRetryMax,
		Backoff:    cfg.CalendarRetryBase,
		Logger:     logger,
	}), nil
}

// BuildConflictNotifier wires the SES-backed conflict notifier, or nil when
// conflict notifications are disabled or SES is not configured.
func BuildConflictNotifier(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *notify.ConflictNotifier {
	if cfg == nil || !cfg.NotifyOnConflicts || cfg.NotifyFromEmail == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Warn("aws config unavailable, conflict notifications disabled", "error", err)
		return nil
	}
	sender := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
		FromEmail: cfg.NotifyFromEmail,
	}, logger)
	if sender == nil {
		return nil
	}
	return notify.NewConflictNotifier(sender, logger)
}

// BuildDoctorDirectory returns the doctors repository, fronted by the Redis
// cache when a client is available. The cache covers the single-doctor read
// on the booking hot path; list and leave queries go to the repository.
func BuildDoctorDirectory(db *sql.DB, redisClient *redis.Client, cfg *appconfig.Config, logger *logging.Logger) DoctorDirectory {
	repo := doctors.NewRepository(db)
	if redisClient == nil {
		return repo
	}
	if logger != nil {
		logger.Info("doctor cache enabled", "ttl", cfg.DoctorCacheTTL)
	}
	return &cachedDirectory{
		Repository: repo,
		cache:      doctors.NewCache(repo, redisClient, cfg.DoctorCacheTTL),
	}
}

type cachedDirectory struct {
	*doctors.Repository
	cache *doctors.Cache
}

func (d *cachedDirectory) Get(ctx context.Context, id uuid.UUID) (*doctors.Doctor, error) {
	return d.cache.Get(ctx, id)
}
