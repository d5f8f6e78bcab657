package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oakridgehealth/clinic-scheduler/internal/app/bootstrap"
	"github.com/oakridgehealth/clinic-scheduler/internal/appointments"
	appconfig "github.com/oakridgehealth/clinic-scheduler/internal/config"
	"github.com/oakridgehealth/clinic-scheduler/internal/observability/metrics"
	"github.com/oakridgehealth/clinic-scheduler/internal/reconcile"
	"github.com/oakridgehealth/clinic-scheduler/internal/syncjobs"
	"github.com/oakridgehealth/clinic-scheduler/internal/watch"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic-scheduler sync worker",
		"env", cfg.Env,
		"workers", cfg.SyncWorkerCount,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := bootstrap.BuildPgxPool(ctx, cfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	sqlDB, err := bootstrap.BuildSQLDB(ctx, cfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	docs := bootstrap.BuildDoctorDirectory(sqlDB, redisClient, cfg, logger)

	mirror, err := bootstrap.BuildCalendarClient(ctx, cfg, logger)
	if err != nil {
		logger.Error("calendar client unavailable", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	syncMetrics := metrics.NewSyncMetrics(registry)
	reconcileMetrics := metrics.NewReconcileMetrics(registry)

	apptRepo := appointments.NewRepository(pool)
	jobStore := syncjobs.NewStore(pool)
	executor := syncjobs.NewExecutor(syncjobs.ExecutorConfig{
		Jobs:        jobStore,
		Appts:       apptRepo,
		Doctors:     docs,
		Mirror:      mirror,
		Metrics:     syncMetrics,
		Logger:      logger,
		MaxAttempts: cfg.SyncMaxAttempts,
		BaseDelay:   cfg.SyncRetryBaseDelay,
	})
	runner := syncjobs.NewRunner(syncjobs.RunnerConfig{
		Store:     jobStore,
		Executor:  executor,
		Logger:    logger,
		Workers:   cfg.SyncWorkerCount,
		Interval:  cfg.SyncPollInterval,
		BatchSize: cfg.SyncBatchSize,
	})

	scanner := reconcile.NewScanner(reconcile.ScannerConfig{
		Doctors:            docs,
		Appts:              apptRepo,
		Mirror:             mirror,
		Notifier:           notifierOrNil(ctx, cfg, logger),
		Metrics:            reconcileMetrics,
		Logger:             logger,
		Window:             time.Duration(cfg.CalendarWindowDays) * 24 * time.Hour,
		BatchSize:          cfg.ReconcileBatchSize,
		Interval:           cfg.ReconcileInterval,
		PlaceholderPatient: placeholderPatient(cfg, logger),
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scanner.Run(ctx)
	}()

	if cfg.WatchCallbackURL != "" {
		manager := watch.NewManager(watch.ManagerConfig{
			Store:       watch.NewStore(pool),
			Docs:        docs,
			Mirror:      mirror,
			Logger:      logger,
			CallbackURL: cfg.WatchCallbackURL,
			TTL:         cfg.WatchChannelTTL,
			Lookahead:   cfg.WatchRenewalLookahead,
			Interval:    cfg.WatchRenewalInterval,
		})
		if active, err := docs.ListActive(ctx); err != nil {
			logger.Error("list doctors for channel setup", "error", err)
		} else {
			manager.EnsureChannels(ctx, active)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager.Run(ctx)
		}()
	} else {
		logger.Warn("WATCH_CALLBACK_URL not set, push channels disabled")
	}

	<-ctx.Done()
	logger.Info("shutting down, draining workers...")
	wg.Wait()
	logger.Info("sync worker stopped")
}

func notifierOrNil(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) reconcile.Notifier {
	n := bootstrap.BuildConflictNotifier(ctx, cfg, logger)
	if n == nil {
		return nil
	}
	return n
}

func placeholderPatient(cfg *appconfig.Config, logger *logging.Logger) uuid.UUID {
	if cfg.ExternalPatientID == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(cfg.ExternalPatientID)
	if err != nil {
		logger.Warn("invalid EXTERNAL_PATIENT_ID, using nil placeholder", "error", err)
		return uuid.Nil
	}
	return id
}
