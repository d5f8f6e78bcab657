package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oakridgehealth/clinic-scheduler/internal/api/router"
	"github.com/oakridgehealth/clinic-scheduler/internal/app/bootstrap"
	"github.com/oakridgehealth/clinic-scheduler/internal/appointments"
	appconfig "github.com/oakridgehealth/clinic-scheduler/internal/config"
	"github.com/oakridgehealth/clinic-scheduler/internal/http/handlers"
	"github.com/oakridgehealth/clinic-scheduler/internal/idempotency"
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
	logger.Info("starting clinic-scheduler API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

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

	registry := prometheus.NewRegistry()
	bookingMetrics := metrics.NewBookingMetrics(registry)
	syncMetrics := metrics.NewSyncMetrics(registry)
	reconcileMetrics := metrics.NewReconcileMetrics(registry)
	idemMetrics := metrics.NewIdempotencyMetrics(registry)

	mirror, err := bootstrap.BuildCalendarClient(ctx, cfg, logger)
	if err != nil {
		logger.Error("calendar client unavailable", "error", err)
		os.Exit(1)
	}

	zone := defaultZone(cfg, logger)
	apptRepo := appointments.NewRepository(pool)
	calculator := appointments.NewCalculator(apptRepo, docs).
		WithDefaults(zone, cfg.SlotMinutes)
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
	// The runner here serves only the post-commit immediate sync; the
	// background drain loop lives in the sync-worker binary.
	runner := syncjobs.NewRunner(syncjobs.RunnerConfig{
		Store:    jobStore,
		Executor: executor,
		Logger:   logger,
	})

	svc := appointments.NewService(appointments.ServiceConfig{
		Repo:            apptRepo,
		Calculator:      calculator,
		Doctors:         docs,
		Sync:            jobStore,
		Immediate:       runner,
		Metrics:         bookingMetrics,
		Logger:          logger,
		ImmediateBudget: cfg.ImmediateSyncBudget,
		FallbackZone:    zone,
		SlotMinutes:     cfg.SlotMinutes,
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

	watchStore := watch.NewStore(pool)
	webhook := watch.NewHandler(watch.HandlerConfig{
		Store:      watchStore,
		Docs:       docs,
		Reconciler: scanner,
		Logger:     logger,
	})

	idemStore := idempotency.NewStore(pool)

	r := router.New(&router.Config{
		Logger: logger,
		Appointments: handlers.NewAppointmentsHandler(
			svc, apptRepo, logger),
		Availability: handlers.NewAvailabilityHandler(
			calculator, docs, logger),
		Idempotency:     idempotency.Middleware(idemStore, idemMetrics, logger),
		CalendarWebhook: webhook,
		MetricsHandler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// notifierOrNil keeps the scanner's optional notifier a true nil when
// conflict notifications are not configured.
func notifierOrNil(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) reconcile.Notifier {
	n := bootstrap.BuildConflictNotifier(ctx, cfg, logger)
	if n == nil {
		return nil
	}
	return n
}

// defaultZone parses DEFAULT_TIMEZONE, the zone used for doctors whose own
// stored timezone does not parse.
func defaultZone(cfg *appconfig.Config, logger *logging.Logger) *time.Location {
	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		logger.Warn("invalid DEFAULT_TIMEZONE, using UTC",
			"zone", cfg.DefaultTimezone, "error", err)
		return time.UTC
	}
	return loc
}

// placeholderPatient resolves the patient reference attached to appointments
// materialized from manually created calendar events.
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
