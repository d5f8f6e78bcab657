package syncjobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// Runner polls for due jobs and executes them across a bounded worker set.
// It also serves the post-commit immediate sync path, claiming through the
// same store so background workers never double-process a job.
type Runner struct {
	store    *Store
	executor *Executor
	logger   *logging.Logger

	workers   int
	interval  time.Duration
	batchSize int

	wg sync.WaitGroup
}

// RunnerConfig wires a runner.
type RunnerConfig struct {
	Store     *Store
	Executor  *Executor
	Logger    *logging.Logger
	Workers   int
	Interval  time.Duration
	BatchSize int
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Store == nil || cfg.Executor == nil {
		panic("syncjobs: store and executor required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Runner{
		store:     cfg.Store,
		executor:  cfg.Executor,
		logger:    logger.Component("syncjobs"),
		workers:   workers,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run blocks until ctx is cancelled, then drains in-flight batches and
// returns once every worker has joined.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("sync workers starting", "workers", r.workers, "interval", r.interval)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx)
		}()
	}
	r.wg.Wait()
	r.logger.Info("sync workers stopped")
}

func (r *Runner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain claims and executes one batch. Claimed jobs are finished even when
// the context is already cancelled; the claim committed, so abandoning them
// would strand IN_PROGRESS rows until a manual reset.
func (r *Runner) drain(ctx context.Context) {
	jobs, err := r.store.ClaimDue(ctx, r.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("claim batch failed", "error", err)
		}
		return
	}
	for _, job := range jobs {
		r.executor.Execute(context.WithoutCancel(ctx), job)
	}
}

// SyncNow claims and executes the job for one (appointment, action) inline.
// Used right after a booking commit to shrink mirror lag; any failure is
// left to the normal retry schedule.
func (r *Runner) SyncNow(ctx context.Context, appointmentID uuid.UUID, action string) {
	job, err := r.store.ClaimFor(ctx, appointmentID, action)
	if err != nil {
		r.logger.Warn("immediate claim failed", "appointment_id", appointmentID, "error", err)
		return
	}
	if job == nil {
		// A background worker got there first.
		return
	}
	r.executor.Execute(ctx, *job)
}
