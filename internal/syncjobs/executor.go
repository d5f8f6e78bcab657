package syncjobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oakridgehealth/clinic-scheduler/internal/appointments"
	"github.com/oakridgehealth/clinic-scheduler/internal/calendar"
	"github.com/oakridgehealth/clinic-scheduler/internal/observability/metrics"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// JobStore records job outcomes; *Store implements it.
type JobStore interface {
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, nextAt *time.Time, lastError string, terminal bool) error
}

// AppointmentStore is the slice of the appointments repository the executor
// needs.
type AppointmentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error)
	MarkSynced(ctx context.Context, id uuid.UUID, externalEventID string) error
	MarkSyncFailed(ctx context.Context, id uuid.UUID, attempts int, nextAt *time.Time, lastError string, terminal bool) error
}

// Executor runs one claimed job against the calendar mirror. A failure here
// degrades sync state only; the underlying booking is never touched.
type Executor struct {
	jobs    JobStore
	appts   AppointmentStore
	docs    appointments.DoctorSource
	mirror  calendar.API
	metrics *metrics.SyncMetrics
	logger  *logging.Logger

	maxAttempts int
	baseDelay   time.Duration
	now         func() time.Time
}

// ExecutorConfig wires an executor.
type ExecutorConfig struct {
	Jobs        JobStore
	Appts       AppointmentStore
	Doctors     appointments.DoctorSource
	Mirror      calendar.API
	Metrics     *metrics.SyncMetrics
	Logger      *logging.Logger
	MaxAttempts int
	BaseDelay   time.Duration
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Jobs == nil || cfg.Appts == nil || cfg.Doctors == nil || cfg.Mirror == nil {
		panic("syncjobs: jobs, appointments, doctors and mirror are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &Executor{
		jobs:        cfg.Jobs,
		appts:       cfg.Appts,
		docs:        cfg.Doctors,
		mirror:      cfg.Mirror,
		metrics:     cfg.Metrics,
		logger:      logger.Component("syncjobs"),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		now:         time.Now,
	}
}

// WithClock overrides the time source for tests.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	if now != nil {
		e.now = now
	}
	return e
}

// Execute runs one claimed job to a terminal or retryable state.
func (e *Executor) Execute(ctx context.Context, job Job) {
	started := e.now()
	err := e.run(ctx, job)
	e.metrics.ObserveJobDuration(job.Action, e.now().Sub(started).Seconds())
	if err == nil {
		e.metrics.ObserveJob(job.Action, "completed")
		return
	}
	e.fail(ctx, job, err)
}

func (e *Executor) run(ctx context.Context, job Job) error {
	appt, err := e.appts.GetByID(ctx, job.AppointmentID)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}

	// Cancelled before the job ran: nothing should exist in the mirror,
	// so the job is a no-op unless it is the delete itself.
	if appt.Status == appointments.StatusCancelled && job.Action != appointments.SyncActionDelete {
		if err := e.jobs.MarkCompleted(ctx, job.ID); err != nil {
			return err
		}
		return e.appts.MarkSynced(ctx, appt.ID, "")
	}

	doctor, err := e.docs.Get(ctx, appt.DoctorID)
	if err != nil {
		return fmt.Errorf("load doctor: %w", err)
	}
	if doctor == nil {
		return errors.New("doctor not found for appointment")
	}

	event := calendar.Event{
		Summary:     "Clinic appointment",
		Description: "appointment " + appt.ID.String(),
		Start:       appt.StartAt,
		End:         appt.EndAt,
		Timezone:    appt.Timezone,
	}

	var eventID string
	switch job.Action {
	case appointments.SyncActionCreate:
		if appt.ExternalEventID != nil {
			// Created once already; converge by updating.
			eventID, err = e.mirror.UpdateEvent(ctx, doctor.CalendarID, *appt.ExternalEventID, event)
		} else {
			eventID, err = e.mirror.CreateEvent(ctx, doctor.CalendarID, event)
		}
	case appointments.SyncActionUpdate:
		if appt.ExternalEventID == nil {
			eventID, err = e.mirror.CreateEvent(ctx, doctor.CalendarID, event)
		} else {
			eventID, err = e.mirror.UpdateEvent(ctx, doctor.CalendarID, *appt.ExternalEventID, event)
		}
	case appointments.SyncActionDelete:
		if appt.ExternalEventID != nil {
			err = e.mirror.DeleteEvent(ctx, doctor.CalendarID, *appt.ExternalEventID)
		}
	default:
		return fmt.Errorf("unknown action %q", job.Action)
	}
	if err != nil {
		return fmt.Errorf("mirror %s: %w", job.Action, err)
	}

	if err := e.jobs.MarkCompleted(ctx, job.ID); err != nil {
		return err
	}
	if err := e.appts.MarkSynced(ctx, appt.ID, eventID); err != nil {
		return err
	}
	e.logger.Info("mirror synced",
		"appointment_id", appt.ID, "action", job.Action, "event_id", eventID)
	return nil
}

// fail applies the retry schedule: base * 2^(attempts-1) until maxAttempts,
// then terminal FAILED on both the job and the appointment.
func (e *Executor) fail(ctx context.Context, job Job, cause error) {
	terminal := job.Attempts >= e.maxAttempts
	if terminal {
		e.metrics.ObserveJob(job.Action, "failed")
		e.logger.Error("sync job failed permanently",
			"job_id", job.ID, "appointment_id", job.AppointmentID,
			"attempts", job.Attempts, "error", cause)
		if err := e.jobs.MarkFailed(ctx, job.ID, nil, cause.Error(), true); err != nil {
			e.logger.Error("mark job failed", "job_id", job.ID, "error", err)
		}
		if err := e.appts.MarkSyncFailed(ctx, job.AppointmentID, job.Attempts, nil, cause.Error(), true); err != nil {
			e.logger.Error("mark appointment failed", "appointment_id", job.AppointmentID, "error", err)
		}
		return
	}

	shift := job.Attempts - 1
	if shift < 0 {
		shift = 0
	}
	delay := e.baseDelay * time.Duration(1<<shift)
	nextAt := e.now().Add(delay)
	e.metrics.ObserveJob(job.Action, "retried")
	e.logger.Warn("sync job failed, will retry",
		"job_id", job.ID, "appointment_id", job.AppointmentID,
		"attempt", job.Attempts, "next_attempt_at", nextAt, "error", cause)
	if err := e.jobs.MarkFailed(ctx, job.ID, &nextAt, cause.Error(), false); err != nil {
		e.logger.Error("mark job retry", "job_id", job.ID, "error", err)
	}
	if err := e.appts.MarkSyncFailed(ctx, job.AppointmentID, job.Attempts, &nextAt, cause.Error(), false); err != nil {
		e.logger.Error("mark appointment retry", "appointment_id", job.AppointmentID, "error", err)
	}
}
