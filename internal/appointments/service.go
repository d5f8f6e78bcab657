package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oakridgehealth/clinic-scheduler/internal/doctors"
	"github.com/oakridgehealth/clinic-scheduler/internal/observability/metrics"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

var bookingTracer trace.Tracer = otel.Tracer("scheduler.internal.appointments")

// DoctorSource resolves doctors, usually through the Redis cache.
type DoctorSource interface {
	Get(ctx context.Context, id uuid.UUID) (*doctors.Doctor, error)
}

// SyncEnqueuer inserts a mirror job inside the booking transaction so the
// job commits atomically with the appointment change.
type SyncEnqueuer interface {
	Enqueue(ctx context.Context, q Querier, appointmentID uuid.UUID, action string) error
}

// ImmediateSyncer runs one just-enqueued job inline to shrink mirror lag.
// Implementations claim the job through the normal path so background
// workers cannot double-process it.
type ImmediateSyncer interface {
	SyncNow(ctx context.Context, appointmentID uuid.UUID, action string)
}

// BookRequest describes a booking attempt. Start is a wall-clock "15:04"
// in the doctor's timezone; Date is "2006-01-02".
type BookRequest struct {
	DoctorID  uuid.UUID `json:"doctor_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Date      string    `json:"date"`
	Start     string    `json:"start"`
}

// Service is the transactional core: every public method is one atomic
// booking state change. Mirror sync strictly follows commit and never
// blocks or reverts it.
type Service struct {
	repo      *Repository
	calc      *Calculator
	docs      DoctorSource
	sync      SyncEnqueuer
	immediate ImmediateSyncer
	metrics   *metrics.BookingMetrics
	logger    *logging.Logger

	immediateBudget time.Duration
	fallbackZone    *time.Location
	slotMinutes     int
	now             func() time.Time
}

// ServiceConfig wires a booking service.
type ServiceConfig struct {
	Repo            *Repository
	Calculator      *Calculator
	Doctors         DoctorSource
	Sync            SyncEnqueuer
	Immediate       ImmediateSyncer
	Metrics         *metrics.BookingMetrics
	Logger          *logging.Logger
	ImmediateBudget time.Duration

	// FallbackZone applies when a doctor's stored timezone does not parse.
	// SlotMinutes applies when a doctor record carries no slot length.
	FallbackZone *time.Location
	SlotMinutes  int
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Repo == nil {
		panic("appointments: repository required")
	}
	if cfg.Calculator == nil {
		panic("appointments: calculator required")
	}
	if cfg.Doctors == nil {
		panic("appointments: doctor source required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	budget := cfg.ImmediateBudget
	if budget <= 0 {
		budget = 3 * time.Second
	}
	slotMinutes := cfg.SlotMinutes
	if slotMinutes <= 0 {
		slotMinutes = 30
	}
	return &Service{
		repo:            cfg.Repo,
		calc:            cfg.Calculator,
		docs:            cfg.Doctors,
		sync:            cfg.Sync,
		immediate:       cfg.Immediate,
		metrics:         cfg.Metrics,
		logger:          logger.Component("booking"),
		immediateBudget: budget,
		fallbackZone:    cfg.FallbackZone,
		slotMinutes:     slotMinutes,
		now:             time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Book creates an appointment. Under concurrent attempts on an overlapping
// range exactly one caller commits; the rest see ErrSlotUnavailable no
// matter which layer detected the overlap.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "appointments.book")
	defer span.End()
	span.SetAttributes(attribute.String("scheduler.doctor_id", req.DoctorID.String()))

	doctor, day, start, end, err := s.resolveTarget(ctx, req.DoctorID, req.Date, req.Start)
	if err != nil {
		s.metrics.Observe("book", outcomeFor(err))
		return nil, err
	}

	// Cheap pre-check outside the transaction. The row lock plus the
	// exclusion constraint below are the actual correctness boundary.
	free, err := s.calc.IsSlotAvailable(ctx, doctor.ID, start, end, nil)
	if err != nil {
		s.metrics.Observe("book", "error")
		return nil, err
	}
	if !free {
		s.metrics.Observe("book", "conflict")
		return nil, ErrSlotUnavailable
	}

	appt := &Appointment{
		ID:         uuid.New(),
		DoctorID:   doctor.ID,
		PatientID:  req.PatientID,
		Day:        day,
		StartAt:    start.UTC(),
		EndAt:      end.UTC(),
		Timezone:   doctor.Timezone,
		Status:     StatusBooked,
		SyncStatus: SyncPending,
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		n, err := s.repo.LockOverlapping(ctx, tx, doctor.ID, appt.StartAt, appt.EndAt, nil)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrSlotUnavailable
		}
		if err := s.repo.Insert(ctx, tx, appt); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, appt.ID, SyncActionCreate)
	})
	if err != nil {
		s.metrics.Observe("book", outcomeFor(err))
		if errors.Is(err, ErrSlotUnavailable) {
			return nil, ErrSlotUnavailable
		}
		return nil, err
	}

	s.metrics.Observe("book", "booked")
	s.logger.Info("appointment booked",
		"appointment_id", appt.ID, "doctor_id", doctor.ID, "start_at", appt.StartAt)
	s.syncNow(appt.ID, SyncActionCreate)
	return appt, nil
}

// Reschedule moves an appointment to a new range in place.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newDate, newStart string) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "appointments.reschedule")
	defer span.End()
	span.SetAttributes(attribute.String("scheduler.appointment_id", id.String()))

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.metrics.Observe("reschedule", outcomeFor(err))
		return nil, err
	}
	if current.Status == StatusCancelled || current.Status == StatusCompleted {
		s.metrics.Observe("reschedule", "invalid")
		return nil, ErrInvalidTransition
	}

	doctor, day, start, end, err := s.resolveTarget(ctx, current.DoctorID, newDate, newStart)
	if err != nil {
		s.metrics.Observe("reschedule", outcomeFor(err))
		return nil, err
	}

	free, err := s.calc.IsSlotAvailable(ctx, doctor.ID, start, end, &id)
	if err != nil {
		s.metrics.Observe("reschedule", "error")
		return nil, err
	}
	if !free {
		s.metrics.Observe("reschedule", "conflict")
		return nil, ErrSlotUnavailable
	}

	action := SyncActionUpdate
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		locked, err := s.repo.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked.Status == StatusCancelled || locked.Status == StatusCompleted {
			return ErrInvalidTransition
		}
		if locked.ExternalEventID == nil {
			action = SyncActionCreate
		}
		n, err := s.repo.LockOverlapping(ctx, tx, doctor.ID, start.UTC(), end.UTC(), &id)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrSlotUnavailable
		}
		if err := s.repo.UpdateSchedule(ctx, tx, id, day, start.UTC(), end.UTC(), StatusRescheduled, SyncPending); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, id, action)
	})
	if err != nil {
		s.metrics.Observe("reschedule", outcomeFor(err))
		return nil, err
	}

	s.metrics.Observe("reschedule", "rescheduled")
	s.logger.Info("appointment rescheduled", "appointment_id", id, "start_at", start.UTC())
	s.syncNow(id, action)
	return s.repo.GetByID(ctx, id)
}

// Cancel transitions an appointment to CANCELLED. Cancelling an already
// cancelled appointment is a no-op success.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "appointments.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("scheduler.appointment_id", id.String()))

	var needsDelete bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		locked, err := s.repo.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		switch locked.Status {
		case StatusCancelled:
			return nil
		case StatusCompleted:
			return ErrInvalidTransition
		}
		if locked.ExternalEventID != nil {
			needsDelete = true
			if err := s.repo.Cancel(ctx, tx, id, SyncPending); err != nil {
				return err
			}
			return s.enqueue(ctx, tx, id, SyncActionDelete)
		}
		// Nothing mirrored yet, so there is nothing to delete.
		return s.repo.Cancel(ctx, tx, id, SyncSynced)
	})
	if err != nil {
		s.metrics.Observe("cancel", outcomeFor(err))
		return nil, err
	}

	s.metrics.Observe("cancel", "cancelled")
	s.logger.Info("appointment cancelled", "appointment_id", id, "mirror_delete", needsDelete)
	if needsDelete {
		s.syncNow(id, SyncActionDelete)
	}
	return s.repo.GetByID(ctx, id)
}

// resolveTarget validates the doctor and computes the concrete UTC range for
// a date + wall-clock start.
func (s *Service) resolveTarget(ctx context.Context, doctorID uuid.UUID, date, startClock string) (*doctors.Doctor, time.Time, time.Time, time.Time, error) {
	var zero time.Time
	doctor, err := s.docs.Get(ctx, doctorID)
	if err != nil {
		return nil, zero, zero, zero, err
	}
	if doctor == nil {
		return nil, zero, zero, zero, ErrDoctorNotFound
	}
	if !doctor.Active {
		return nil, zero, zero, zero, ErrDoctorInactive
	}

	loc := doctor.LocationOr(s.fallbackZone)
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return nil, zero, zero, zero, fmt.Errorf("appointments: parse date %q: %w", date, err)
	}
	today := dateIn(s.now().In(loc), loc)
	if day.Before(today) {
		return nil, zero, zero, zero, ErrPastDate
	}

	start, ok := clockOn(day, startClock, loc)
	if !ok {
		return nil, zero, zero, zero, fmt.Errorf("appointments: parse start %q: %w", startClock, ErrInvalidTime)
	}
	slotMinutes := doctor.SlotMinutes
	if slotMinutes <= 0 {
		slotMinutes = s.slotMinutes
	}
	end := start.Add(time.Duration(slotMinutes) * time.Minute)
	return doctor, day, start, end, nil
}

func (s *Service) enqueue(ctx context.Context, q Querier, id uuid.UUID, action string) error {
	if s.sync == nil {
		return nil
	}
	return s.sync.Enqueue(ctx, q, id, action)
}

// syncNow runs the freshly enqueued job inline under a short budget. The
// durable queue owns delivery, so any failure here is swallowed.
func (s *Service) syncNow(id uuid.UUID, action string) {
	if s.immediate == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.immediateBudget)
	defer cancel()
	s.immediate.SyncNow(ctx, id, action)
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.repo.DB().Begin(ctx)
	if err != nil {
		return fmt.Errorf("appointments: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isRangeConflict(err) {
			return ErrSlotUnavailable
		}
		return fmt.Errorf("appointments: commit tx: %w", err)
	}
	return nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrSlotUnavailable):
		return "conflict"
	case errors.Is(err, ErrPastDate), errors.Is(err, ErrInvalidTime),
		errors.Is(err, ErrDoctorInactive), errors.Is(err, ErrDoctorNotFound),
		errors.Is(err, ErrAppointmentNotFound), errors.Is(err, ErrInvalidTransition):
		return "rejected"
	default:
		return "error"
	}
}
