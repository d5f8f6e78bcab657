// Package reconcile runs the periodic diff between the appointment store and
// the calendar mirror. The store is authoritative; external edits are adopted
// only when they still fit, and reverted otherwise.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oakridgehealth/clinic-scheduler/internal/appointments"
	"github.com/oakridgehealth/clinic-scheduler/internal/calendar"
	"github.com/oakridgehealth/clinic-scheduler/internal/doctors"
	"github.com/oakridgehealth/clinic-scheduler/internal/observability/metrics"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// DoctorLister enumerates the doctors a full scan walks over.
type DoctorLister interface {
	ListActive(ctx context.Context) ([]doctors.Doctor, error)
}

// AppointmentStore is the slice of the appointments repository the scanner
// needs. *appointments.Repository implements it.
type AppointmentStore interface {
	ListUpcomingWithEvent(ctx context.Context, doctorID uuid.UUID, from time.Time) ([]appointments.Appointment, error)
	CountOverlapping(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (int, error)
	AdoptExternalEdit(ctx context.Context, id uuid.UUID, day, start, end time.Time) error
	MaterializeExternal(ctx context.Context, a *appointments.Appointment) error
	CancelSynced(ctx context.Context, id uuid.UUID) error
}

// Notifier tells a doctor their manual calendar edit was rolled back.
// Delivery is best effort and never affects the scan.
type Notifier interface {
	ConflictReverted(ctx context.Context, doctor *doctors.Doctor, eventID string, attemptedStart, attemptedEnd time.Time) error
}

// Scanner reconciles one doctor at a time. Full passes walk the active
// doctor population in round-robin batches behind a wrapping cursor, so a
// large population is covered across cycles without unbounded passes.
type Scanner struct {
	docs     DoctorLister
	appts    AppointmentStore
	mirror   calendar.API
	notifier Notifier
	metrics  *metrics.ReconcileMetrics
	logger   *logging.Logger

	window             time.Duration
	batchSize          int
	interval           time.Duration
	placeholderPatient uuid.UUID
	now                func() time.Time

	mu     sync.Mutex
	cursor int
}

// ScannerConfig wires a scanner.
type ScannerConfig struct {
	Doctors  DoctorLister
	Appts    AppointmentStore
	Mirror   calendar.API
	Notifier Notifier
	Metrics  *metrics.ReconcileMetrics
	Logger   *logging.Logger

	// Window bounds how far ahead both sides of the diff look.
	Window    time.Duration
	BatchSize int
	Interval  time.Duration

	// PlaceholderPatient is the patient reference attached to appointments
	// materialized from manually created events.
	PlaceholderPatient uuid.UUID
}

func NewScanner(cfg ScannerConfig) *Scanner {
	if cfg.Doctors == nil || cfg.Appts == nil || cfg.Mirror == nil {
		panic("reconcile: doctors, appointments and mirror are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	window := cfg.Window
	if window <= 0 {
		window = 60 * 24 * time.Hour
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scanner{
		docs:               cfg.Doctors,
		appts:              cfg.Appts,
		mirror:             cfg.Mirror,
		notifier:           cfg.Notifier,
		metrics:            cfg.Metrics,
		logger:             logger.Component("reconcile"),
		window:             window,
		batchSize:          batchSize,
		interval:           interval,
		placeholderPatient: cfg.PlaceholderPatient,
		now:                time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	if now != nil {
		s.now = now
	}
	return s
}

// Run blocks, executing one batch per interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info("reconcile scanner starting",
		"interval", s.interval, "batch_size", s.batchSize, "window", s.window)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile scanner stopped")
			return
		case <-ticker.C:
			s.ScanBatch(ctx)
		}
	}
}

// ScanBatch reconciles the next batch of active doctors, wrapping the cursor
// at the end of the population. One doctor's failure never stops the rest.
func (s *Scanner) ScanBatch(ctx context.Context) {
	docs, err := s.docs.ListActive(ctx)
	if err != nil {
		s.logger.Error("list doctors for scan", "error", err)
		return
	}
	if len(docs) == 0 {
		return
	}

	s.mu.Lock()
	start := s.cursor % len(docs)
	s.cursor = (start + s.batchSize) % len(docs)
	s.mu.Unlock()

	for i := 0; i < s.batchSize && i < len(docs); i++ {
		doctor := docs[(start+i)%len(docs)]
		if err := s.ScanDoctor(ctx, &doctor); err != nil {
			s.logger.Error("scan doctor", "doctor_id", doctor.ID, "error", err)
		}
	}
}

// ScanDoctor runs one reconciliation pass for a single doctor. Also the
// entry point for scoped passes triggered by push notifications.
func (s *Scanner) ScanDoctor(ctx context.Context, doctor *doctors.Doctor) error {
	from := s.now()

	events, err := s.mirror.ListUpcoming(ctx, doctor.CalendarID, from, s.window)
	if err != nil {
		return fmt.Errorf("reconcile: list events: %w", err)
	}
	appts, err := s.appts.ListUpcomingWithEvent(ctx, doctor.ID, from)
	if err != nil {
		return fmt.Errorf("reconcile: list appointments: %w", err)
	}

	byEvent := make(map[string]calendar.Event, len(events))
	for _, ev := range events {
		byEvent[ev.ID] = ev
	}
	claimed := make(map[string]bool, len(appts))

	for i := range appts {
		appt := &appts[i]
		eventID := *appt.ExternalEventID
		claimed[eventID] = true

		ev, present := byEvent[eventID]
		if !present {
			// Event deleted externally; the booking follows it.
			if err := s.appts.CancelSynced(ctx, appt.ID); err != nil {
				s.logger.Error("cancel after external delete",
					"appointment_id", appt.ID, "error", err)
				continue
			}
			s.metrics.Observe("cancelled")
			s.logger.Info("cancelled after external delete",
				"appointment_id", appt.ID, "event_id", eventID)
			continue
		}
		if ev.Start.Equal(appt.StartAt) && ev.End.Equal(appt.EndAt) {
			continue
		}
		s.resolveEdit(ctx, doctor, appt, ev)
	}

	for _, ev := range events {
		if claimed[ev.ID] {
			continue
		}
		s.importEvent(ctx, doctor, ev)
	}
	return nil
}

// resolveEdit handles an event whose times drifted from the stored range:
// the doctor edited it in the external calendar. The new range is
// re-validated against current DB state before anything is applied; the
// store stays authoritative when the edit no longer fits.
func (s *Scanner) resolveEdit(ctx context.Context, doctor *doctors.Doctor, appt *appointments.Appointment, ev calendar.Event) {
	conflicts, err := s.appts.CountOverlapping(ctx, doctor.ID, ev.Start, ev.End, &appt.ID)
	if err != nil {
		s.logger.Error("revalidate external edit", "appointment_id", appt.ID, "error", err)
		return
	}

	if conflicts == 0 {
		day := dayOf(ev.Start, doctor)
		if err := s.appts.AdoptExternalEdit(ctx, appt.ID, day, ev.Start, ev.End); err != nil {
			s.logger.Error("adopt external edit", "appointment_id", appt.ID, "error", err)
			return
		}
		s.metrics.Observe("adopted")
		s.logger.Info("adopted external edit",
			"appointment_id", appt.ID, "event_id", ev.ID,
			"start_at", ev.Start, "end_at", ev.End)
		return
	}

	// The edit collides with another booking. Push the stored range back
	// onto the event; the colliding row is never touched.
	restored := calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       appt.StartAt,
		End:         appt.EndAt,
		Timezone:    appt.Timezone,
	}
	if _, err := s.mirror.UpdateEvent(ctx, doctor.CalendarID, ev.ID, restored); err != nil {
		s.logger.Error("revert external edit", "appointment_id", appt.ID, "error", err)
		return
	}
	s.metrics.Observe("reverted")
	s.logger.Warn("reverted conflicting external edit",
		"appointment_id", appt.ID, "event_id", ev.ID,
		"attempted_start", ev.Start, "attempted_end", ev.End)
	if s.notifier != nil {
		if err := s.notifier.ConflictReverted(ctx, doctor, ev.ID, ev.Start, ev.End); err != nil {
			s.logger.Warn("conflict notification failed",
				"doctor_id", doctor.ID, "error", err)
		}
	}
}

// importEvent handles an event with no DB counterpart: someone created it
// directly in the calendar. If the slot is free it becomes a real booking
// under the placeholder patient; if it collides, the event is removed so the
// calendar stops advertising a time that is not actually held.
func (s *Scanner) importEvent(ctx context.Context, doctor *doctors.Doctor, ev calendar.Event) {
	if ev.Start.IsZero() || !ev.End.After(ev.Start) {
		return
	}
	conflicts, err := s.appts.CountOverlapping(ctx, doctor.ID, ev.Start, ev.End, nil)
	if err != nil {
		s.logger.Error("validate external event", "event_id", ev.ID, "error", err)
		return
	}

	if conflicts > 0 {
		if err := s.mirror.DeleteEvent(ctx, doctor.CalendarID, ev.ID); err != nil {
			s.logger.Error("remove conflicting event", "event_id", ev.ID, "error", err)
			return
		}
		s.metrics.Observe("removed")
		s.logger.Warn("removed conflicting external event",
			"doctor_id", doctor.ID, "event_id", ev.ID)
		return
	}

	eventID := ev.ID
	appt := &appointments.Appointment{
		ID:              uuid.New(),
		DoctorID:        doctor.ID,
		PatientID:       s.placeholderPatient,
		Day:             dayOf(ev.Start, doctor),
		StartAt:         ev.Start,
		EndAt:           ev.End,
		Timezone:        doctor.Timezone,
		ExternalEventID: &eventID,
	}
	if err := s.appts.MaterializeExternal(ctx, appt); err != nil {
		s.logger.Error("materialize external event", "event_id", ev.ID, "error", err)
		return
	}
	s.metrics.Observe("imported")
	s.logger.Info("imported external event",
		"doctor_id", doctor.ID, "event_id", ev.ID, "appointment_id", appt.ID)
}

// dayOf returns the calendar date of an instant in the doctor's timezone.
func dayOf(t time.Time, doctor *doctors.Doctor) time.Time {
	local := t.In(doctor.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
