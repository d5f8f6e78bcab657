package syncjobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakridgehealth/clinic-scheduler/internal/appointments"
	"github.com/oakridgehealth/clinic-scheduler/internal/calendar"
	"github.com/oakridgehealth/clinic-scheduler/internal/doctors"
)

type fakeJobStore struct {
	completed []uuid.UUID
	failed    []uuid.UUID
	nextAt    *time.Time
	lastError string
	terminal  bool
}

func (f *fakeJobStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeJobStore) MarkFailed(ctx context.Context, id uuid.UUID, nextAt *time.Time, lastError string, terminal bool) error {
	f.failed = append(f.failed, id)
	f.nextAt = nextAt
	f.lastError = lastError
	f.terminal = terminal
	return nil
}

type fakeApptStore struct {
	appt       *appointments.Appointment
	synced     []string
	syncFailed bool
	terminal   bool
	nextAt     *time.Time
	attempts   int
}

func (f *fakeApptStore) GetByID(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error) {
	if f.appt == nil {
		return nil, appointments.ErrAppointmentNotFound
	}
	return f.appt, nil
}

func (f *fakeApptStore) MarkSynced(ctx context.Context, id uuid.UUID, externalEventID string) error {
	f.synced = append(f.synced, externalEventID)
	return nil
}

func (f *fakeApptStore) MarkSyncFailed(ctx context.Context, id uuid.UUID, attempts int, nextAt *time.Time, lastError string, terminal bool) error {
	f.syncFailed = true
	f.terminal = terminal
	f.nextAt = nextAt
	f.attempts = attempts
	return nil
}

type fakeDoctorSource struct{ doc *doctors.Doctor }

func (f *fakeDoctorSource) Get(ctx context.Context, id uuid.UUID) (*doctors.Doctor, error) {
	return f.doc, nil
}

type fakeMirror struct {
	created  int
	updated  int
	deleted  int
	failWith error
	newID    string
}

func (f *fakeMirror) CreateEvent(ctx context.Context, calendarID string, ev calendar.Event) (string, error) {
	f.created++
	return f.newID, f.failWith
}

func (f *fakeMirror) UpdateEvent(ctx context.Context, calendarID, eventID string, ev calendar.Event) (string, error) {
	f.updated++
	return f.newID, f.failWith
}

func (f *fakeMirror) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	f.deleted++
	return f.failWith
}

func (f *fakeMirror) ListUpcoming(ctx context.Context, calendarID string, from time.Time, window time.Duration) ([]calendar.Event, error) {
	return nil, nil
}

func (f *fakeMirror) Watch(ctx context.Context, calendarID, channelID, token, address string, ttl time.Duration) (*calendar.WatchResult, error) {
	return &calendar.WatchResult{}, nil
}

func (f *fakeMirror) StopWatch(ctx context.Context, channelID, resourceID string) error {
	return nil
}

type executorFixture struct {
	jobs   *fakeJobStore
	appts  *fakeApptStore
	mirror *fakeMirror
	exec   *Executor
	now    time.Time
}

func newExecutorFixture(t *testing.T, appt *appointments.Appointment) *executorFixture {
	t.Helper()
	f := &executorFixture{
		jobs:   &fakeJobStore{},
		appts:  &fakeApptStore{appt: appt},
		mirror: &fakeMirror{newID: "evt-1"},
		now:    time.Date(2026, 9, 14, 12, 0, 0, 0, time.UTC),
	}
	f.exec = NewExecutor(ExecutorConfig{
		Jobs:        f.jobs,
		Appts:       f.appts,
		Doctors:     &fakeDoctorSource{doc: &doctors.Doctor{ID: uuid.New(), CalendarID: "cal-1"}},
		Mirror:      f.mirror,
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
	}).WithClock(func() time.Time { return f.now })
	return f
}

func liveAppointment(eventID *string) *appointments.Appointment {
	return &appointments.Appointment{
		ID:              uuid.New(),
		DoctorID:        uuid.New(),
		Status:          appointments.StatusBooked,
		SyncStatus:      appointments.SyncPending,
		StartAt:         time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC),
		EndAt:           time.Date(2026, 9, 14, 9, 30, 0, 0, time.UTC),
		Timezone:        "UTC",
		ExternalEventID: eventID,
	}
}

func TestExecuteCreateMirrorsAndMarksSynced(t *testing.T) {
	f := newExecutorFixture(t, liveAppointment(nil))
	job := Job{ID: uuid.New(), AppointmentID: f.appts.appt.ID, Action: appointments.SyncActionCreate, Attempts: 1}

	f.exec.Execute(context.Background(), job)

	assert.Equal(t, 1, f.mirror.created)
	assert.Equal(t, []uuid.UUID{job.ID}, f.jobs.completed)
	assert.Equal(t, []string{"evt-1"}, f.appts.synced)
}

func TestExecuteUpdateWithoutEventFallsBackToCreate(t *testing.T) {
	f := newExecutorFixture(t, liveAppointment(nil))
	job := Job{ID: uuid.New(), AppointmentID: f.appts.appt.ID, Action: appointments.SyncActionUpdate, Attempts: 1}

	f.exec.Execute(context.Background(), job)

	assert.Equal(t, 1, f.mirror.created)
	assert.Zero(t, f.mirror.updated)
	assert.Len(t, f.jobs.completed, 1)
}

func TestExecuteDeleteUsesStoredEvent(t *testing.T) {
	eventID := "evt-old"
	f := newExecutorFixture(t, liveAppointment(&eventID))
	job := Job{ID: uuid.New(), AppointmentID: f.appts.appt.ID, Action: appointments.SyncActionDelete, Attempts: 1}

	f.exec.Execute(context.Background(), job)

	assert.Equal(t, 1, f.mirror.deleted)
	assert.Len(t, f.jobs.completed, 1)
}

func TestExecuteCancelledAppointmentShortCircuits(t *testing.T) {
	appt := liveAppointment(nil)
	appt.Status = appointments.StatusCancelled
	f := newExecutorFixture(t, appt)
	job := Job{ID: uuid.New(), AppointmentID: appt.ID, Action: appointments.SyncActionCreate, Attempts: 1}

	f.exec.Execute(context.Background(), job)

	assert.Zero(t, f.mirror.created, "nothing should be created for a cancelled booking")
	assert.Len(t, f.jobs.completed, 1)
	assert.Len(t, f.appts.synced, 1)
}

func TestExecuteFailureSchedulesExponentialBackoff(t *testing.T) {
	f := newExecutorFixture(t, liveAppointment(nil))
	f.mirror.failWith = errors.New("mirror down")

	for attempt, wantDelay := range map[int]time.Duration{
		1: time.Minute,
		2: 2 * time.Minute,
		3: 0, // terminal at max attempts
	} {
		f.jobs = &fakeJobStore{}
		f.exec.jobs = f.jobs
		job := Job{ID: uuid.New(), AppointmentID: f.appts.appt.ID, Action: appointments.SyncActionCreate, Attempts: attempt}

		f.exec.Execute(context.Background(), job)

		require.Len(t, f.jobs.failed, 1, "attempt %d", attempt)
		if wantDelay == 0 {
			assert.True(t, f.jobs.terminal, "attempt %d should be terminal", attempt)
			assert.Nil(t, f.jobs.nextAt)
		} else {
			assert.False(t, f.jobs.terminal)
			require.NotNil(t, f.jobs.nextAt)
			assert.Equal(t, f.now.Add(wantDelay), *f.jobs.nextAt, "attempt %d", attempt)
		}
		assert.Contains(t, f.jobs.lastError, "mirror down")
	}
}

func TestExecuteTerminalFailureDegradesAppointment(t *testing.T) {
	f := newExecutorFixture(t, liveAppointment(nil))
	f.mirror.failWith = errors.New("mirror down")
	job := Job{ID: uuid.New(), AppointmentID: f.appts.appt.ID, Action: appointments.SyncActionCreate, Attempts: 3}

	f.exec.Execute(context.Background(), job)

	assert.True(t, f.appts.syncFailed)
	assert.True(t, f.appts.terminal)
	assert.Equal(t, 3, f.appts.attempts)
	assert.Equal(t, appointments.StatusBooked, f.appts.appt.Status,
		"a sync failure must never touch the booking itself")
}
