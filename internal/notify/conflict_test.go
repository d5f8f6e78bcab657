package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakridgehealth/clinic-scheduler/internal/doctors"
)

type recordingSender struct {
	sent []EmailMessage
	err  error
}

func (r *recordingSender) Send(ctx context.Context, msg EmailMessage) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func TestConflictRevertedSendsRollbackNotice(t *testing.T) {
	sender := &recordingSender{}
	notifier := NewConflictNotifier(sender, nil)
	doctor := &doctors.Doctor{
		ID:       uuid.New(),
		Name:     "Dr. Osei",
		Email:    "osei@example.com",
		Timezone: "America/New_York",
	}
	start := time.Date(2026, 9, 14, 18, 0, 0, 0, time.UTC)

	err := notifier.ConflictReverted(context.Background(), doctor, "evt-1", start, start.Add(30*time.Minute))
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "osei@example.com", msg.To)
	assert.Equal(t, "Calendar change rolled back", msg.Subject)
	// Times are rendered in the doctor's zone, 18:00 UTC = 14:00 EDT.
	assert.Contains(t, msg.Body, "14:00")
	assert.Contains(t, msg.Body, "evt-1")
}

func TestConflictRevertedSkipsDoctorWithoutEmail(t *testing.T) {
	sender := &recordingSender{}
	notifier := NewConflictNotifier(sender, nil)
	doctor := &doctors.Doctor{ID: uuid.New(), Name: "Dr. Osei"}

	err := notifier.ConflictReverted(context.Background(), doctor, "evt-1", time.Now(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, sender.sent)
}

func TestConflictRevertedWrapsSendFailure(t *testing.T) {
	sender := &recordingSender{err: errors.New("ses down")}
	notifier := NewConflictNotifier(sender, nil)
	doctor := &doctors.Doctor{ID: uuid.New(), Email: "osei@example.com"}

	err := notifier.ConflictReverted(context.Background(), doctor, "evt-1", time.Now(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict notice")
}
