package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/oakridgehealth/clinic-scheduler/internal/doctors"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// ConflictNotifier emails a doctor when one of their manual calendar edits
// was rolled back because it collided with an existing booking.
type ConflictNotifier struct {
	sender EmailSender
	logger *logging.Logger
}

func NewConflictNotifier(sender EmailSender, logger *logging.Logger) *ConflictNotifier {
	if sender == nil {
		panic("notify: email sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ConflictNotifier{sender: sender, logger: logger.Component("notify")}
}

// ConflictReverted sends the rollback notice. Doctors without an email
// address on file are skipped silently.
func (n *ConflictNotifier) ConflictReverted(ctx context.Context, doctor *doctors.Doctor, eventID string, attemptedStart, attemptedEnd time.Time) error {
	if doctor.Email == "" {
		n.logger.Debug("doctor has no email, skipping conflict notice", "doctor_id", doctor.ID)
		return nil
	}

	loc := doctor.Location()
	msg := EmailMessage{
		To:      doctor.Email,
		ToName:  doctor.Name,
		Subject: "Calendar change rolled back",
		Body: fmt.Sprintf(
			"Hi %s,\n\n"+
				"A change you made in your calendar was rolled back because the new "+
				"time (%s to %s) overlaps an existing booking.\n\n"+
				"The event has been restored to its booked time. To move the "+
				"appointment, please reschedule it in the scheduling system so the "+
				"slot can be checked first.\n\n"+
				"Event reference: %s\n",
			doctor.Name,
			attemptedStart.In(loc).Format("Mon, 2 Jan 2006 15:04"),
			attemptedEnd.In(loc).Format("15:04 MST"),
			eventID,
		),
	}
	if err := n.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: conflict notice: %w", err)
	}
	return nil
}
