package appointments

import (
	"time"

	"github.com/google/uuid"
)

// Appointment statuses. Rows are never deleted, only transitioned.
const (
	StatusBooked      = "BOOKED"
	StatusRescheduled = "RESCHEDULED"
	StatusCancelled   = "CANCELLED"
	StatusCompleted   = "COMPLETED"
)

// Mirror sync states for an appointment.
const (
	SyncPending = "PENDING"
	SyncSynced  = "SYNCED"
	SyncFailed  = "FAILED"
)

// Mirror actions propagated through the sync queue.
const (
	SyncActionCreate = "CREATE"
	SyncActionUpdate = "UPDATE"
	SyncActionDelete = "DELETE"
)

// Appointment is the authoritative booking record.
type Appointment struct {
	ID              uuid.UUID  `json:"id"`
	DoctorID        uuid.UUID  `json:"doctor_id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	Day             time.Time  `json:"day"`
	StartAt         time.Time  `json:"start_at"`
	EndAt           time.Time  `json:"end_at"`
	Timezone        string     `json:"timezone"`
	Status          string     `json:"status"`
	ExternalEventID *string    `json:"external_event_id,omitempty"`
	SyncStatus      string     `json:"sync_status"`
	SyncAttempts    int        `json:"sync_attempts"`
	NextSyncAt      *time.Time `json:"next_sync_at,omitempty"`
	LastSyncError   *string    `json:"last_sync_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Live reports whether the appointment occupies its slot.
func (a *Appointment) Live() bool {
	return a.Status == StatusBooked || a.Status == StatusRescheduled
}

// Slot is a bookable interval within a doctor's working hours.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
