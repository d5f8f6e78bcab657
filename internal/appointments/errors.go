package appointments

import "errors"

// Business-rule errors surfaced to API clients. Handlers map each to a
// stable HTTP status; none of them indicate an infrastructure failure.
var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrDoctorInactive      = errors.New("doctor is not accepting appointments")
	ErrPastDate            = errors.New("appointment date is in the past")
	ErrInvalidTime         = errors.New("start time is not a valid time of day")
	ErrSlotUnavailable     = errors.New("slot not available")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrInvalidTransition   = errors.New("appointment cannot be modified in its current status")
)
