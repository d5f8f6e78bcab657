package doctors

import (
	"time"

	"github.com/google/uuid"
)

// Doctor is the scheduling read model for a practitioner. The engine never
// writes doctor rows; they are owned by the admin portal.
type Doctor struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	WorkingDays []int64   `json:"working_days"` // time.Weekday values, Sunday=0
	DayStart    string    `json:"day_start"`    // "09:00"
	DayEnd      string    `json:"day_end"`      // "17:00"
	SlotMinutes int       `json:"slot_minutes"`
	Timezone    string    `json:"timezone"`
	Email       string    `json:"email"`
	CalendarID  string    `json:"calendar_id"`
}

// WorksOn reports whether the doctor works on the given weekday.
func (d *Doctor) WorksOn(day time.Weekday) bool {
	for _, wd := range d.WorkingDays {
		if time.Weekday(wd) == day {
			return true
		}
	}
	return false
}

// Location resolves the doctor's timezone, falling back to UTC when the
// stored zone name does not parse.
func (d *Doctor) Location() *time.Location {
	return d.LocationOr(nil)
}

// LocationOr resolves the doctor's timezone with a caller-supplied fallback
// zone for unparseable zone names. A nil fallback means UTC.
func (d *Doctor) LocationOr(fallback *time.Location) *time.Location {
	if loc, err := time.LoadLocation(d.Timezone); err == nil {
		return loc
	}
	if fallback != nil {
		return fallback
	}
	return time.UTC
}

// Leave is a whole-day availability exception.
type Leave struct {
	DoctorID  uuid.UUID `json:"doctor_id"`
	LeaveDate time.Time `json:"leave_date"`
	Reason    string    `json:"reason"`
}
