package appointments

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oakridgehealth/clinic-scheduler/internal/doctors"
)

// AppointmentSource supplies the booked ranges the calculator subtracts.
type AppointmentSource interface {
	ListLiveForDoctorDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Appointment, error)
	ListLiveForDoctorsDay(ctx context.Context, doctorIDs []uuid.UUID, day time.Time) (map[uuid.UUID][]Appointment, error)
	CountOverlapping(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (int, error)
}

// LeaveSource supplies whole-day exclusions.
type LeaveSource interface {
	OnLeave(ctx context.Context, doctorID uuid.UUID, date time.Time) (bool, error)
	LeavesOn(ctx context.Context, doctorIDs []uuid.UUID, date time.Time) (map[uuid.UUID]bool, error)
}

// Calculator derives bookable slots from working hours, leaves and existing
// appointments.
type Calculator struct {
	appts  AppointmentSource
	leaves LeaveSource
	now    func() time.Time

	fallbackZone *time.Location
	slotMinutes  int
}

func NewCalculator(appts AppointmentSource, leaves LeaveSource) *Calculator {
	return &Calculator{appts: appts, leaves: leaves, now: time.Now, slotMinutes: 30}
}

// WithClock overrides the time source for tests.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	if now != nil {
		c.now = now
	}
	return c
}

// WithDefaults sets the fallback timezone used when a doctor's stored zone
// does not parse, and the slot length used when a doctor record has none.
func (c *Calculator) WithDefaults(zone *time.Location, slotMinutes int) *Calculator {
	c.fallbackZone = zone
	if slotMinutes > 0 {
		c.slotMinutes = slotMinutes
	}
	return c
}

// GenerateSlots tiles [start, end) with consecutive slots of the given
// duration. A trailing partial slot is dropped.
func GenerateSlots(start, end time.Time, slotMinutes int) []Slot {
	if slotMinutes <= 0 || !start.Before(end) {
		return nil
	}
	step := time.Duration(slotMinutes) * time.Minute
	var slots []Slot
	for cur := start; !cur.Add(step).After(end); cur = cur.Add(step) {
		slots = append(slots, Slot{Start: cur, End: cur.Add(step)})
	}
	return slots
}

// AvailableSlots returns the open slots for one doctor on one date. Slots on
// non-working days, leave days, slots overlapping a live appointment, and
// slots already in the past (when the date is today in the doctor's zone)
// are excluded.
func (c *Calculator) AvailableSlots(ctx context.Context, doctor *doctors.Doctor, date time.Time) ([]Slot, error) {
	if !doctor.WorksOn(dateIn(date, doctor.LocationOr(c.fallbackZone)).Weekday()) {
		return []Slot{}, nil
	}
	onLeave, err := c.leaves.OnLeave(ctx, doctor.ID, date)
	if err != nil {
		return nil, fmt.Errorf("appointments: check leave: %w", err)
	}
	if onLeave {
		return []Slot{}, nil
	}
	existing, err := c.appts.ListLiveForDoctorDay(ctx, doctor.ID, date)
	if err != nil {
		return nil, err
	}
	return c.openSlots(doctor, date, existing), nil
}

// AvailableSlotsForDoctors computes open slots for many doctors on one date
// using a single appointments fetch and a single leaves fetch.
func (c *Calculator) AvailableSlotsForDoctors(ctx context.Context, docs []doctors.Doctor, date time.Time) (map[uuid.UUID][]Slot, error) {
	ids := make([]uuid.UUID, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	onLeave, err := c.leaves.LeavesOn(ctx, ids, date)
	if err != nil {
		return nil, fmt.Errorf("appointments: batch leaves: %w", err)
	}
	booked, err := c.appts.ListLiveForDoctorsDay(ctx, ids, date)
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID][]Slot, len(docs))
	for i := range docs {
		d := &docs[i]
		if onLeave[d.ID] || !d.WorksOn(dateIn(date, d.LocationOr(c.fallbackZone)).Weekday()) {
			out[d.ID] = []Slot{}
			continue
		}
		out[d.ID] = c.openSlots(d, date, booked[d.ID])
	}
	return out, nil
}

// IsSlotAvailable rechecks a single range, excluding the given appointment so
// a reschedule does not conflict with itself.
func (c *Calculator) IsSlotAvailable(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error) {
	n, err := c.appts.CountOverlapping(ctx, doctorID, start, end, exclude)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (c *Calculator) openSlots(doctor *doctors.Doctor, date time.Time, booked []Appointment) []Slot {
	loc := doctor.LocationOr(c.fallbackZone)
	dayStart, okStart := clockOn(date, doctor.DayStart, loc)
	dayEnd, okEnd := clockOn(date, doctor.DayEnd, loc)
	if !okStart || !okEnd {
		return []Slot{}
	}

	minutes := doctor.SlotMinutes
	if minutes <= 0 {
		minutes = c.slotMinutes
	}
	now := c.now().In(loc)
	open := make([]Slot, 0)
	for _, slot := range GenerateSlots(dayStart, dayEnd, minutes) {
		if sameDate(now, slot.Start.In(loc)) && !slot.Start.After(now) {
			continue
		}
		if overlapsAny(slot, booked) {
			continue
		}
		open = append(open, slot)
	}
	return open
}

func overlapsAny(slot Slot, booked []Appointment) bool {
	for _, a := range booked {
		if slot.Start.Before(a.EndAt) && a.StartAt.Before(slot.End) {
			return true
		}
	}
	return false
}

// clockOn combines a calendar date with a "15:04" (or "15:04:05") wall-clock
// string in the given zone.
func clockOn(date time.Time, clock string, loc *time.Location) (time.Time, bool) {
	parts := strings.Split(clock, ":")
	if len(parts) < 2 {
		return time.Time{}, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, loc), true
}

func dateIn(date time.Time, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
