package appointments

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakridgehealth/clinic-scheduler/internal/doctors"
)

type stubApptSource struct {
	byDoctor map[uuid.UUID][]Appointment
	overlaps int
	calls    int
}

func (s *stubApptSource) ListLiveForDoctorDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Appointment, error) {
	s.calls++
	return s.byDoctor[doctorID], nil
}

func (s *stubApptSource) ListLiveForDoctorsDay(ctx context.Context, ids []uuid.UUID, day time.Time) (map[uuid.UUID][]Appointment, error) {
	s.calls++
	return s.byDoctor, nil
}

func (s *stubApptSource) CountOverlapping(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (int, error) {
	return s.overlaps, nil
}

type stubLeaveSource struct {
	onLeave map[uuid.UUID]bool
	calls   int
}

func (s *stubLeaveSource) OnLeave(ctx context.Context, doctorID uuid.UUID, date time.Time) (bool, error) {
	s.calls++
	return s.onLeave[doctorID], nil
}

func (s *stubLeaveSource) LeavesOn(ctx context.Context, ids []uuid.UUID, date time.Time) (map[uuid.UUID]bool, error) {
	s.calls++
	return s.onLeave, nil
}

func testDoctor() *doctors.Doctor {
	return &doctors.Doctor{
		ID:          uuid.New(),
		Name:        "Dr. Osei",
		Active:      true,
		WorkingDays: []int64{1, 2, 3, 4, 5},
		DayStart:    "09:00",
		DayEnd:      "12:00",
		SlotMinutes: 30,
		Timezone:    "UTC",
	}
}

// 2026-09-14 is a Monday.
var monday = time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestGenerateSlotsTilesRange(t *testing.T) {
	start := time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	slots := GenerateSlots(start, end, 30)
	require.Len(t, slots, 4)
	assert.Equal(t, start, slots[0].Start)
	for i := 1; i < len(slots); i++ {
		assert.Equal(t, slots[i-1].End, slots[i].Start, "slots must tile without gaps")
	}
	assert.Equal(t, end, slots[len(slots)-1].End)
}

func TestGenerateSlotsDropsTrailingPartial(t *testing.T) {
	start := time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)
	slots := GenerateSlots(start, start.Add(50*time.Minute), 30)
	require.Len(t, slots, 1)
}

func TestGenerateSlotsDegenerateInput(t *testing.T) {
	now := time.Now()
	assert.Nil(t, GenerateSlots(now, now, 30))
	assert.Nil(t, GenerateSlots(now, now.Add(time.Hour), 0))
	assert.Nil(t, GenerateSlots(now.Add(time.Hour), now, 30))
}

func TestAvailableSlotsFullDay(t *testing.T) {
	doc := testDoctor()
	appts := &stubApptSource{}
	calc := NewCalculator(appts, &stubLeaveSource{}).
		WithClock(fixedClock(monday.AddDate(0, 0, -1)))

	slots, err := calc.AvailableSlots(context.Background(), doc, monday)
	require.NoError(t, err)
	assert.Len(t, slots, 6) // 09:00-12:00 in 30 minute slots
}

func TestAvailableSlotsExcludesNonWorkingDay(t *testing.T) {
	doc := testDoctor()
	sunday := monday.AddDate(0, 0, -1)
	calc := NewCalculator(&stubApptSource{}, &stubLeaveSource{}).
		WithClock(fixedClock(sunday.AddDate(0, 0, -7)))

	slots, err := calc.AvailableSlots(context.Background(), doc, sunday)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestAvailableSlotsExcludesLeaveDay(t *testing.T) {
	doc := testDoctor()
	leaves := &stubLeaveSource{onLeave: map[uuid.UUID]bool{doc.ID: true}}
	calc := NewCalculator(&stubApptSource{}, leaves).
		WithClock(fixedClock(monday.AddDate(0, 0, -1)))

	slots, err := calc.AvailableSlots(context.Background(), doc, monday)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestAvailableSlotsSubtractsBookedRanges(t *testing.T) {
	doc := testDoctor()
	appts := &stubApptSource{byDoctor: map[uuid.UUID][]Appointment{
		doc.ID: {{
			DoctorID: doc.ID,
			Status:   StatusBooked,
			StartAt:  time.Date(2026, 9, 14, 9, 30, 0, 0, time.UTC),
			EndAt:    time.Date(2026, 9, 14, 10, 0, 0, 0, time.UTC),
		}},
	}}
	calc := NewCalculator(appts, &stubLeaveSource{}).
		WithClock(fixedClock(monday.AddDate(0, 0, -1)))

	slots, err := calc.AvailableSlots(context.Background(), doc, monday)
	require.NoError(t, err)
	require.Len(t, slots, 5)
	for _, slot := range slots {
		assert.False(t, slot.Start.Equal(time.Date(2026, 9, 14, 9, 30, 0, 0, time.UTC)))
	}
}

func TestAvailableSlotsExcludesElapsedToday(t *testing.T) {
	doc := testDoctor()
	// 10:05 on the requested day: the 09:00, 09:30, 10:00 slots are gone.
	calc := NewCalculator(&stubApptSource{}, &stubLeaveSource{}).
		WithClock(fixedClock(time.Date(2026, 9, 14, 10, 5, 0, 0, time.UTC)))

	slots, err := calc.AvailableSlots(context.Background(), doc, monday)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	assert.Equal(t, time.Date(2026, 9, 14, 10, 30, 0, 0, time.UTC), slots[0].Start)
}

func TestAvailableSlotsFallbackZoneGovernsElapsedCheck(t *testing.T) {
	doc := testDoctor()
	doc.Timezone = "Pluto/Nowhere"
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	// 10:05 UTC is 15:35 in the fallback zone, so the whole 09:00-12:00
	// working day has elapsed.
	calc := NewCalculator(&stubApptSource{}, &stubLeaveSource{}).
		WithClock(fixedClock(time.Date(2026, 9, 14, 10, 5, 0, 0, time.UTC))).
		WithDefaults(kolkata, 0)

	slots, err := calc.AvailableSlots(context.Background(), doc, monday)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestAvailableSlotsDefaultSlotLength(t *testing.T) {
	doc := testDoctor()
	doc.SlotMinutes = 0
	calc := NewCalculator(&stubApptSource{}, &stubLeaveSource{}).
		WithClock(fixedClock(monday.AddDate(0, 0, -1))).
		WithDefaults(nil, 45)

	slots, err := calc.AvailableSlots(context.Background(), doc, monday)
	require.NoError(t, err)
	require.Len(t, slots, 4) // 09:00-12:00 in 45 minute slots
}

func TestAvailableSlotsForDoctorsSingleFetch(t *testing.T) {
	a, b := testDoctor(), testDoctor()
	appts := &stubApptSource{byDoctor: map[uuid.UUID][]Appointment{}}
	leaves := &stubLeaveSource{onLeave: map[uuid.UUID]bool{b.ID: true}}
	calc := NewCalculator(appts, leaves).WithClock(fixedClock(monday.AddDate(0, 0, -1)))

	out, err := calc.AvailableSlotsForDoctors(context.Background(), []doctors.Doctor{*a, *b}, monday)
	require.NoError(t, err)
	assert.Len(t, out[a.ID], 6)
	assert.Empty(t, out[b.ID])
	assert.Equal(t, 1, appts.calls, "batched path must fetch appointments once")
	assert.Equal(t, 1, leaves.calls, "batched path must fetch leaves once")
}

func TestIsSlotAvailableExcludesSelf(t *testing.T) {
	appts := &stubApptSource{overlaps: 0}
	calc := NewCalculator(appts, &stubLeaveSource{})

	id := uuid.New()
	free, err := calc.IsSlotAvailable(context.Background(), uuid.New(),
		monday.Add(9*time.Hour), monday.Add(9*time.Hour+30*time.Minute), &id)
	require.NoError(t, err)
	assert.True(t, free)

	appts.overlaps = 1
	free, err = calc.IsSlotAvailable(context.Background(), uuid.New(),
		monday.Add(9*time.Hour), monday.Add(9*time.Hour+30*time.Minute), nil)
	require.NoError(t, err)
	assert.False(t, free)
}
