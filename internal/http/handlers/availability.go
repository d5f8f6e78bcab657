package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oakridgehealth/clinic-scheduler/internal/appointments"
	"github.com/oakridgehealth/clinic-scheduler/internal/doctors"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// SlotSource computes open slots; *appointments.Calculator implements it.
type SlotSource interface {
	AvailableSlots(ctx context.Context, doctor *doctors.Doctor, date time.Time) ([]appointments.Slot, error)
	AvailableSlotsForDoctors(ctx context.Context, docs []doctors.Doctor, date time.Time) (map[uuid.UUID][]appointments.Slot, error)
}

// DoctorDirectory resolves doctors for the availability endpoints.
type DoctorDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*doctors.Doctor, error)
	ListActive(ctx context.Context) ([]doctors.Doctor, error)
}

// AvailabilityHandler serves open-slot queries.
type AvailabilityHandler struct {
	slots  SlotSource
	docs   DoctorDirectory
	logger *logging.Logger
}

func NewAvailabilityHandler(slots SlotSource, docs DoctorDirectory, logger *logging.Logger) *AvailabilityHandler {
	if slots == nil || docs == nil {
		panic("handlers: slot source and doctor directory are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AvailabilityHandler{slots: slots, docs: docs, logger: logger.Component("handlers")}
}

// DoctorSlots handles GET /doctors/{id}/slots?date=YYYY-MM-DD.
func (h *AvailabilityHandler) DoctorSlots(w http.ResponseWriter, r *http.Request) {
	doctorID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid doctor id")
		return
	}
	date, ok := parseDate(w, r)
	if !ok {
		return
	}

	doctor, err := h.docs.Get(r.Context(), doctorID)
	if err != nil {
		h.logger.Error("load doctor for slots", "doctor_id", doctorID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if doctor == nil {
		writeError(w, http.StatusNotFound, "doctor not found")
		return
	}

	slots, err := h.slots.AvailableSlots(r.Context(), doctor, date)
	if err != nil {
		h.logger.Error("compute slots", "doctor_id", doctorID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doctor_id": doctorID,
		"date":      date.Format("2006-01-02"),
		"slots":     emptyIfNil(slots),
	})
}

// AllSlots handles GET /slots?date=YYYY-MM-DD, one batched pass over the
// active doctor population.
func (h *AvailabilityHandler) AllSlots(w http.ResponseWriter, r *http.Request) {
	date, ok := parseDate(w, r)
	if !ok {
		return
	}

	docs, err := h.docs.ListActive(r.Context())
	if err != nil {
		h.logger.Error("list doctors for slots", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	byDoctor, err := h.slots.AvailableSlotsForDoctors(r.Context(), docs, date)
	if err != nil {
		h.logger.Error("compute batched slots", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	type doctorSlots struct {
		DoctorID uuid.UUID           `json:"doctor_id"`
		Name     string              `json:"name"`
		Slots    []appointments.Slot `json:"slots"`
	}
	out := make([]doctorSlots, 0, len(docs))
	for _, d := range docs {
		out = append(out, doctorSlots{
			DoctorID: d.ID,
			Name:     d.Name,
			Slots:    emptyIfNil(byDoctor[d.ID]),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":    date.Format("2006-01-02"),
		"doctors": out,
	})
}

func emptyIfNil(slots []appointments.Slot) []appointments.Slot {
	if slots == nil {
		return []appointments.Slot{}
	}
	return slots
}
