// Package handlers holds the HTTP surface for booking and availability.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oakridgehealth/clinic-scheduler/internal/appointments"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// BookingService is the transactional core behind the write endpoints.
type BookingService interface {
	Book(ctx context.Context, req appointments.BookRequest) (*appointments.Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, newDate, newStart string) (*appointments.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error)
}

// AppointmentReader serves the read endpoint.
type AppointmentReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error)
}

// AppointmentsHandler provides the booking write endpoints.
type AppointmentsHandler struct {
	svc    BookingService
	reader AppointmentReader
	logger *logging.Logger
}

func NewAppointmentsHandler(svc BookingService, reader AppointmentReader, logger *logging.Logger) *AppointmentsHandler {
	if svc == nil || reader == nil {
		panic("handlers: booking service and reader are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AppointmentsHandler{svc: svc, reader: reader, logger: logger.Component("handlers")}
}

// Routes returns a chi router with the appointment endpoints.
func (h *AppointmentsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Book)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/reschedule", h.Reschedule)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// Book handles POST /appointments.
func (h *AppointmentsHandler) Book(w http.ResponseWriter, r *http.Request) {
	var req appointments.BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DoctorID == uuid.Nil || req.PatientID == uuid.Nil || req.Date == "" || req.Start == "" {
		writeError(w, http.StatusBadRequest, "doctor_id, patient_id, date and start are required")
		return
	}

	appt, err := h.svc.Book(r.Context(), req)
	if err != nil {
		h.respondBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appt)
}

// Get handles GET /appointments/{id}.
func (h *AppointmentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	appt, err := h.reader.GetByID(r.Context(), id)
	if err != nil {
		h.respondBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// RescheduleRequest is the body for POST /appointments/{id}/reschedule.
type RescheduleRequest struct {
	Date  string `json:"date"`
	Start string `json:"start"`
}

// Reschedule handles POST /appointments/{id}/reschedule.
func (h *AppointmentsHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Date == "" || req.Start == "" {
		writeError(w, http.StatusBadRequest, "date and start are required")
		return
	}

	appt, err := h.svc.Reschedule(r.Context(), id, req.Date, req.Start)
	if err != nil {
		h.respondBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// Cancel handles POST /appointments/{id}/cancel.
func (h *AppointmentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		h.respondBookingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return uuid.Nil, false
	}
	return id, true
}

// respondBookingError maps the booking error family onto HTTP statuses.
// Every business-rule violation gets a specific status and message; only
// genuinely unexpected failures become a 500.
func (h *AppointmentsHandler) respondBookingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, appointments.ErrDoctorNotFound),
		errors.Is(err, appointments.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, appointments.ErrSlotUnavailable),
		errors.Is(err, appointments.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, appointments.ErrPastDate),
		errors.Is(err, appointments.ErrDoctorInactive):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, appointments.ErrInvalidTime):
		writeError(w, http.StatusBadRequest, appointments.ErrInvalidTime.Error())
	default:
		h.logger.Error("booking request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "date query parameter is required")
		return time.Time{}, false
	}
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return date, true
}
