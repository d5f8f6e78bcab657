// Package router assembles the HTTP surface from handler dependencies.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/oakridgehealth/clinic-scheduler/internal/http/handlers"
	httpmiddleware "github.com/oakridgehealth/clinic-scheduler/internal/http/middleware"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	Appointments *handlers.AppointmentsHandler
	Availability *handlers.AvailabilityHandler

	// Idempotency wraps the booking write endpoints; identical replays
	// return the stored response.
	Idempotency func(http.Handler) http.Handler

	// CalendarWebhook receives mirror push notifications.
	CalendarWebhook http.Handler

	MetricsHandler http.Handler
}

// New creates a chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Availability != nil {
		r.Get("/doctors/{id}/slots", cfg.Availability.DoctorSlots)
		r.Get("/slots", cfg.Availability.AllSlots)
	}

	if cfg.Appointments != nil {
		r.Route("/appointments", func(appts chi.Router) {
			if cfg.Idempotency != nil {
				appts.Use(cfg.Idempotency)
			}
			appts.Mount("/", cfg.Appointments.Routes())
		})
	}

	if cfg.CalendarWebhook != nil {
		r.Method(http.MethodPost, "/webhooks/calendar", cfg.CalendarWebhook)
	}

	return r
}
