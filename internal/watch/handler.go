package watch

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/oakridgehealth/clinic-scheduler/internal/doctors"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// Headers Google attaches to push notifications.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceState = "X-Goog-Resource-State"
)

// Reconciler runs a scoped pass for one doctor.
type Reconciler interface {
	ScanDoctor(ctx context.Context, doctor *doctors.Doctor) error
}

// Handler receives push notifications and triggers scoped reconcile passes.
// The notification only says "something changed"; the pass finds out what.
type Handler struct {
	store      ChannelStore
	docs       DoctorSource
	reconciler Reconciler
	logger     *logging.Logger
	timeout    time.Duration

	// launch runs the scoped pass; replaced in tests to run inline.
	launch func(func())
}

// HandlerConfig wires a webhook handler.
type HandlerConfig struct {
	Store      ChannelStore
	Docs       DoctorSource
	Reconciler Reconciler
	Logger     *logging.Logger

	// Timeout bounds the reconcile pass a notification triggers.
	Timeout time.Duration
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Store == nil || cfg.Docs == nil || cfg.Reconciler == nil {
		panic("watch: store, doctors and reconciler are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		store:      cfg.Store,
		docs:       cfg.Docs,
		reconciler: cfg.Reconciler,
		logger:     logger.Component("watch"),
		timeout:    timeout,
		launch:     func(f func()) { go f() },
	}
}

// ServeHTTP validates the notification and kicks off a scoped pass. The
// response is always fast; the pass itself runs detached from the request
// with its own deadline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get(headerChannelID)
	if channelID == "" {
		http.Error(w, "missing channel id", http.StatusBadRequest)
		return
	}

	ch, err := h.store.GetByChannelID(r.Context(), channelID)
	if err != nil {
		h.logger.Error("resolve channel", "channel_id", channelID, "error", err)
		http.Error(w, "channel lookup failed", http.StatusServiceUnavailable)
		return
	}
	// Unknown channels and bad tokens get the same answer so callers
	// cannot tell which channel ids are live. Retired channels keep
	// receiving stale notifications for a while after a renewal.
	token := r.Header.Get(headerChannelToken)
	if ch == nil {
		http.Error(w, "invalid channel or token", http.StatusForbidden)
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(ch.Token)) != 1 {
		h.logger.Warn("webhook token mismatch", "channel_id", channelID)
		http.Error(w, "invalid channel or token", http.StatusForbidden)
		return
	}

	// sync is the registration handshake; exists/not_exists are resource
	// probes. Only an actual change warrants a pass.
	switch state := r.Header.Get(headerResourceState); state {
	case "sync", "exists", "not_exists":
		w.WriteHeader(http.StatusOK)
		return
	}

	doctor, err := h.docs.Get(r.Context(), ch.DoctorID)
	if err != nil || doctor == nil {
		h.logger.Error("resolve doctor for webhook",
			"doctor_id", ch.DoctorID, "error", err)
		http.Error(w, "doctor lookup failed", http.StatusServiceUnavailable)
		return
	}

	h.launch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.reconciler.ScanDoctor(ctx, doctor); err != nil {
			h.logger.Error("scoped reconcile pass",
				"doctor_id", doctor.ID, "error", err)
		}
	})
	w.WriteHeader(http.StatusOK)
}
