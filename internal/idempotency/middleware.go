package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/oakridgehealth/clinic-scheduler/internal/observability/metrics"
	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// HeaderKey is the client-supplied idempotency key header.
const HeaderKey = "Idempotency-Key"

// Ledger is the record store surface the middleware drives.
type Ledger interface {
	Begin(ctx context.Context, key, endpoint, payloadHash string) (*Record, error)
	Complete(ctx context.Context, key, endpoint string, statusCode int, body []byte) error
	Abandon(ctx context.Context, key, endpoint string) error
}

// responseRecorder captures the status and body written by the wrapped
// handler so a terminal response can be persisted for replays.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware wraps write endpoints with the ledger. Requests without the
// header pass straight through.
func Middleware(store Ledger, m *metrics.IdempotencyMetrics, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Component("idempotency")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			payload, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(payload))

			endpoint := r.Method + " " + r.URL.Path
			hash := HashPayload(payload)

			record, err := store.Begin(r.Context(), key, endpoint, hash)
			switch {
			case errors.Is(err, ErrConflict):
				m.Observe("conflict")
				http.Error(w, "idempotency key reused with a different payload", http.StatusConflict)
				return
			case errors.Is(err, ErrInFlight):
				m.Observe("in_flight")
				http.Error(w, "request is still processing", http.StatusConflict)
				return
			case err != nil:
				logger.Error("ledger unavailable", "error", err)
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}

			if record != nil {
				// Replay the stored response byte for byte.
				m.Observe("replayed")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(record.ResponseStatus)
				_, _ = w.Write(record.ResponseBody)
				return
			}

			m.Observe("executed")
			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			// The client may have dropped while the handler committed; the
			// record must still reach a terminal state or every replay of
			// this key would see the in-flight claim.
			ctx := context.WithoutCancel(r.Context())
			if rec.status >= 500 {
				// Do not pin a server failure as the terminal response.
				if err := store.Abandon(ctx, key, endpoint); err != nil {
					logger.Error("abandon failed", "error", err, "key", key)
				}
				return
			}
			if err := store.Complete(ctx, key, endpoint, rec.status, rec.body.Bytes()); err != nil {
				logger.Error("complete failed", "error", err, "key", key)
			}
		})
	}
}
