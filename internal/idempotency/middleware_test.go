package idempotency

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(executions *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*executions++
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	})
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	var executions int
	h := Middleware(NewStore(mock), nil, nil)(echoHandler(&executions))

	req := httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, executions)
	assert.NoError(t, mock.ExpectationsWereMet(), "ledger should not be touched")
}

func TestMiddlewareExecutesAndCompletes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	var executions int
	h := Middleware(NewStore(mock), nil, nil)(echoHandler(&executions))

	req := httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(`{"a":1}`))
	req.Header.Set(HeaderKey, "key-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"a":1}`, rec.Body.String(), "body must pass through to the handler")
	assert.Equal(t, 1, executions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	payload := `{"a":1}`
	status := 201
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT key, endpoint").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"key", "endpoint", "payload_hash", "status", "response_status", "response_body"}).
			AddRow("key-1", "POST /appointments", HashPayload([]byte(payload)), StateCompleted, &status, []byte(`{"id":"orig"}`)))

	var executions int
	h := Middleware(NewStore(mock), nil, nil)(echoHandler(&executions))

	req := httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(payload))
	req.Header.Set(HeaderKey, "key-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, `{"id":"orig"}`, rec.Body.String(), "replay must be the stored bytes")
	assert.Zero(t, executions, "side effects must not run twice")
}

func TestMiddlewareRejectsPayloadMismatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT key, endpoint").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"key", "endpoint", "payload_hash", "status", "response_status", "response_body"}).
			AddRow("key-1", "POST /appointments", HashPayload([]byte(`{"a":1}`)), StateCompleted, nil, nil))

	var executions int
	h := Middleware(NewStore(mock), nil, nil)(echoHandler(&executions))

	req := httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(`{"a":2}`))
	req.Header.Set(HeaderKey, "key-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, executions)
}

// recordingLedger fails any call whose context is already cancelled, the
// way a live connection would.
type recordingLedger struct {
	completed   bool
	completeErr error
	status      int
	body        []byte
}

func (l *recordingLedger) Begin(ctx context.Context, key, endpoint, hash string) (*Record, error) {
	return nil, ctx.Err()
}

func (l *recordingLedger) Complete(ctx context.Context, key, endpoint string, status int, body []byte) error {
	if err := ctx.Err(); err != nil {
		l.completeErr = err
		return err
	}
	l.completed = true
	l.status = status
	l.body = append([]byte(nil), body...)
	return nil
}

func (l *recordingLedger) Abandon(ctx context.Context, key, endpoint string) error {
	return ctx.Err()
}

func TestMiddlewareCompletesAfterClientDisconnect(t *testing.T) {
	ledger := &recordingLedger{}
	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := Middleware(ledger, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"booked"}`))
		// Client disconnects after the booking committed but before the
		// response was delivered.
		cancel()
	}))

	req := httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(`{}`)).WithContext(reqCtx)
	req.Header.Set(HeaderKey, "key-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.NoError(t, ledger.completeErr, "completion must not ride the request context")
	assert.True(t, ledger.completed, "record must reach COMPLETED so retries replay the stored response")
	assert.Equal(t, http.StatusCreated, ledger.status)
	assert.Equal(t, `{"id":"booked"}`, string(ledger.body))
}

func TestMiddlewareAbandonsOnServerError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	h := Middleware(NewStore(mock), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(`{}`))
	req.Header.Set(HeaderKey, "key-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet(), "claim should be released after a 5xx")
}
