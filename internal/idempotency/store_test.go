package idempotency

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginNewKeyExecutes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewStore(mock)
	record, err := store.Begin(context.Background(), "k1", "POST /appointments", "hash-a")
	require.NoError(t, err)
	assert.Nil(t, record, "fresh key should execute normally")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginReplaysCompletedRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	status := 201
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT key, endpoint").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"key", "endpoint", "payload_hash", "status", "response_status", "response_body"}).
			AddRow("k1", "POST /appointments", "hash-a", StateCompleted, &status, []byte(`{"id":"x"}`)))

	store := NewStore(mock)
	record, err := store.Begin(context.Background(), "k1", "POST /appointments", "hash-a")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 201, record.ResponseStatus)
	assert.Equal(t, []byte(`{"id":"x"}`), record.ResponseBody)
}

func TestBeginRejectsPayloadMismatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT key, endpoint").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"key", "endpoint", "payload_hash", "status", "response_status", "response_body"}).
			AddRow("k1", "POST /appointments", "hash-a", StateCompleted, nil, nil))

	store := NewStore(mock)
	_, err = store.Begin(context.Background(), "k1", "POST /appointments", "hash-DIFFERENT")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBeginConcurrentDuplicateIsInFlight(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT key, endpoint").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"key", "endpoint", "payload_hash", "status", "response_status", "response_body"}).
			AddRow("k1", "POST /appointments", "hash-a", StateInProgress, nil, nil))

	store := NewStore(mock)
	_, err = store.Begin(context.Background(), "k1", "POST /appointments", "hash-a")
	assert.ErrorIs(t, err, ErrInFlight)
}

func TestHashPayloadIsStable(t *testing.T) {
	a := HashPayload([]byte(`{"doctor_id":"d1"}`))
	b := HashPayload([]byte(`{"doctor_id":"d1"}`))
	c := HashPayload([]byte(`{"doctor_id":"d2"}`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
