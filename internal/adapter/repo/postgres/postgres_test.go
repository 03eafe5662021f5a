package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBusy(t *testing.T) {
	t.Parallel()
	assert.True(t, isBusy(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isBusy(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, isBusy(&pgconn.PgError{Code: "55P03"}))
	assert.False(t, isBusy(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isBusy(errors.New("plain")))
	assert.False(t, isBusy(nil))
}

func TestWithBusyRetryRetriesSerializationFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := withBusyRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBusyRetryStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	boom := errors.New("constraint violation")
	calls := 0
	err := withBusyRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestWithBusyRetryExhaustsBudget(t *testing.T) {
	t.Parallel()
	calls := 0
	err := withBusyRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestEnsureSchemaRunsOnce(t *testing.T) {
	t.Parallel()
	p := &poolStub{}
	require.NoError(t, EnsureSchema(context.Background(), p))
	require.Len(t, p.execs, 1)
	assert.Contains(t, p.execs[0].sql, "CREATE TABLE IF NOT EXISTS sessions")
}
