package db

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func breakerRow(losses int, active bool, reactivatesAt *time.Time, reason string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"consecutive_losses", "is_active", "reactivates_at", "reason", "peak_equity", "updated_at",
	}).AddRow(losses, active, reactivatesAt, reason, 10000.0, time.Now().UTC())
}

func TestGetBreakerState(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT(.+)FROM circuit_breaker WHERE id = 1").
		WillReturnRows(breakerRow(2, false, nil, ""))

	store := NewWithPool(mock)
	state, err := store.GetBreakerState(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, state.ConsecutiveLosses)
	assert.False(t, state.IsActive)
	assert.Nil(t, state.ReactivatesAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLoss(t *testing.T) {
	t.Run("increments streak below threshold", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT(.+)FROM circuit_breaker WHERE id = 1 FOR UPDATE").
			WillReturnRows(breakerRow(1, false, nil, ""))
		mock.ExpectExec("UPDATE circuit_breaker").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()
		mock.ExpectRollback()

		store := NewWithPool(mock)
		state, tripped, err := store.RecordLoss(context.Background(), 3, 12*time.Hour)
		require.NoError(t, err)

		assert.Equal(t, 2, state.ConsecutiveLosses)
		assert.False(t, tripped)
		assert.False(t, state.IsActive)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("trips at threshold", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT(.+)FROM circuit_breaker WHERE id = 1 FOR UPDATE").
			WillReturnRows(breakerRow(2, false, nil, ""))
		mock.ExpectExec("UPDATE circuit_breaker").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()
		mock.ExpectRollback()

		store := NewWithPool(mock)
		state, tripped, err := store.RecordLoss(context.Background(), 3, 12*time.Hour)
		require.NoError(t, err)

		assert.True(t, tripped)
		assert.True(t, state.IsActive)
		assert.Equal(t, 3, state.ConsecutiveLosses)
		require.NotNil(t, state.ReactivatesAt)
		assert.WithinDuration(t, time.Now().Add(12*time.Hour), *state.ReactivatesAt, time.Minute)
		assert.Contains(t, state.Reason, "3 consecutive losses")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClearBreakerIfExpired(t *testing.T) {
	t.Run("clears once cooldown has passed", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		past := time.Now().UTC().Add(-time.Minute)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT(.+)FROM circuit_breaker WHERE id = 1 FOR UPDATE").
			WillReturnRows(breakerRow(3, true, &past, "3 consecutive losses"))
		mock.ExpectExec("UPDATE circuit_breaker").
			WithArgs(pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()
		mock.ExpectRollback()

		store := NewWithPool(mock)
		state, err := store.ClearBreakerIfExpired(context.Background())
		require.NoError(t, err)

		assert.False(t, state.IsActive)
		assert.Equal(t, 0, state.ConsecutiveLosses)
		assert.Nil(t, state.ReactivatesAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("leaves an active breaker in cooldown", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		future := time.Now().UTC().Add(6 * time.Hour)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT(.+)FROM circuit_breaker WHERE id = 1 FOR UPDATE").
			WillReturnRows(breakerRow(3, true, &future, "3 consecutive losses"))
		mock.ExpectCommit()
		mock.ExpectRollback()

		store := NewWithPool(mock)
		state, err := store.ClearBreakerIfExpired(context.Background())
		require.NoError(t, err)

		assert.True(t, state.IsActive)
		assert.Equal(t, 3, state.ConsecutiveLosses)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
