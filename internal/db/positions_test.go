package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPositionRow(id uuid.UUID, entry, avg, cost, invested, qty, stop float64) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "symbol", "tier", "status",
		"entry_price", "avg_entry_price", "total_cost", "total_invested", "remaining_qty",
		"stop_loss_price", "tp1_price", "tp2_price", "tp3_price",
		"tp1_hit", "tp2_hit", "tp3_hit",
		"dca_level", "partial_exits", "total_profit_taken", "realized_pnl",
		"max_gain_pct", "max_loss_pct",
		"entry_time", "exit_time", "exit_price", "realized_pnl_pct", "hold_hours",
		"open_decision_id", "close_decision_id",
	}).AddRow(
		id, "SOLUSDT", 2, PositionStatus("OPEN"),
		entry, avg, cost, invested, qty,
		stop, avg*1.05, avg*1.08, avg*1.12,
		false, false, false,
		0, 0, 0.0, 0.0,
		0.0, 0.0,
		time.Now().UTC().Add(-2*time.Hour), nil, nil, nil, nil,
		nil, nil,
	)
}

func TestApplyDCA(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	posID := uuid.New()

	// 6 units at 100, averaging down with $300 at 95
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT(.+)FROM positions WHERE id = (.+) FOR UPDATE").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(openPositionRow(posID, 100, 100, 600, 600, 6, 90))
	mock.ExpectExec("UPDATE positions").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO trades").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	store := NewWithPool(mock)
	trade := &Trade{
		ID:         uuid.New(),
		Symbol:     "SOLUSDT",
		Type:       TradeDCA,
		Price:      95,
		Quantity:   300.0 / 95.0,
		ValueUSD:   300,
		ExecutedAt: time.Now().UTC(),
	}
	targets := TPTargets{TP1Pct: 0.05, TP2Pct: 0.08, TP3Pct: 0.12}

	p, err := store.ApplyDCA(context.Background(), posID, trade, targets)
	require.NoError(t, err)

	wantAvg := 900.0 / (6 + 300.0/95.0)
	assert.InDelta(t, wantAvg, p.AvgEntryPrice, 0.001)
	assert.InDelta(t, 900, p.TotalCost, 0.001)
	assert.InDelta(t, 900, p.TotalInvested, 0.001)
	assert.Equal(t, 1, p.DCALevel)

	// Stop stays anchored to the original entry; targets follow the new average
	assert.InDelta(t, 90, p.StopLossPrice, 0.001)
	assert.InDelta(t, wantAvg*1.05, p.TP1Price, 0.001)
	assert.InDelta(t, wantAvg*1.08, p.TP2Price, 0.001)
	assert.InDelta(t, wantAvg*1.12, p.TP3Price, 0.001)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReducePosition(t *testing.T) {
	t.Run("partial exit keeps average and shrinks basis", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		posID := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT(.+)FROM positions WHERE id = (.+) FOR UPDATE").
			WithArgs(pgxmock.AnyArg()).
			WillReturnRows(openPositionRow(posID, 100, 100, 1000, 1000, 10, 90))
		mock.ExpectExec("UPDATE positions").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec("INSERT INTO trades").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()
		mock.ExpectRollback()

		store := NewWithPool(mock)
		trade := &Trade{
			ID:         uuid.New(),
			Symbol:     "SOLUSDT",
			Type:       TradePartialExit,
			Price:      110,
			Quantity:   5,
			ValueUSD:   550,
			ExecutedAt: time.Now().UTC(),
		}

		p, closed, err := store.ReducePosition(context.Background(), posID, 50, 1, trade)
		require.NoError(t, err)

		assert.False(t, closed)
		assert.InDelta(t, 50, p.RealizedPnL, 0.001)
		assert.InDelta(t, 50, p.TotalProfitTaken, 0.001)
		assert.InDelta(t, 500, p.TotalCost, 0.001)
		assert.InDelta(t, 5, p.RemainingQty, 0.001)
		assert.InDelta(t, 100, p.AvgEntryPrice, 0.001)
		assert.Equal(t, 1, p.PartialExits)
		assert.True(t, p.TP1Hit)
		assert.Equal(t, PositionOpen, p.Status)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("full exit closes and finalizes", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		posID := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT(.+)FROM positions WHERE id = (.+) FOR UPDATE").
			WithArgs(pgxmock.AnyArg()).
			WillReturnRows(openPositionRow(posID, 100, 100, 1000, 1000, 10, 90))
		mock.ExpectExec("UPDATE positions").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec("INSERT INTO trades").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()
		mock.ExpectRollback()

		store := NewWithPool(mock)
		now := time.Now().UTC()
		trade := &Trade{
			ID:         uuid.New(),
			Symbol:     "SOLUSDT",
			Type:       TradeFullExit,
			Price:      88,
			Quantity:   10,
			ValueUSD:   880,
			ExecutedAt: now,
		}

		p, closed, err := store.ReducePosition(context.Background(), posID, 100, 0, trade)
		require.NoError(t, err)

		assert.True(t, closed)
		assert.Equal(t, PositionClosed, p.Status)
		assert.Zero(t, p.RemainingQty)
		assert.Zero(t, p.TotalCost)
		assert.InDelta(t, -120, p.RealizedPnL, 0.001)
		require.NotNil(t, p.RealizedPnLPct)
		assert.InDelta(t, -12, *p.RealizedPnLPct, 0.001)
		require.NotNil(t, p.ExitPrice)
		assert.InDelta(t, 88, *p.ExitPrice, 0.001)
		require.NotNil(t, p.HoldHours)
		assert.InDelta(t, 2, *p.HoldHours, 0.1)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
