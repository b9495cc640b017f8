package executor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradepilot/internal/db"
)

func monitoredPosition() *db.Position {
	return &db.Position{
		ID:            uuid.New(),
		Symbol:        "SOLUSDT",
		Status:        db.PositionOpen,
		EntryPrice:    100,
		AvgEntryPrice: 100,
		RemainingQty:  10,
		StopLossPrice: 90,
		TP1Price:      105,
		TP2Price:      108,
		TP3Price:      112,
		EntryTime:     time.Now().UTC().Add(-6 * time.Hour),
	}
}

func TestCheckProtectiveExits(t *testing.T) {
	t.Run("stop breach closes the position fully", func(t *testing.T) {
		store := newExecStore()
		pos := monitoredPosition()
		store.open["SOLUSDT"] = pos
		pnlPct := -11.0
		store.reduceRes = &db.Position{Symbol: "SOLUSDT", RealizedPnL: -110, RealizedPnLPct: &pnlPct}
		store.reduceClose = true
		risk := &fakeRisk{}
		orders := &fakeOrders{price: 89}
		market := &fakeMarket{prices: map[string]float64{"SOLUSDT": 89}}
		sink := &eventSink{}
		exec := testExecutor(store, orders, market, risk, sink)

		require.NoError(t, exec.CheckProtectiveExits(context.Background()))

		require.Len(t, store.decisions, 1)
		d := store.decisions[0]
		assert.Equal(t, db.SourceStopLoss, d.Source)
		assert.Equal(t, db.ActionSell, d.Action)
		assert.InDelta(t, 1.0, d.Confidence, 0.001)
		assert.Contains(t, d.Reasoning, "breached stop 90.0000")

		require.NotNil(t, store.reduced)
		assert.InDelta(t, 100, store.reduced.exitPercent, 0.001)
		assert.InDelta(t, 10, orders.lastSell, 0.001)
		require.NotNil(t, risk.lossRecorded)
		require.Len(t, sink.events, 1)
		assert.Equal(t, db.EventSell, sink.events[0].Type)
	})

	t.Run("tp1 takes a third off", func(t *testing.T) {
		store := newExecStore()
		pos := monitoredPosition()
		store.open["SOLUSDT"] = pos
		store.reduceRes = &db.Position{Symbol: "SOLUSDT", RemainingQty: 6.7, TotalProfitTaken: 17}
		market := &fakeMarket{prices: map[string]float64{"SOLUSDT": 106}}
		sink := &eventSink{}
		exec := testExecutor(store, &fakeOrders{price: 106}, market, &fakeRisk{}, sink)

		require.NoError(t, exec.CheckProtectiveExits(context.Background()))

		require.Len(t, store.decisions, 1)
		assert.Equal(t, db.SourceTakeProfit, store.decisions[0].Source)
		assert.Equal(t, db.ActionPartialExit, store.decisions[0].Action)

		require.NotNil(t, store.reduced)
		assert.InDelta(t, tp1ExitPercent, store.reduced.exitPercent, 0.001)
		assert.Equal(t, 1, store.reduced.tpLevel)
		require.Len(t, sink.events, 1)
		assert.Equal(t, db.EventPartialExit, sink.events[0].Type)
	})

	t.Run("tp2 outranks tp1 when both are crossed", func(t *testing.T) {
		store := newExecStore()
		pos := monitoredPosition()
		pos.TP1Hit = false
		store.open["SOLUSDT"] = pos
		store.reduceRes = &db.Position{Symbol: "SOLUSDT", RemainingQty: 5}
		market := &fakeMarket{prices: map[string]float64{"SOLUSDT": 109}}
		exec := testExecutor(store, &fakeOrders{price: 109}, market, &fakeRisk{}, &eventSink{})

		require.NoError(t, exec.CheckProtectiveExits(context.Background()))

		require.NotNil(t, store.reduced)
		assert.InDelta(t, tp2ExitPercent, store.reduced.exitPercent, 0.001)
		assert.Equal(t, 2, store.reduced.tpLevel)
	})

	t.Run("tp3 exits the remainder as a sell", func(t *testing.T) {
		store := newExecStore()
		pos := monitoredPosition()
		pos.TP1Hit = true
		pos.TP2Hit = true
		store.open["SOLUSDT"] = pos
		pnlPct := 13.0
		store.reduceRes = &db.Position{Symbol: "SOLUSDT", RealizedPnL: 130, RealizedPnLPct: &pnlPct}
		store.reduceClose = true
		risk := &fakeRisk{}
		market := &fakeMarket{prices: map[string]float64{"SOLUSDT": 113}}
		exec := testExecutor(store, &fakeOrders{price: 113}, market, risk, &eventSink{})

		require.NoError(t, exec.CheckProtectiveExits(context.Background()))

		require.Len(t, store.decisions, 1)
		assert.Equal(t, db.ActionSell, store.decisions[0].Action)
		require.NotNil(t, store.reduced)
		assert.InDelta(t, tp3ExitPercent, store.reduced.exitPercent, 0.001)
		assert.True(t, risk.streakReset)
	})

	t.Run("already-hit levels do not refire", func(t *testing.T) {
		store := newExecStore()
		pos := monitoredPosition()
		pos.TP1Hit = true
		store.open["SOLUSDT"] = pos
		market := &fakeMarket{prices: map[string]float64{"SOLUSDT": 106}}
		exec := testExecutor(store, &fakeOrders{price: 106}, market, &fakeRisk{}, &eventSink{})

		require.NoError(t, exec.CheckProtectiveExits(context.Background()))

		assert.Empty(t, store.decisions)
		assert.Nil(t, store.reduced)
		// Watermarks still widen on a quiet pass
		assert.InDelta(t, 6, store.watermarks[pos.ID], 0.001)
	})

	t.Run("missing price skips the symbol", func(t *testing.T) {
		store := newExecStore()
		store.open["SOLUSDT"] = monitoredPosition()
		market := &fakeMarket{prices: map[string]float64{}}
		exec := testExecutor(store, &fakeOrders{price: 100}, market, &fakeRisk{}, &eventSink{})

		require.NoError(t, exec.CheckProtectiveExits(context.Background()))
		assert.Nil(t, store.reduced)
	})
}
