package exitscan

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/indicators"
)

type scanStore struct {
	positions []*db.Position
	snapshots map[string]*indicators.Snapshot
}

func (s *scanStore) GetOpenPositions(_ context.Context) ([]*db.Position, error) {
	return s.positions, nil
}

func (s *scanStore) GetLatestSnapshot(_ context.Context, symbol string) (*indicators.Snapshot, error) {
	return s.snapshots[symbol], nil
}

func quietSnapshot(symbol string, price float64) *indicators.Snapshot {
	return &indicators.Snapshot{
		Symbol:         symbol,
		Price:          price,
		RSIValue:       50,
		Crossover:      indicators.CrossoverNeutral,
		BBPosition:     indicators.BBMiddle,
		TrendDirection: indicators.TrendSideways,
	}
}

func openPosition(symbol string, avg float64, heldHours float64) *db.Position {
	return &db.Position{
		ID:            uuid.New(),
		Symbol:        symbol,
		Status:        db.PositionOpen,
		AvgEntryPrice: avg,
		RemainingQty:  10,
		EntryTime:     time.Now().UTC().Add(-time.Duration(heldHours * float64(time.Hour))),
	}
}

func testConfig() config.ExitScanConfig {
	return config.ExitScanConfig{
		Enabled:           true,
		IntervalCycles:    3,
		UrgencyThreshold:  40,
		CriticalThreshold: 70,
		CooldownMinutes:   30,
	}
}

func TestScore(t *testing.T) {
	now := time.Now().UTC()

	t.Run("quiet position scores zero", func(t *testing.T) {
		pos := openPosition("SOLUSDT", 100, 2)
		score, factors := Score(pos, quietSnapshot("SOLUSDT", 101), now)
		assert.Zero(t, score)
		assert.Empty(t, factors)
	})

	t.Run("extreme rsi with large gain and peak giveback", func(t *testing.T) {
		// +12% on the books after peaking at 25%: RSI 30 + gain 15 + giveback 30 + hold 15
		pos := openPosition("SOLUSDT", 100, 50)
		pos.MaxGainPct = 25

		snap := quietSnapshot("SOLUSDT", 112)
		snap.RSIValue = 87

		score, factors := Score(pos, snap, now)
		assert.Equal(t, 90, score)
		assert.Len(t, factors, 4)
		assert.Contains(t, factors[0], "RSI extreme at 87.0")
	})

	t.Run("bearish confluence", func(t *testing.T) {
		pos := openPosition("SOLUSDT", 100, 2)

		snap := quietSnapshot("SOLUSDT", 100)
		snap.Crossover = indicators.CrossoverBearish
		snap.TrendDirection = indicators.TrendBearish
		snap.BBPosition = indicators.BBUpper

		score, _ := Score(pos, snap, now)
		assert.Equal(t, 35, score)
	})

	t.Run("deep loss scores without any gain factors", func(t *testing.T) {
		pos := openPosition("SOLUSDT", 100, 30)

		score, factors := Score(pos, quietSnapshot("SOLUSDT", 88), now)
		// loss 20 + held 10
		assert.Equal(t, 30, score)
		assert.Contains(t, factors[1], "Deep unrealized loss -12.0%")
	})

	t.Run("rsi bands", func(t *testing.T) {
		pos := openPosition("SOLUSDT", 100, 1)
		for _, tc := range []struct {
			rsi  float64
			want int
		}{
			{86, 30}, {80, 15}, {72, 5}, {65, 0},
		} {
			snap := quietSnapshot("SOLUSDT", 100)
			snap.RSIValue = tc.rsi
			score, _ := Score(pos, snap, now)
			assert.Equal(t, tc.want, score, "rsi %.0f", tc.rsi)
		}
	})
}

func TestScannerRun(t *testing.T) {
	urgent := func(symbol string) (*db.Position, *indicators.Snapshot) {
		pos := openPosition(symbol, 100, 50)
		pos.MaxGainPct = 25
		snap := quietSnapshot(symbol, 112)
		snap.RSIValue = 87
		return pos, snap
	}

	t.Run("urgent position becomes a critical candidate", func(t *testing.T) {
		pos, snap := urgent("SOLUSDT")
		store := &scanStore{
			positions: []*db.Position{pos},
			snapshots: map[string]*indicators.Snapshot{"SOLUSDT": snap},
		}
		s := New(store, testConfig())

		out, err := s.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, 90, out[0].Score)
		assert.True(t, out[0].Critical)
		assert.NotEmpty(t, out[0].Factors)
	})

	t.Run("below threshold is dropped", func(t *testing.T) {
		pos := openPosition("SOLUSDT", 100, 2)
		snap := quietSnapshot("SOLUSDT", 100)
		snap.Crossover = indicators.CrossoverBearish
		store := &scanStore{
			positions: []*db.Position{pos},
			snapshots: map[string]*indicators.Snapshot{"SOLUSDT": snap},
		}
		s := New(store, testConfig())

		out, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("cooldown suppresses a non-critical candidate", func(t *testing.T) {
		// gain 15 + hold 15 + band 10 = 55: urgent but not critical
		pos := openPosition("SOLUSDT", 100, 50)
		snap := quietSnapshot("SOLUSDT", 112)
		snap.BBPosition = indicators.BBUpper
		store := &scanStore{
			positions: []*db.Position{pos},
			snapshots: map[string]*indicators.Snapshot{"SOLUSDT": snap},
		}
		s := New(store, testConfig())
		s.RecordExit("SOLUSDT")

		out, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("critical score bypasses the cooldown", func(t *testing.T) {
		pos, snap := urgent("SOLUSDT")
		store := &scanStore{
			positions: []*db.Position{pos},
			snapshots: map[string]*indicators.Snapshot{"SOLUSDT": snap},
		}
		s := New(store, testConfig())
		s.RecordExit("SOLUSDT")

		out, err := s.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.True(t, out[0].Critical)
	})

	t.Run("disabled scanner returns nothing", func(t *testing.T) {
		pos, snap := urgent("SOLUSDT")
		store := &scanStore{
			positions: []*db.Position{pos},
			snapshots: map[string]*indicators.Snapshot{"SOLUSDT": snap},
		}
		cfg := testConfig()
		cfg.Enabled = false
		s := New(store, cfg)

		out, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("missing snapshot skips the symbol", func(t *testing.T) {
		pos, _ := urgent("SOLUSDT")
		store := &scanStore{
			positions: []*db.Position{pos},
			snapshots: map[string]*indicators.Snapshot{},
		}
		s := New(store, testConfig())

		out, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestStatus(t *testing.T) {
	s := New(&scanStore{}, testConfig())
	s.RecordExit("SOLUSDT")

	st := s.Status()
	assert.True(t, st.Enabled)
	assert.Equal(t, 40, st.UrgencyThreshold)
	assert.Contains(t, st.Cooldowns, "SOLUSDT")
}
