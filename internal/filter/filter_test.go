package filter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradepilot/internal/advisor"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/indicators"
	"github.com/quantfold/tradepilot/internal/scanner"
)

type fakeStore struct {
	open        map[string]*db.Position
	openCount   int
	recent      map[string]bool
	verdicts    map[uuid.UUID]bool
	lastReasons map[uuid.UUID][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		open:        make(map[string]*db.Position),
		recent:      make(map[string]bool),
		verdicts:    make(map[uuid.UUID]bool),
		lastReasons: make(map[uuid.UUID][]string),
	}
}

func (s *fakeStore) GetOpenPosition(_ context.Context, symbol string) (*db.Position, error) {
	return s.open[symbol], nil
}

func (s *fakeStore) CountOpenPositions(_ context.Context) (int, error) {
	return s.openCount, nil
}

func (s *fakeStore) HasRecentDecision(_ context.Context, symbol string, _ time.Duration) (bool, error) {
	return s.recent[symbol], nil
}

func (s *fakeStore) UpdateSignalVerdict(_ context.Context, id uuid.UUID, _, _ string, _ float64, reasons []string, escalated bool) error {
	s.verdicts[id] = escalated
	s.lastReasons[id] = reasons
	return nil
}

// advisorServer answers every fast-advisor batch with the given raw
// verdicts, keyed by whatever symbols appear in them.
func advisorServer(t *testing.T, verdictJSON string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := advisor.ChatResponse{
			Choices: []advisor.ChatChoice{
				{Message: advisor.ChatMessage{Role: "assistant", Content: verdictJSON}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func newFastAdvisor(endpoint string) *advisor.FastAdvisor {
	client := advisor.NewClient("test-fast", advisor.ClientConfig{Endpoint: endpoint, Model: "test-model"})
	return advisor.NewFastAdvisor(client, advisor.FastConfig{
		MinConfidence:    0.60,
		StrongConfidence: 0.70,
		MinTriggers:      2,
	})
}

func triggeredSignal(symbol string, tier int, kinds ...string) *scanner.Triggered {
	return &scanner.Triggered{
		Signal: &db.Signal{
			ID:          uuid.New(),
			Symbol:      symbol,
			Tier:        tier,
			TriggeredBy: kinds,
			Price:       100,
			CreatedAt:   time.Now().UTC(),
		},
		Snapshot: &indicators.Snapshot{Symbol: symbol, Price: 100, RSIValue: 28},
		Symbol:   db.Symbol{Code: symbol, Tier: tier},
	}
}

func TestFilterRun(t *testing.T) {
	verdicts := `[
		{"symbol": "BTCUSDT", "signal_type": "BUY", "strength": "STRONG", "confidence": 0.85, "escalate": true, "reasons": ["clean setup"]},
		{"symbol": "ETHUSDT", "signal_type": "SELL", "strength": "STRONG", "confidence": 0.80, "escalate": true, "reasons": ["breakdown"]},
		{"symbol": "SOLUSDT", "signal_type": "BUY", "strength": "STRONG", "confidence": 0.85, "escalate": true, "reasons": ["momentum"]}
	]`
	srv := advisorServer(t, verdicts)
	defer srv.Close()

	t.Run("sell without a position is dropped", func(t *testing.T) {
		store := newFakeStore()
		f := New(store, newFastAdvisor(srv.URL), 3, time.Hour)

		eth := triggeredSignal("ETHUSDT", 1, "MACD_BEARISH_CROSSOVER", "TREND_TURNED_BEARISH")
		out, err := f.Run(context.Background(), []*scanner.Triggered{eth})
		require.NoError(t, err)

		assert.Empty(t, out)
		assert.False(t, store.verdicts[eth.Signal.ID])
		assert.Contains(t, store.lastReasons[eth.Signal.ID], "No open position to exit")
	})

	t.Run("buy blocked at portfolio capacity", func(t *testing.T) {
		store := newFakeStore()
		store.openCount = 3
		f := New(store, newFastAdvisor(srv.URL), 3, time.Hour)

		btc := triggeredSignal("BTCUSDT", 1, "RSI_OVERSOLD", "VOLUME_SPIKE")
		out, err := f.Run(context.Background(), []*scanner.Triggered{btc})
		require.NoError(t, err)

		assert.Empty(t, out)
		assert.Contains(t, store.lastReasons[btc.Signal.ID], "Portfolio at capacity (3/3)")
	})

	t.Run("dedup window suppresses a re-evaluation", func(t *testing.T) {
		store := newFakeStore()
		store.recent["BTCUSDT"] = true
		f := New(store, newFastAdvisor(srv.URL), 3, time.Hour)

		btc := triggeredSignal("BTCUSDT", 1, "RSI_OVERSOLD", "VOLUME_SPIKE")
		out, err := f.Run(context.Background(), []*scanner.Triggered{btc})
		require.NoError(t, err)

		assert.Empty(t, out)
		assert.Contains(t, store.lastReasons[btc.Signal.ID], "Sonnet evaluated within last 60m")
	})

	t.Run("sell on a held position bypasses dedup", func(t *testing.T) {
		store := newFakeStore()
		store.open["ETHUSDT"] = &db.Position{Symbol: "ETHUSDT"}
		store.recent["ETHUSDT"] = true
		f := New(store, newFastAdvisor(srv.URL), 3, time.Hour)

		eth := triggeredSignal("ETHUSDT", 1, "MACD_BEARISH_CROSSOVER", "TREND_TURNED_BEARISH")
		out, err := f.Run(context.Background(), []*scanner.Triggered{eth})
		require.NoError(t, err)

		require.Len(t, out, 1)
		assert.Equal(t, "ETHUSDT", out[0].Triggered.Signal.Symbol)
		assert.True(t, store.verdicts[eth.Signal.ID])
	})

	t.Run("clean buy escalates", func(t *testing.T) {
		store := newFakeStore()
		store.openCount = 1
		f := New(store, newFastAdvisor(srv.URL), 3, time.Hour)

		sol := triggeredSignal("SOLUSDT", 2, "RSI_OVERSOLD", "BB_LOWER_TOUCH")
		out, err := f.Run(context.Background(), []*scanner.Triggered{sol})
		require.NoError(t, err)

		require.Len(t, out, 1)
		assert.Equal(t, advisor.SignalBuy, out[0].Verdict.SignalType)
		assert.True(t, store.verdicts[sol.Signal.ID])
	})

	t.Run("empty cycle is a no-op", func(t *testing.T) {
		store := newFakeStore()
		f := New(store, newFastAdvisor(srv.URL), 3, time.Hour)

		out, err := f.Run(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}
