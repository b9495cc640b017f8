package scanner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/indicators"
)

// CandleSource provides candle history for indicator computation
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]indicators.Candle, error)
}

// Store is the persistence surface the scanner needs
type Store interface {
	GetActiveSymbols(ctx context.Context) ([]db.Symbol, error)
	InsertSnapshots(ctx context.Context, snapshots []indicators.Snapshot) error
	InsertSignals(ctx context.Context, signals []*db.Signal) error
}

// Triggered pairs a persisted signal with the snapshot that fired it
type Triggered struct {
	Signal   *db.Signal
	Snapshot *indicators.Snapshot
	Symbol   db.Symbol
}

// Result is the outcome of one scan cycle
type Result struct {
	Snapshots []indicators.Snapshot
	Triggered []*Triggered
	Duration  time.Duration
}

// Scanner detects indicator transitions across the active symbol universe.
// The first cycle after startup is a calibration cycle: it records baselines
// and emits no triggers. Cooldowns and baselines are in-memory tuning state;
// they do not survive a restart and do not need to.
type Scanner struct {
	store      Store
	candles    CandleSource
	indicators *indicators.Service
	cfg        config.ScannerConfig

	sem *semaphore.Weighted

	mu         sync.Mutex
	prev       map[string]*indicators.Snapshot
	lastFired  map[cooldownKey]time.Time
	calibrated bool
}

type cooldownKey struct {
	symbol string
	kind   string
}

// New creates a scanner
func New(store Store, candles CandleSource, svc *indicators.Service, cfg config.ScannerConfig) *Scanner {
	maxConcurrent := cfg.MaxConcurrentFetches
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	return &Scanner{
		store:      store,
		candles:    candles,
		indicators: svc,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		prev:       make(map[string]*indicators.Snapshot),
		lastFired:  make(map[cooldownKey]time.Time),
	}
}

// Scan computes a fresh snapshot per active symbol and emits one triggered
// signal per symbol whose indicators transitioned since the previous cycle.
// A failed symbol is skipped without touching its baseline, so the next
// cycle re-detects against the older snapshot.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	start := time.Now()

	symbols, err := s.store.GetActiveSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load symbol universe: %w", err)
	}

	snapshots := make([]*indicators.Snapshot, len(symbols))
	var wg sync.WaitGroup
	for i, sym := range symbols {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("scan aborted: %w", err)
		}

		wg.Add(1)
		go func(i int, sym db.Symbol) {
			defer wg.Done()
			defer s.sem.Release(1)

			snap, err := s.computeSnapshot(ctx, sym.Code)
			if err != nil {
				log.Warn().Err(err).Str("symbol", sym.Code).Msg("Snapshot failed, skipping symbol")
				return
			}
			snapshots[i] = snap
		}(i, sym)
	}
	wg.Wait()

	result := &Result{}
	var toPersist []indicators.Snapshot
	var signals []*db.Signal

	s.mu.Lock()
	calibrating := !s.calibrated
	now := time.Now().UTC()
	for i, sym := range symbols {
		snap := snapshots[i]
		if snap == nil {
			continue
		}
		toPersist = append(toPersist, *snap)

		prev := s.prev[sym.Code]
		if !calibrating && prev != nil {
			kinds := s.applyCooldown(sym.Code, detectTransitions(prev, snap, s.cfg.Thresholds), now)
			if len(kinds) > 0 {
				sig := &db.Signal{
					ID:          uuid.New(),
					Symbol:      sym.Code,
					Tier:        sym.Tier,
					TriggeredBy: kinds,
					Price:       snap.Price,
					CreatedAt:   now,
				}
				signals = append(signals, sig)
				result.Triggered = append(result.Triggered, &Triggered{
					Signal:   sig,
					Snapshot: snap,
					Symbol:   sym,
				})
			}
		}
		s.prev[sym.Code] = snap
	}
	s.calibrated = true
	s.mu.Unlock()

	if err := s.store.InsertSnapshots(ctx, toPersist); err != nil {
		log.Error().Err(err).Msg("Failed to persist snapshot batch")
	}
	if err := s.store.InsertSignals(ctx, signals); err != nil {
		return nil, fmt.Errorf("failed to persist signals: %w", err)
	}

	result.Snapshots = toPersist
	result.Duration = time.Since(start)

	if calibrating {
		log.Info().
			Int("symbols", len(toPersist)).
			Dur("duration", result.Duration).
			Msg("Calibration cycle complete, baselines recorded")
	} else {
		log.Info().
			Int("symbols", len(toPersist)).
			Int("triggered", len(result.Triggered)).
			Dur("duration", result.Duration).
			Msg("Scan cycle complete")
	}

	return result, nil
}

// applyCooldown drops trigger kinds that fired for this symbol within the
// suppression window and stamps the ones that survive. Caller holds s.mu.
func (s *Scanner) applyCooldown(symbol string, kinds []string, now time.Time) []string {
	window := time.Duration(s.cfg.SignalCooldownMinutes) * time.Minute

	var out []string
	for _, kind := range kinds {
		key := cooldownKey{symbol: symbol, kind: kind}
		if last, ok := s.lastFired[key]; ok && now.Sub(last) < window {
			log.Debug().
				Str("symbol", symbol).
				Str("kind", kind).
				Msg("Trigger suppressed by cooldown")
			continue
		}
		s.lastFired[key] = now
		out = append(out, kind)
	}
	return out
}

func (s *Scanner) computeSnapshot(ctx context.Context, symbol string) (*indicators.Snapshot, error) {
	candles, err := s.candles.GetCandles(ctx, symbol, s.cfg.CandleInterval, s.cfg.CandleLimit)
	if err != nil {
		return nil, err
	}
	return s.indicators.Compute(symbol, candles)
}

// Summarize renders a snapshot as the compact indicator text used in
// advisor prompts.
func Summarize(s *indicators.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Price %.4f | RSI %.1f (%s) | MACD %s\n", s.Price, s.RSIValue, s.RSISignal, s.Crossover)
	fmt.Fprintf(&b, "EMA9/21 %s | BB %s/%s | Volume %.2fx (%s)\n", s.EMASignal, s.BBPosition, s.BBWidth, s.VolumeRatio, s.VolumeTrend)
	fmt.Fprintf(&b, "Trend %s (strength %.2f)", s.TrendDirection, s.TrendStrength)
	return b.String()
}
