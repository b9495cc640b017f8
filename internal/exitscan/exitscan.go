package exitscan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/indicators"
)

// Store is the persistence surface the exit scanner needs
type Store interface {
	GetOpenPositions(ctx context.Context) ([]*db.Position, error)
	GetLatestSnapshot(ctx context.Context, symbol string) (*indicators.Snapshot, error)
}

// Candidate is an open position whose urgency score crossed the threshold
type Candidate struct {
	Position *db.Position
	Snapshot *indicators.Snapshot
	Score    int
	Factors  []string
	Critical bool
}

// Scanner scores open positions for exit urgency. Urgency scoring reads
// current state, unlike the entry scanner which only reacts to transitions:
// a position can rot in an overbought regime for hours without ever
// producing a new trigger, and this is what catches it.
type Scanner struct {
	store Store
	cfg   config.ExitScanConfig

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// New creates an exit scanner
func New(store Store, cfg config.ExitScanConfig) *Scanner {
	return &Scanner{
		store:     store,
		cfg:       cfg,
		cooldowns: make(map[string]time.Time),
	}
}

// Run scores every open position and returns the ones urgent enough to put
// in front of the deep advisor. Scores at or above the critical threshold
// bypass the per-symbol cooldown.
func (s *Scanner) Run(ctx context.Context) ([]*Candidate, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}

	positions, err := s.store.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", err)
	}

	var candidates []*Candidate
	for _, pos := range positions {
		snap, err := s.store.GetLatestSnapshot(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Failed to load snapshot for exit scoring")
			continue
		}
		if snap == nil {
			continue
		}

		score, factors := Score(pos, snap, time.Now())
		if score < s.cfg.UrgencyThreshold {
			continue
		}

		critical := score >= s.cfg.CriticalThreshold
		if s.inCooldown(pos.Symbol) && !critical {
			log.Debug().
				Str("symbol", pos.Symbol).
				Int("score", score).
				Msg("Exit candidate suppressed by cooldown")
			continue
		}

		log.Info().
			Str("symbol", pos.Symbol).
			Int("score", score).
			Bool("critical", critical).
			Strs("factors", factors).
			Msg("Exit urgency candidate")

		candidates = append(candidates, &Candidate{
			Position: pos,
			Snapshot: snap,
			Score:    score,
			Factors:  factors,
			Critical: critical,
		})
	}

	return candidates, nil
}

// Status describes the scanner's configuration and live cooldowns
type Status struct {
	Enabled           bool                 `json:"enabled"`
	IntervalCycles    int                  `json:"interval_cycles"`
	UrgencyThreshold  int                  `json:"urgency_threshold"`
	CriticalThreshold int                  `json:"critical_threshold"`
	CooldownMinutes   int                  `json:"cooldown_minutes"`
	Cooldowns         map[string]time.Time `json:"cooldowns"`
}

// Status reports the scanner state for the dashboard
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := time.Duration(s.cfg.CooldownMinutes) * time.Minute
	cooldowns := make(map[string]time.Time)
	for symbol, last := range s.cooldowns {
		if time.Since(last) < window {
			cooldowns[symbol] = last
		}
	}

	return Status{
		Enabled:           s.cfg.Enabled,
		IntervalCycles:    s.cfg.IntervalCycles,
		UrgencyThreshold:  s.cfg.UrgencyThreshold,
		CriticalThreshold: s.cfg.CriticalThreshold,
		CooldownMinutes:   s.cfg.CooldownMinutes,
		Cooldowns:         cooldowns,
	}
}

// RecordExit starts the per-symbol evaluation cooldown after a full exit.
// Partial exits deliberately skip this so the remainder is re-scored next
// pass.
func (s *Scanner) RecordExit(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[symbol] = time.Now()
}

func (s *Scanner) inCooldown(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.cooldowns[symbol]
	if !ok {
		return false
	}
	return time.Since(last) < time.Duration(s.cfg.CooldownMinutes)*time.Minute
}

// Score computes the additive urgency score for one position against its
// latest snapshot. Factors describe each contribution for the advisor
// prompt and the audit trail.
func Score(pos *db.Position, snap *indicators.Snapshot, now time.Time) (int, []string) {
	score := 0
	var factors []string

	add := func(points int, format string, args ...interface{}) {
		score += points
		factors = append(factors, fmt.Sprintf(format, args...))
	}

	switch {
	case snap.RSIValue > 85:
		add(30, "RSI extreme at %.1f", snap.RSIValue)
	case snap.RSIValue > 75:
		add(15, "RSI overbought at %.1f", snap.RSIValue)
	case snap.RSIValue > 70:
		add(5, "RSI elevated at %.1f", snap.RSIValue)
	}

	pnlPct := 0.0
	if pos.AvgEntryPrice > 0 {
		pnlPct = (snap.Price - pos.AvgEntryPrice) / pos.AvgEntryPrice * 100
	}
	switch {
	case pnlPct > 20:
		add(25, "Large unrealized gain %.1f%%", pnlPct)
	case pnlPct > 10:
		add(15, "Unrealized gain %.1f%%", pnlPct)
	case pnlPct > 5:
		add(10, "Moderate gain %.1f%%", pnlPct)
	}

	if pos.MaxGainPct > 3 {
		drawdown := pos.MaxGainPct - pnlPct
		switch {
		case drawdown > 10:
			add(30, "Gave back %.1f%% from peak %.1f%%", drawdown, pos.MaxGainPct)
		case drawdown > 5:
			add(20, "Gave back %.1f%% from peak %.1f%%", drawdown, pos.MaxGainPct)
		case drawdown > 3:
			add(10, "Gave back %.1f%% from peak %.1f%%", drawdown, pos.MaxGainPct)
		}
	}

	held := now.Sub(pos.EntryTime).Hours()
	switch {
	case held > 48:
		add(15, "Held %.0fh", held)
	case held > 24:
		add(10, "Held %.0fh", held)
	case held > 12:
		add(5, "Held %.0fh", held)
	}

	if snap.BBPosition == indicators.BBUpper {
		add(10, "Price at upper Bollinger band")
	}

	switch snap.Crossover {
	case indicators.CrossoverBearish:
		add(15, "MACD bearish crossover")
	case indicators.CrossoverBearishTrend:
		add(5, "MACD in bearish trend")
	}

	if snap.TrendDirection == indicators.TrendBearish {
		add(10, "Bearish trend")
	}

	switch {
	case pnlPct < -10:
		add(20, "Deep unrealized loss %.1f%%", pnlPct)
	case pnlPct < -5:
		add(10, "Unrealized loss %.1f%%", pnlPct)
	}

	return score, factors
}
