package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/events"
)

// Store is the persistence surface the supervisor needs
type Store interface {
	ClearBreakerIfExpired(ctx context.Context) (*db.BreakerState, error)
	RecordLoss(ctx context.Context, maxLosses int, cooldown time.Duration) (*db.BreakerState, bool, error)
	ResetLossStreak(ctx context.Context) error
	UpdatePeakEquity(ctx context.Context, equity float64) error
	LastExitTime(ctx context.Context, symbol string) (*time.Time, error)
}

// Supervisor owns the circuit breaker, the drawdown gate and the per-symbol
// entry cooldown. Breaker activation is control flow, not an error: a
// skipped cycle is the system working.
type Supervisor struct {
	store         Store
	bus           *events.Bus
	cfg           config.BreakerConfig
	entryCooldown time.Duration
}

// New creates a risk supervisor
func New(store Store, bus *events.Bus, cfg config.BreakerConfig, entryCooldown time.Duration) *Supervisor {
	return &Supervisor{store: store, bus: bus, cfg: cfg, entryCooldown: entryCooldown}
}

// GateCycle decides whether a scan cycle may run. It clears an expired
// breaker, tracks the equity peak and applies the drawdown gate. A false
// return skips the cycle.
func (s *Supervisor) GateCycle(ctx context.Context, equity, totalPnLPct float64) (bool, string, error) {
	state, err := s.store.ClearBreakerIfExpired(ctx)
	if err != nil {
		return false, "", fmt.Errorf("failed to read circuit breaker: %w", err)
	}

	if state.IsActive {
		reason := fmt.Sprintf("circuit breaker active until %s (%s)",
			state.ReactivatesAt.Format(time.RFC3339), state.Reason)
		return false, reason, nil
	}

	if err := s.store.UpdatePeakEquity(ctx, equity); err != nil {
		log.Warn().Err(err).Msg("Failed to update peak equity")
	}

	if totalPnLPct < -s.cfg.MaxDrawdownPercent {
		reason := fmt.Sprintf("drawdown %.2f%% exceeds %.2f%% limit", totalPnLPct, s.cfg.MaxDrawdownPercent)
		if err := s.bus.Enqueue(ctx, db.EventDrawdownPause, db.SeverityCritical, "",
			"DRAWDOWN_PAUSE", reason); err != nil {
			log.Error().Err(err).Msg("Failed to enqueue drawdown event")
		}
		return false, reason, nil
	}

	return true, "", nil
}

// RecordLoss counts a losing close. Tripping the breaker emits a
// CIRCUIT_BREAKER event for the notifier to escalate.
func (s *Supervisor) RecordLoss(ctx context.Context, symbol string, pnl float64) error {
	state, tripped, err := s.store.RecordLoss(ctx, s.cfg.ConsecutiveLossesToActivate,
		time.Duration(s.cfg.CooldownHours)*time.Hour)
	if err != nil {
		return err
	}

	log.Info().
		Str("symbol", symbol).
		Float64("pnl", pnl).
		Int("consecutive_losses", state.ConsecutiveLosses).
		Msg("Loss recorded")

	if tripped {
		message := fmt.Sprintf("Trading halted after %d consecutive losses (last: %s %.2f). Resumes %s.",
			state.ConsecutiveLosses, symbol, pnl, state.ReactivatesAt.Format("15:04 MST"))
		if err := s.bus.Enqueue(ctx, db.EventCircuitBreaker, db.SeverityCritical, symbol,
			"CIRCUIT_BREAKER", message); err != nil {
			log.Error().Err(err).Msg("Failed to enqueue circuit breaker event")
		}
	}

	return nil
}

// ResetStreak zeroes the loss counter after a winning close
func (s *Supervisor) ResetStreak(ctx context.Context) error {
	return s.store.ResetLossStreak(ctx)
}

// CanEnter reports whether a symbol is outside its re-entry lockout
func (s *Supervisor) CanEnter(ctx context.Context, symbol string) (bool, string, error) {
	last, err := s.store.LastExitTime(ctx, symbol)
	if err != nil {
		return false, "", err
	}
	if last == nil {
		return true, "", nil
	}

	elapsed := time.Since(*last)
	if elapsed < s.entryCooldown {
		remaining := s.entryCooldown - elapsed
		return false, fmt.Sprintf("entry cooldown: %s closed %.1fh ago, %.1fh remaining",
			symbol, elapsed.Hours(), remaining.Hours()), nil
	}

	return true, "", nil
}
