package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/advisor"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/scanner"
)

// Store is the persistence surface the filter needs. The filter is a pure
// policy layer: it reads portfolio state but never mutates positions.
type Store interface {
	GetOpenPosition(ctx context.Context, symbol string) (*db.Position, error)
	CountOpenPositions(ctx context.Context) (int, error)
	HasRecentDecision(ctx context.Context, symbol string, window time.Duration) (bool, error)
	UpdateSignalVerdict(ctx context.Context, id uuid.UUID, signalType, strength string, confidence float64, reasons []string, escalated bool) error
}

// Escalated is a signal that survived every gate and goes to the deep advisor
type Escalated struct {
	Triggered *scanner.Triggered
	Verdict   advisor.FastVerdict
}

// Filter batches a cycle's triggered signals through the fast advisor and
// applies the portfolio-aware gates the advisor cannot see: position
// existence for exits, capacity for entries, and the deep-advisor dedup
// window.
type Filter struct {
	store        Store
	fast         *advisor.FastAdvisor
	maxPositions int
	dedupWindow  time.Duration
}

// New creates a signal filter
func New(store Store, fast *advisor.FastAdvisor, maxPositions int, dedupWindow time.Duration) *Filter {
	return &Filter{
		store:        store,
		fast:         fast,
		maxPositions: maxPositions,
		dedupWindow:  dedupWindow,
	}
}

// Run evaluates the cycle's triggered signals. Every verdict is persisted on
// its signal row whether or not it escalates; the returned slice holds only
// the survivors.
func (f *Filter) Run(ctx context.Context, triggered []*scanner.Triggered) ([]*Escalated, error) {
	if len(triggered) == 0 {
		return nil, nil
	}

	items := make([]advisor.BatchItem, 0, len(triggered))
	for _, t := range triggered {
		pos, err := f.store.GetOpenPosition(ctx, t.Signal.Symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to check position for %s: %w", t.Signal.Symbol, err)
		}
		items = append(items, advisor.BatchItem{
			SignalID: t.Signal.ID,
			Symbol:   t.Signal.Symbol,
			Tier:     t.Signal.Tier,
			Triggers: t.Signal.TriggeredBy,
			Summary:  scanner.Summarize(t.Snapshot),
			HasOpen:  pos != nil,
		})
	}

	verdicts, err := f.fast.EvaluateBatch(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("fast advisor batch failed: %w", err)
	}

	byID := make(map[uuid.UUID]*scanner.Triggered, len(triggered))
	for _, t := range triggered {
		byID[t.Signal.ID] = t
	}
	hasOpen := make(map[uuid.UUID]bool, len(items))
	for _, item := range items {
		hasOpen[item.SignalID] = item.HasOpen
	}

	var escalated []*Escalated
	for _, v := range verdicts {
		t := byID[v.SignalID]
		if t == nil {
			continue
		}

		final, reasons := f.applyGates(ctx, t, v, hasOpen[v.SignalID])

		if err := f.store.UpdateSignalVerdict(ctx, v.SignalID,
			string(v.SignalType), string(v.Strength), v.Confidence, reasons, final); err != nil {
			log.Error().Err(err).Str("symbol", v.Symbol).Msg("Failed to persist signal verdict")
		}

		if final {
			escalated = append(escalated, &Escalated{Triggered: t, Verdict: v})
		}
	}

	log.Info().
		Int("triggered", len(triggered)).
		Int("escalated", len(escalated)).
		Msg("Signal filter complete")

	return escalated, nil
}

// applyGates layers the portfolio-aware gates over the advisor's verdict
// and returns the final escalation outcome with the reason trail.
func (f *Filter) applyGates(ctx context.Context, t *scanner.Triggered, v advisor.FastVerdict, hasOpen bool) (bool, []string) {
	reasons := v.Reasons

	if !v.Escalate {
		return false, reasons
	}

	if v.SignalType == advisor.SignalSell && !hasOpen {
		return false, append(reasons, "No open position to exit")
	}

	if v.SignalType == advisor.SignalBuy {
		count, err := f.store.CountOpenPositions(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to count open positions")
			return false, append(reasons, "Portfolio state unavailable")
		}
		if count >= f.maxPositions {
			return false, append(reasons, fmt.Sprintf("Portfolio at capacity (%d/%d)", count, f.maxPositions))
		}
	}

	// SELL on a held position bypasses dedup: exits must not be starved by
	// a recent entry evaluation.
	if !(v.SignalType == advisor.SignalSell && hasOpen) {
		recent, err := f.store.HasRecentDecision(ctx, t.Signal.Symbol, f.dedupWindow)
		if err != nil {
			log.Error().Err(err).Str("symbol", t.Signal.Symbol).Msg("Failed to check decision dedup")
			return false, append(reasons, "Dedup state unavailable")
		}
		if recent {
			note := fmt.Sprintf("Sonnet evaluated within last %dm", int(f.dedupWindow.Minutes()))
			log.Debug().Str("symbol", t.Signal.Symbol).Msg("Escalation suppressed by dedup window")
			return false, append(reasons, note)
		}
	}

	return true, reasons
}
