package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/decision"
	"github.com/quantfold/tradepilot/internal/events"
	"github.com/quantfold/tradepilot/internal/exchange"
	"github.com/quantfold/tradepilot/internal/executor"
	"github.com/quantfold/tradepilot/internal/exitscan"
	"github.com/quantfold/tradepilot/internal/filter"
	"github.com/quantfold/tradepilot/internal/metrics"
	"github.com/quantfold/tradepilot/internal/risk"
	"github.com/quantfold/tradepilot/internal/scanner"
)

// maxConcurrentDecisions bounds parallel deep-advisor calls within a cycle
const maxConcurrentDecisions = 3

// Store is the persistence surface the engine needs for cycle control,
// portfolio accounting and daily maintenance
type Store interface {
	IsPaused(ctx context.Context) (bool, error)
	GetOpenPosition(ctx context.Context, symbol string) (*db.Position, error)
	GetOpenPositions(ctx context.Context) ([]*db.Position, error)
	GetClosedPositionsSince(ctx context.Context, since time.Time) ([]*db.Position, error)
	CountOpenPositions(ctx context.Context) (int, error)
	SumOpenCost(ctx context.Context) (float64, error)
	SumRealizedPnL(ctx context.Context) (float64, error)
	GetBreakerState(ctx context.Context) (*db.BreakerState, error)
	PurgeSnapshots(ctx context.Context, retention time.Duration) (int64, error)
	GetPendingSignalsBefore(ctx context.Context, cutoff time.Time) ([]*db.Signal, error)
	SetSignalOutcome(ctx context.Context, id uuid.UUID, outcome db.SignalOutcome) error
}

// Engine drives the periodic scan tick and sequences the pipeline: risk
// gate, scanner, filter, decision maker, executor, exit scanner. Exactly
// one cycle runs at a time; a tick that lands while the previous cycle is
// still working is skipped rather than queued.
type Engine struct {
	cfg    *config.Config
	store  Store
	market exchange.MarketData
	scan   *scanner.Scanner
	filt   *filter.Filter
	maker  *decision.Maker
	exec   *executor.Executor
	exits  *exitscan.Scanner
	risk   *risk.Supervisor
	bus    *events.Bus

	cycleCount atomic.Int64
	inCycle    atomic.Bool
}

// New creates the engine
func New(cfg *config.Config, store Store, market exchange.MarketData,
	scan *scanner.Scanner, filt *filter.Filter, maker *decision.Maker,
	exec *executor.Executor, exits *exitscan.Scanner, riskSup *risk.Supervisor,
	bus *events.Bus) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		market: market,
		scan:   scan,
		filt:   filt,
		maker:  maker,
		exec:   exec,
		exits:  exits,
		risk:   riskSup,
		bus:    bus,
	}
}

// Run ticks until the context is cancelled. The cycle in flight at
// cancellation is allowed to drain before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(e.cfg.Scanner.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log.Info().
		Dur("interval", interval).
		Bool("paper_trading", e.cfg.Account.PaperTrading).
		Msg("Engine started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	hourly := time.NewTicker(time.Hour)
	defer hourly.Stop()
	daily := time.NewTicker(24 * time.Hour)
	defer daily.Stop()

	var wg sync.WaitGroup
	tick := func() {
		if !e.tryBeginCycle() {
			log.Warn().Msg("Previous cycle still running, tick skipped")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.endCycle()
			e.runCycle(ctx)
		}()
	}

	tick()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Engine stopping, draining cycle")
			wg.Wait()
			log.Info().Msg("Engine stopped")
			return nil
		case <-ticker.C:
			tick()
		case <-hourly.C:
			e.hourlySummary(ctx)
		case <-daily.C:
			e.dailyMaintenance(ctx)
		}
	}
}

// tryBeginCycle claims the single cycle slot. A false return means a cycle
// is already in flight and this tick must be dropped.
func (e *Engine) tryBeginCycle() bool {
	return e.inCycle.CompareAndSwap(false, true)
}

func (e *Engine) endCycle() {
	e.inCycle.Store(false)
}

func (e *Engine) runCycle(ctx context.Context) {
	start := time.Now()

	paused, err := e.store.IsPaused(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read pause state, skipping cycle")
		return
	}
	if paused {
		log.Info().Msg("Trading paused, cycle skipped")
		metrics.ScanCyclesSkipped.WithLabelValues("paused").Inc()
		return
	}

	portfolio, err := e.buildPortfolio(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build portfolio, skipping cycle")
		return
	}

	ok, reason, err := e.risk.GateCycle(ctx, portfolio.Equity, portfolio.TotalPnLPct)
	if err != nil {
		log.Error().Err(err).Msg("Risk gate failed, skipping cycle")
		return
	}
	if !ok {
		label := "circuit_breaker"
		if strings.Contains(reason, "drawdown") {
			label = "drawdown"
		}
		metrics.ScanCyclesSkipped.WithLabelValues(label).Inc()
		log.Warn().Str("reason", reason).Msg("Cycle skipped by risk gate")
		return
	}

	result, err := e.scan.Scan(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Scan failed")
		return
	}
	metrics.SignalsTriggered.Add(float64(len(result.Triggered)))

	escalated, err := e.filt.Run(ctx, result.Triggered)
	if err != nil {
		log.Error().Err(err).Msg("Signal filter failed")
		escalated = nil
	}
	metrics.SignalsEscalated.Add(float64(len(escalated)))

	e.decideAndExecute(ctx, escalated, portfolio)

	cycle := e.cycleCount.Add(1)
	if e.cfg.ExitScan.Enabled && e.cfg.ExitScan.IntervalCycles > 0 &&
		cycle%int64(e.cfg.ExitScan.IntervalCycles) == 0 {
		e.runExitScan(ctx)
	}

	if err := e.exec.CheckProtectiveExits(ctx); err != nil {
		log.Error().Err(err).Msg("Protective exit pass failed")
	}

	e.updateGauges(ctx)

	metrics.ScanCycles.Inc()
	metrics.ScanDuration.Observe(time.Since(start).Seconds())
	log.Info().
		Int64("cycle", cycle).
		Int("triggered", len(result.Triggered)).
		Int("escalated", len(escalated)).
		Dur("duration", time.Since(start)).
		Msg("Cycle complete")
}

// decideAndExecute fans escalated signals out to the deep advisor in
// parallel, then executes the resulting decisions one at a time so that
// capacity and capital checks see each other's writes.
func (e *Engine) decideAndExecute(ctx context.Context, escalated []*filter.Escalated, portfolio *Portfolio) {
	if len(escalated) == 0 {
		return
	}

	type outcome struct {
		d    *db.Decision
		tier int
	}
	outcomes := make([]*outcome, len(escalated))

	sem := semaphore.NewWeighted(maxConcurrentDecisions)
	var wg sync.WaitGroup
	for i, esc := range escalated {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, esc *filter.Escalated) {
			defer wg.Done()
			defer sem.Release(1)

			t := esc.Triggered
			verdict := esc.Verdict
			d, err := e.maker.Decide(ctx, decision.Request{
				SignalID:  &t.Signal.ID,
				Symbol:    t.Signal.Symbol,
				CoinName:  t.Symbol.DisplayName,
				Tier:      t.Signal.Tier,
				Source:    db.SourceAdvisor,
				Snapshot:  t.Snapshot,
				Verdict:   &verdict,
				Position:  nil,
				Portfolio: portfolio.Render(),
			})
			if err != nil {
				metrics.AdvisorErrors.WithLabelValues("deep").Inc()
				log.Error().Err(err).Str("symbol", t.Signal.Symbol).Msg("Decision failed")
				return
			}
			outcomes[i] = &outcome{d: d, tier: t.Signal.Tier}
		}(i, esc)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o == nil {
			continue
		}
		metrics.Decisions.WithLabelValues(string(o.d.Action), string(o.d.Source)).Inc()
		if err := e.exec.Execute(ctx, o.d, o.tier); err != nil {
			log.Error().Err(err).Str("symbol", o.d.Symbol).Msg("Execution failed")
			e.reportExecutionError(ctx, o.d, err)
		}
	}
}

// reportExecutionError surfaces an order or store failure on the event feed.
// Precondition rejections never land here; those settle on the decision row.
func (e *Engine) reportExecutionError(ctx context.Context, d *db.Decision, execErr error) {
	if err := e.bus.Enqueue(ctx, db.EventExecutionError, db.SeverityWarning, d.Symbol,
		fmt.Sprintf("%s %s failed", d.Action, d.Symbol), execErr.Error()); err != nil {
		log.Error().Err(err).Str("symbol", d.Symbol).Msg("Failed to enqueue execution error")
	}
}

// runExitScan scores open positions and routes urgent ones through the
// deep advisor with their urgency factors attached
func (e *Engine) runExitScan(ctx context.Context) {
	candidates, err := e.exits.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Exit scan failed")
		return
	}
	if len(candidates) == 0 {
		return
	}
	metrics.ExitCandidates.Add(float64(len(candidates)))

	portfolio, err := e.buildPortfolio(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build portfolio for exit scan")
		return
	}

	for _, c := range candidates {
		var b strings.Builder
		b.WriteString("EXIT URGENCY:\n")
		for _, f := range c.Factors {
			b.WriteString("- " + f + "\n")
		}

		d, err := e.maker.Decide(ctx, decision.Request{
			Symbol:    c.Position.Symbol,
			Tier:      c.Position.Tier,
			Source:    db.SourceExitScanner,
			Snapshot:  c.Snapshot,
			Position:  c.Position,
			Portfolio: portfolio.Render(),
			Extra:     b.String(),
		})
		if err != nil {
			metrics.AdvisorErrors.WithLabelValues("deep").Inc()
			log.Error().Err(err).Str("symbol", c.Position.Symbol).Msg("Exit decision failed")
			continue
		}

		metrics.Decisions.WithLabelValues(string(d.Action), string(d.Source)).Inc()
		if err := e.exec.Execute(ctx, d, c.Position.Tier); err != nil {
			log.Error().Err(err).Str("symbol", c.Position.Symbol).Msg("Exit execution failed")
			e.reportExecutionError(ctx, d, err)
			continue
		}

		// Full closes start the evaluation cooldown; partials are re-scored
		// next pass.
		if d.Action == db.ActionSell {
			if pos, err := e.store.GetOpenPosition(ctx, c.Position.Symbol); err == nil && pos == nil {
				e.exits.RecordExit(c.Position.Symbol)
			}
		}
	}
}

func (e *Engine) hourlySummary(ctx context.Context) {
	portfolio, err := e.buildPortfolio(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build hourly summary")
		return
	}

	if err := e.bus.Enqueue(ctx, db.EventHourlySummary, db.SeverityInfo, "",
		"Hourly summary", portfolio.Render()); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue hourly summary")
	}
}

// dailyMaintenance purges aged snapshots and settles stale signal outcomes
func (e *Engine) dailyMaintenance(ctx context.Context) {
	retention := time.Duration(e.cfg.Scanner.SnapshotRetentionDays) * 24 * time.Hour
	if retention > 0 {
		purged, err := e.store.PurgeSnapshots(ctx, retention)
		if err != nil {
			log.Error().Err(err).Msg("Snapshot purge failed")
		} else if purged > 0 {
			log.Info().Int64("purged", purged).Msg("Aged snapshots purged")
		}
	}

	// Signals that never escalated and never traded settle as NOT_TRADED
	// after a day; win/loss labels come from the offline learning pass.
	pending, err := e.store.GetPendingSignalsBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.Error().Err(err).Msg("Failed to load pending signals")
		return
	}
	for _, sig := range pending {
		if sig.Escalated {
			continue
		}
		if err := e.store.SetSignalOutcome(ctx, sig.ID, db.OutcomeNotTraded); err != nil {
			log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Failed to settle signal outcome")
		}
	}
}

func (e *Engine) updateGauges(ctx context.Context) {
	if count, err := e.store.CountOpenPositions(ctx); err == nil {
		metrics.OpenPositions.Set(float64(count))
	}
	if deployed, err := e.store.SumOpenCost(ctx); err == nil {
		metrics.DeployedCapital.Set(deployed)
	}
	if realized, err := e.store.SumRealizedPnL(ctx); err == nil {
		metrics.RealizedPnL.Set(realized)
	}
	if state, err := e.store.GetBreakerState(ctx); err == nil {
		if state.IsActive {
			metrics.CircuitBreakerActive.Set(1)
		} else {
			metrics.CircuitBreakerActive.Set(0)
		}
		metrics.ConsecutiveLosses.Set(float64(state.ConsecutiveLosses))
	}
}
