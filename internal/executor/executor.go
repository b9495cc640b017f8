package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/events"
	"github.com/quantfold/tradepilot/internal/exchange"
)

// dcaDiscountFactor gates averaging down: a DCA fill only makes sense when
// the market trades at least 3% below the position's average entry.
const dcaDiscountFactor = 0.97

// Store is the persistence surface the executor needs
type Store interface {
	GetOpenPosition(ctx context.Context, symbol string) (*db.Position, error)
	CountOpenPositions(ctx context.Context) (int, error)
	SumOpenCost(ctx context.Context) (float64, error)
	OpenPosition(ctx context.Context, p *db.Position, t *db.Trade) error
	ApplyDCA(ctx context.Context, positionID uuid.UUID, t *db.Trade, targets db.TPTargets) (*db.Position, error)
	ReducePosition(ctx context.Context, positionID uuid.UUID, exitPercent float64, tpLevel int, t *db.Trade) (*db.Position, bool, error)
	MarkDecisionNotExecuted(ctx context.Context, id uuid.UUID, reason string) error
	GetOpenPositions(ctx context.Context) ([]*db.Position, error)
	UpdateWatermarks(ctx context.Context, id uuid.UUID, gainPct, lossPct float64) error
	InsertDecision(ctx context.Context, d *db.Decision) error
}

// Risk is the supervisor surface the executor reports closes to
type Risk interface {
	CanEnter(ctx context.Context, symbol string) (bool, string, error)
	RecordLoss(ctx context.Context, symbol string, pnl float64) error
	ResetStreak(ctx context.Context) error
}

// Executor turns advisor decisions into fills and position state. Every
// precondition failure is recorded on the decision row instead of erroring:
// a rejected decision is an outcome, not a fault.
type Executor struct {
	store   Store
	orders  exchange.OrderPlacer
	market  exchange.MarketData
	risk    Risk
	bus     *events.Bus
	account config.AccountConfig
	sizing  config.SizingConfig
	retry   exchange.RetryConfig
}

// New creates an executor
func New(store Store, orders exchange.OrderPlacer, market exchange.MarketData,
	riskSup Risk, bus *events.Bus, account config.AccountConfig, sizing config.SizingConfig) *Executor {
	return &Executor{
		store:   store,
		orders:  orders,
		market:  market,
		risk:    riskSup,
		bus:     bus,
		account: account,
		sizing:  sizing,
		retry:   exchange.DefaultRetryConfig(),
	}
}

// Execute carries out one decision. A nil error means the decision reached a
// terminal state: either a fill was recorded or the rejection reason was
// written back to the decision row.
func (e *Executor) Execute(ctx context.Context, d *db.Decision, tier int) error {
	switch d.Action {
	case db.ActionBuy:
		return e.executeBuy(ctx, d, tier)
	case db.ActionDCA:
		return e.executeDCA(ctx, d, tier)
	case db.ActionSell:
		return e.executeExit(ctx, d, 100, 0)
	case db.ActionPartialExit:
		pct := 50.0
		if d.ExitPercent != nil && *d.ExitPercent > 0 {
			pct = *d.ExitPercent
		}
		if pct > 100 {
			pct = 100
		}
		return e.executeExit(ctx, d, pct, 0)
	case db.ActionHold:
		return e.reject(ctx, d, "HOLD: no action taken")
	case db.ActionPass:
		return e.reject(ctx, d, "PASS: no action taken")
	default:
		return e.reject(ctx, d, fmt.Sprintf("unknown action %s", d.Action))
	}
}

// reject records why a decision produced no trade. Portfolio state is never
// touched on this path.
func (e *Executor) reject(ctx context.Context, d *db.Decision, reason string) error {
	log.Info().
		Str("symbol", d.Symbol).
		Str("action", string(d.Action)).
		Str("reason", reason).
		Msg("Decision not executed")
	return e.store.MarkDecisionNotExecuted(ctx, d.ID, reason)
}

func (e *Executor) executeBuy(ctx context.Context, d *db.Decision, tier int) error {
	pos, err := e.store.GetOpenPosition(ctx, d.Symbol)
	if err != nil {
		return err
	}
	if pos != nil {
		return e.reject(ctx, d, fmt.Sprintf("position already open for %s", d.Symbol))
	}

	count, err := e.store.CountOpenPositions(ctx)
	if err != nil {
		return err
	}
	if count >= e.account.MaxConcurrentPositions {
		return e.reject(ctx, d, fmt.Sprintf("portfolio at capacity (%d/%d)", count, e.account.MaxConcurrentPositions))
	}

	ok, reason, err := e.risk.CanEnter(ctx, d.Symbol)
	if err != nil {
		return err
	}
	if !ok {
		return e.reject(ctx, d, reason)
	}

	ts := e.sizing.Tier(tier)
	size := ts.BasePositionUSD
	if d.PositionSizeUSD != nil && *d.PositionSizeUSD > 0 {
		size = *d.PositionSizeUSD
	}
	if size > ts.MaxPositionUSD {
		return e.reject(ctx, d, fmt.Sprintf("requested size $%.2f exceeds tier %d max $%.2f", size, tier, ts.MaxPositionUSD))
	}

	deployed, err := e.store.SumOpenCost(ctx)
	if err != nil {
		return err
	}
	available := e.account.TotalCapital - deployed
	if size > available {
		return e.reject(ctx, d, fmt.Sprintf("insufficient capital: $%.2f requested, $%.2f available", size, available))
	}

	fill, err := e.placeBuy(ctx, d.Symbol, size)
	if err != nil {
		return fmt.Errorf("buy order failed for %s: %w", d.Symbol, err)
	}

	// Cost basis includes the entry fee, same as the DCA average: total
	// spend over quantity received.
	avgEntry := fill.Price
	if fill.Quantity > 0 {
		avgEntry = fill.ValueUSD / fill.Quantity
	}

	now := fill.ExecutedAt
	p := &db.Position{
		ID:             uuid.New(),
		Symbol:         d.Symbol,
		Tier:           tier,
		Status:         db.PositionOpen,
		EntryPrice:     fill.Price,
		AvgEntryPrice:  avgEntry,
		TotalCost:      fill.ValueUSD,
		TotalInvested:  fill.ValueUSD,
		RemainingQty:   fill.Quantity,
		StopLossPrice:  fill.Price * (1 - ts.StopLossPct),
		TP1Price:       fill.Price * (1 + ts.TP1Pct),
		TP2Price:       fill.Price * (1 + ts.TP2Pct),
		TP3Price:       fill.Price * (1 + ts.TP3Pct),
		EntryTime:      now,
		OpenDecisionID: &d.ID,
	}
	t := e.tradeFromFill(fill, db.TradeEntry, &d.ID)

	if err := e.store.OpenPosition(ctx, p, t); err != nil {
		return fmt.Errorf("failed to record entry for %s: %w", d.Symbol, err)
	}

	e.enqueue(ctx, db.EventBuy, db.SeverityInfo, d.Symbol,
		fmt.Sprintf("BUY %s", d.Symbol),
		fmt.Sprintf("Bought %.6f @ %.4f ($%.2f), stop %.4f, targets %.4f/%.4f/%.4f",
			fill.Quantity, fill.Price, fill.ValueUSD, p.StopLossPrice, p.TP1Price, p.TP2Price, p.TP3Price))

	return nil
}

func (e *Executor) executeDCA(ctx context.Context, d *db.Decision, tier int) error {
	pos, err := e.store.GetOpenPosition(ctx, d.Symbol)
	if err != nil {
		return err
	}
	if pos == nil {
		return e.reject(ctx, d, fmt.Sprintf("no open position for %s", d.Symbol))
	}

	ts := e.sizing.Tier(tier)
	if pos.DCALevel >= ts.MaxDCALevels {
		return e.reject(ctx, d, fmt.Sprintf("DCA level %d already at tier %d limit", pos.DCALevel, tier))
	}

	price, err := e.market.GetPrice(ctx, d.Symbol)
	if err != nil {
		return fmt.Errorf("failed to get price for %s: %w", d.Symbol, err)
	}
	threshold := pos.AvgEntryPrice * dcaDiscountFactor
	if price > threshold {
		return e.reject(ctx, d, fmt.Sprintf(
			"DCA rejected — price %.4f is above %.4f (avg %.4f x %.2f)",
			price, threshold, pos.AvgEntryPrice, dcaDiscountFactor))
	}

	size := ts.BasePositionUSD
	if d.PositionSizeUSD != nil && *d.PositionSizeUSD > 0 {
		size = *d.PositionSizeUSD
	}
	room := ts.MaxPositionUSD - pos.TotalInvested
	if room <= 0 {
		return e.reject(ctx, d, fmt.Sprintf("position at tier %d capital limit ($%.2f invested)", tier, pos.TotalInvested))
	}
	if size > room {
		size = room
	}

	deployed, err := e.store.SumOpenCost(ctx)
	if err != nil {
		return err
	}
	available := e.account.TotalCapital - deployed
	if size > available {
		return e.reject(ctx, d, fmt.Sprintf("insufficient capital: $%.2f requested, $%.2f available", size, available))
	}

	fill, err := e.placeBuy(ctx, d.Symbol, size)
	if err != nil {
		return fmt.Errorf("DCA order failed for %s: %w", d.Symbol, err)
	}

	t := e.tradeFromFill(fill, db.TradeDCA, &d.ID)
	targets := db.TPTargets{TP1Pct: ts.TP1Pct, TP2Pct: ts.TP2Pct, TP3Pct: ts.TP3Pct}

	updated, err := e.store.ApplyDCA(ctx, pos.ID, t, targets)
	if err != nil {
		return fmt.Errorf("failed to record DCA for %s: %w", d.Symbol, err)
	}

	e.enqueue(ctx, db.EventDCA, db.SeverityInfo, d.Symbol,
		fmt.Sprintf("DCA %s (level %d)", d.Symbol, updated.DCALevel),
		fmt.Sprintf("Added %.6f @ %.4f ($%.2f), new avg %.4f, stop unchanged at %.4f",
			fill.Quantity, fill.Price, fill.ValueUSD, updated.AvgEntryPrice, updated.StopLossPrice))

	return nil
}

func (e *Executor) executeExit(ctx context.Context, d *db.Decision, exitPercent float64, tpLevel int) error {
	pos, err := e.store.GetOpenPosition(ctx, d.Symbol)
	if err != nil {
		return err
	}
	if pos == nil {
		return e.reject(ctx, d, fmt.Sprintf("no open position for %s", d.Symbol))
	}

	return e.exitPosition(ctx, pos, exitPercent, tpLevel, &d.ID, d.Source)
}

// exitPosition sells a share of the remaining quantity and settles the
// position books. Shared by advisor exits and the protective monitor.
func (e *Executor) exitPosition(ctx context.Context, pos *db.Position, exitPercent float64, tpLevel int, decisionID *uuid.UUID, source db.DecisionSource) error {
	qty := pos.RemainingQty * exitPercent / 100
	if exitPercent >= 99 {
		qty = pos.RemainingQty
	}

	fill, err := e.placeSell(ctx, pos.Symbol, qty)
	if err != nil {
		return fmt.Errorf("sell order failed for %s: %w", pos.Symbol, err)
	}

	tradeType := db.TradePartialExit
	if exitPercent >= 99 || fill.Quantity >= pos.RemainingQty {
		tradeType = db.TradeFullExit
	}
	t := e.tradeFromFill(fill, tradeType, decisionID)

	updated, closed, err := e.store.ReducePosition(ctx, pos.ID, exitPercent, tpLevel, t)
	if err != nil {
		return fmt.Errorf("failed to record exit for %s: %w", pos.Symbol, err)
	}

	eventType := db.EventPartialExit
	if closed {
		eventType = db.EventSell
	}
	if source == db.SourceExitScanner {
		eventType = db.EventExitScanner
	}

	if closed {
		severity := db.SeverityInfo
		if updated.RealizedPnL < 0 {
			severity = db.SeverityWarning
			if err := e.risk.RecordLoss(ctx, pos.Symbol, updated.RealizedPnL); err != nil {
				log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to record loss")
			}
		} else {
			if err := e.risk.ResetStreak(ctx); err != nil {
				log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to reset loss streak")
			}
		}

		pnlPct := 0.0
		if updated.RealizedPnLPct != nil {
			pnlPct = *updated.RealizedPnLPct
		}
		e.enqueue(ctx, eventType, severity, pos.Symbol,
			fmt.Sprintf("CLOSED %s (%+.2f%%)", pos.Symbol, pnlPct),
			fmt.Sprintf("Sold %.6f @ %.4f, realized $%.2f (%+.2f%%) over %.1fh",
				fill.Quantity, fill.Price, updated.RealizedPnL, pnlPct, holdHours(updated)))
	} else {
		e.enqueue(ctx, eventType, db.SeverityInfo, pos.Symbol,
			fmt.Sprintf("PARTIAL EXIT %s (%.0f%%)", pos.Symbol, exitPercent),
			fmt.Sprintf("Sold %.6f @ %.4f, profit taken $%.2f, %.6f remaining",
				fill.Quantity, fill.Price, updated.TotalProfitTaken, updated.RemainingQty))
	}

	return nil
}

func (e *Executor) placeBuy(ctx context.Context, symbol string, quoteUSD float64) (*exchange.Fill, error) {
	var fill *exchange.Fill
	err := exchange.WithRetry(ctx, e.retry, func() error {
		var err error
		fill, err = e.orders.MarketBuy(ctx, symbol, quoteUSD)
		return err
	})
	return fill, err
}

func (e *Executor) placeSell(ctx context.Context, symbol string, quantity float64) (*exchange.Fill, error) {
	var fill *exchange.Fill
	err := exchange.WithRetry(ctx, e.retry, func() error {
		var err error
		fill, err = e.orders.MarketSell(ctx, symbol, quantity)
		return err
	})
	return fill, err
}

func (e *Executor) tradeFromFill(fill *exchange.Fill, tradeType db.TradeType, decisionID *uuid.UUID) *db.Trade {
	return &db.Trade{
		ID:         uuid.New(),
		Symbol:     fill.Symbol,
		Type:       tradeType,
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		ValueUSD:   fill.ValueUSD,
		Fee:        fill.Fee,
		OrderID:    fill.OrderID,
		ExecutedAt: fill.ExecutedAt,
		DecisionID: decisionID,
	}
}

func (e *Executor) enqueue(ctx context.Context, eventType db.EventType, severity db.EventSeverity, symbol, title, message string) {
	if err := e.bus.Enqueue(ctx, eventType, severity, symbol, title, message); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Failed to enqueue trade event")
	}
}

func holdHours(p *db.Position) float64 {
	if p.HoldHours != nil {
		return *p.HoldHours
	}
	return time.Since(p.EntryTime).Hours()
}
