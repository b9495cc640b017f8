package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/db"
)

// Take-profit ladder: a third off at TP1, half of what remains at TP2,
// everything at TP3.
const (
	tp1ExitPercent = 33
	tp2ExitPercent = 50
	tp3ExitPercent = 100
)

// CheckProtectiveExits walks the open positions against live prices and
// fires the mechanical exits that must not wait for an advisor: stop-loss
// closes and take-profit ladder sells. It also widens the gain/loss
// watermarks each pass. One failed symbol never blocks the rest.
func (e *Executor) CheckProtectiveExits(ctx context.Context) error {
	positions, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	prices, err := e.market.GetAllPrices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load prices: %w", err)
	}

	for _, pos := range positions {
		price, ok := prices[pos.Symbol]
		if !ok || price <= 0 {
			log.Warn().Str("symbol", pos.Symbol).Msg("No price for open position, skipping protective check")
			continue
		}

		if err := e.checkPosition(ctx, pos, price); err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Protective exit check failed")
		}
	}

	return nil
}

func (e *Executor) checkPosition(ctx context.Context, pos *db.Position, price float64) error {
	pnlPct := 0.0
	if pos.AvgEntryPrice > 0 {
		pnlPct = (price - pos.AvgEntryPrice) / pos.AvgEntryPrice * 100
	}
	if err := e.store.UpdateWatermarks(ctx, pos.ID, pnlPct, pnlPct); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Failed to update watermarks")
	}

	if price <= pos.StopLossPrice {
		return e.fireStopLoss(ctx, pos, price, pnlPct)
	}

	switch {
	case !pos.TP3Hit && price >= pos.TP3Price:
		return e.fireTakeProfit(ctx, pos, price, 3, tp3ExitPercent)
	case !pos.TP2Hit && price >= pos.TP2Price:
		return e.fireTakeProfit(ctx, pos, price, 2, tp2ExitPercent)
	case !pos.TP1Hit && price >= pos.TP1Price:
		return e.fireTakeProfit(ctx, pos, price, 1, tp1ExitPercent)
	}

	return nil
}

func (e *Executor) fireStopLoss(ctx context.Context, pos *db.Position, price, pnlPct float64) error {
	d := e.protectiveDecision(pos, db.SourceStopLoss, db.ActionSell, 100,
		fmt.Sprintf("Price %.4f breached stop %.4f (%.2f%% from avg entry %.4f)",
			price, pos.StopLossPrice, pnlPct, pos.AvgEntryPrice))
	if err := e.store.InsertDecision(ctx, d); err != nil {
		return fmt.Errorf("failed to record stop-loss decision: %w", err)
	}

	log.Warn().
		Str("symbol", pos.Symbol).
		Float64("price", price).
		Float64("stop", pos.StopLossPrice).
		Msg("Stop-loss triggered")

	return e.exitPosition(ctx, pos, 100, 0, &d.ID, db.SourceStopLoss)
}

func (e *Executor) fireTakeProfit(ctx context.Context, pos *db.Position, price float64, level int, exitPercent float64) error {
	d := e.protectiveDecision(pos, db.SourceTakeProfit, db.ActionPartialExit, exitPercent,
		fmt.Sprintf("Price %.4f reached TP%d, selling %.0f%% of remaining", price, level, exitPercent))
	if level == 3 {
		d.Action = db.ActionSell
	}
	if err := e.store.InsertDecision(ctx, d); err != nil {
		return fmt.Errorf("failed to record take-profit decision: %w", err)
	}

	log.Info().
		Str("symbol", pos.Symbol).
		Int("tp_level", level).
		Float64("price", price).
		Float64("exit_percent", exitPercent).
		Msg("Take-profit triggered")

	return e.exitPosition(ctx, pos, exitPercent, level, &d.ID, db.SourceTakeProfit)
}

// protectiveDecision builds the audit record for a mechanical exit. These
// decisions carry no prompt: no advisor was consulted.
func (e *Executor) protectiveDecision(pos *db.Position, source db.DecisionSource, action db.DecisionAction, exitPercent float64, reasoning string) *db.Decision {
	return &db.Decision{
		ID:          uuid.New(),
		Symbol:      pos.Symbol,
		Source:      source,
		Action:      action,
		Confidence:  1.0,
		ExitPercent: &exitPercent,
		Reasoning:   reasoning,
		CreatedAt:   time.Now().UTC(),
	}
}
