package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FeeConfig models exchange fees for simulated fills. The default is zero
// so paper P&L matches the raw price math; set TakerPct to rehearse real
// fee drag.
type FeeConfig struct {
	TakerPct float64
}

// Paper simulates order execution against live prices. Fills are immediate
// and complete at the current market price, with order IDs prefixed PAPER_
// so they can never be mistaken for exchange orders.
type Paper struct {
	market MarketData
	fees   FeeConfig

	mu      sync.Mutex
	counter int64
}

// NewPaper creates a paper execution engine marked against live market data
func NewPaper(market MarketData, fees FeeConfig) *Paper {
	log.Info().Float64("taker_pct", fees.TakerPct).Msg("Paper trading engine initialized")
	return &Paper{market: market, fees: fees}
}

// MarketBuy simulates a market buy spending quoteUSD
func (p *Paper) MarketBuy(ctx context.Context, symbol string, quoteUSD float64) (*Fill, error) {
	if quoteUSD <= 0 {
		return nil, fmt.Errorf("invalid buy amount %.2f for %s", quoteUSD, symbol)
	}

	price, err := p.market.GetPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to mark paper buy for %s: %w", symbol, err)
	}

	fee := quoteUSD * p.fees.TakerPct / 100
	qty := (quoteUSD - fee) / price

	fill := &Fill{
		OrderID:    p.nextOrderID(),
		Symbol:     symbol,
		Side:       SideBuy,
		Price:      price,
		Quantity:   qty,
		ValueUSD:   quoteUSD,
		Fee:        fee,
		ExecutedAt: time.Now().UTC(),
	}

	log.Info().
		Str("symbol", symbol).
		Str("order_id", fill.OrderID).
		Float64("price", price).
		Float64("quantity", qty).
		Msg("Paper buy filled")

	return fill, nil
}

// MarketSell simulates a market sell of quantity base asset
func (p *Paper) MarketSell(ctx context.Context, symbol string, quantity float64) (*Fill, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid sell quantity %.8f for %s", quantity, symbol)
	}

	price, err := p.market.GetPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to mark paper sell for %s: %w", symbol, err)
	}

	gross := quantity * price
	fee := gross * p.fees.TakerPct / 100

	// ValueUSD is the gross notional, matching live fill quotes; net
	// proceeds are ValueUSD - Fee.
	fill := &Fill{
		OrderID:    p.nextOrderID(),
		Symbol:     symbol,
		Side:       SideSell,
		Price:      price,
		Quantity:   quantity,
		ValueUSD:   gross,
		Fee:        fee,
		ExecutedAt: time.Now().UTC(),
	}

	log.Info().
		Str("symbol", symbol).
		Str("order_id", fill.OrderID).
		Float64("price", price).
		Float64("quantity", quantity).
		Msg("Paper sell filled")

	return fill, nil
}

func (p *Paper) nextOrderID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	return fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.counter)
}
