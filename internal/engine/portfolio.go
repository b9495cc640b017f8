package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/db"
)

// Portfolio is a cycle-scoped snapshot of account state. It is computed
// once per cycle, rendered into every advisor prompt of that cycle and
// served to the dashboard.
type Portfolio struct {
	TotalCapital  float64
	Deployed      float64
	Available     float64
	Equity        float64
	UnrealizedPnL float64
	RealizedPnL   float64
	TotalPnLPct   float64

	OpenCount   int
	Positions   []*db.Position
	Closed30d   int
	Wins30d     int
	WinRate     float64
	BreakerOpen bool

	ComputedAt time.Time
}

// Portfolio computes a fresh portfolio view on demand, for the dashboard
func (e *Engine) Portfolio(ctx context.Context) (*Portfolio, error) {
	return e.buildPortfolio(ctx)
}

// buildPortfolio assembles the cycle's portfolio view from the store and
// live prices. Missing prices degrade that symbol's unrealized figure to
// zero rather than failing the cycle.
func (e *Engine) buildPortfolio(ctx context.Context) (*Portfolio, error) {
	p := &Portfolio{
		TotalCapital: e.cfg.Account.TotalCapital,
		ComputedAt:   time.Now().UTC(),
	}

	positions, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", err)
	}
	p.Positions = positions
	p.OpenCount = len(positions)

	var prices map[string]float64
	if len(positions) > 0 {
		prices, err = e.market.GetAllPrices(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Price fetch failed, unrealized P&L unavailable")
			prices = map[string]float64{}
		}
	}

	for _, pos := range positions {
		p.Deployed += pos.TotalCost
		if price, ok := prices[pos.Symbol]; ok && price > 0 {
			p.UnrealizedPnL += pos.RemainingQty*price - pos.TotalCost
		}
	}

	realized, err := e.store.SumRealizedPnL(ctx)
	if err != nil {
		return nil, err
	}
	p.RealizedPnL = realized

	p.Available = p.TotalCapital - p.Deployed
	p.Equity = p.TotalCapital + p.RealizedPnL + p.UnrealizedPnL
	if p.TotalCapital > 0 {
		p.TotalPnLPct = (p.RealizedPnL + p.UnrealizedPnL) / p.TotalCapital * 100
	}

	closed, err := e.store.GetClosedPositionsSince(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		return nil, err
	}
	p.Closed30d = len(closed)
	for _, pos := range closed {
		if pos.RealizedPnL >= 0 {
			p.Wins30d++
		}
	}
	if p.Closed30d > 0 {
		p.WinRate = float64(p.Wins30d) / float64(p.Closed30d) * 100
	}

	if state, err := e.store.GetBreakerState(ctx); err == nil {
		p.BreakerOpen = state.IsActive
	}

	return p, nil
}

// Render formats the portfolio for advisor prompts
func (p *Portfolio) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Open positions: %d, deployed $%.2f, available $%.2f\n",
		p.OpenCount, p.Deployed, p.Available)
	fmt.Fprintf(&b, "Unrealized P&L $%.2f, realized $%.2f, total %+.2f%%\n",
		p.UnrealizedPnL, p.RealizedPnL, p.TotalPnLPct)
	if p.Closed30d > 0 {
		fmt.Fprintf(&b, "Last 30d: %d closed, %.0f%% win rate", p.Closed30d, p.WinRate)
	} else {
		b.WriteString("Last 30d: no closed trades")
	}
	return b.String()
}
