package exchange

import (
	"context"
	"time"

	"github.com/quantfold/tradepilot/internal/indicators"
)

// OrderSide is the direction of a fill
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Fill is the result of one executed market order
type Fill struct {
	OrderID    string
	Symbol     string
	Side       OrderSide
	Price      float64
	Quantity   float64
	ValueUSD   float64
	Fee        float64
	ExecutedAt time.Time
}

// MarketData serves prices and candle history
type MarketData interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetAllPrices(ctx context.Context) (map[string]float64, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]indicators.Candle, error)
}

// OrderPlacer executes market orders. MarketBuy spends a quote-currency
// amount; MarketSell disposes of a base-asset quantity.
type OrderPlacer interface {
	MarketBuy(ctx context.Context, symbol string, quoteUSD float64) (*Fill, error)
	MarketSell(ctx context.Context, symbol string, quantity float64) (*Fill, error)
}
