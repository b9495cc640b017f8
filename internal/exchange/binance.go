package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/indicators"
)

// Binance serves live market data and order execution through the Binance
// spot API. It implements both MarketData and OrderPlacer.
type Binance struct {
	client      *binance.Client
	retryConfig RetryConfig
}

// BinanceConfig contains credentials and mode for the Binance client
type BinanceConfig struct {
	APIKey      string
	SecretKey   string
	Testnet     bool
	RetryConfig RetryConfig
}

// NewBinance creates a Binance exchange client
func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance client initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance client initialized (LIVE TRADING mode)")
	}

	rc := cfg.RetryConfig
	if rc.MaxRetries == 0 && rc.InitialBackoff == 0 {
		rc = DefaultRetryConfig()
	}

	return &Binance{
		client:      binance.NewClient(cfg.APIKey, cfg.SecretKey),
		retryConfig: rc,
	}
}

// GetPrice retrieves the current price for one symbol
func (b *Binance) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var prices []*binance.SymbolPrice
	err := WithRetry(ctx, b.retryConfig, func() error {
		var opErr error
		prices, opErr = b.client.NewListPricesService().Symbol(symbol).Do(ctx)
		return opErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", symbol)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price %q for %s: %w", prices[0].Price, symbol, err)
	}

	return price, nil
}

// GetAllPrices retrieves current prices for every listed symbol in one call
func (b *Binance) GetAllPrices(ctx context.Context) (map[string]float64, error) {
	var prices []*binance.SymbolPrice
	err := WithRetry(ctx, b.retryConfig, func() error {
		var opErr error
		prices, opErr = b.client.NewListPricesService().Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get prices: %w", err)
	}

	result := make(map[string]float64, len(prices))
	for _, p := range prices {
		v, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			continue
		}
		result[p.Symbol] = v
	}

	return result, nil
}

// GetCandles retrieves up to limit klines for a symbol at the given interval
func (b *Binance) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]indicators.Candle, error) {
	var klines []*binance.Kline
	err := WithRetry(ctx, b.retryConfig, func() error {
		var opErr error
		klines, opErr = b.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get candles for %s: %w", symbol, err)
	}

	candles := make([]indicators.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := convertKline(k)
		if err != nil {
			return nil, fmt.Errorf("failed to parse candle for %s: %w", symbol, err)
		}
		candles = append(candles, c)
	}

	return candles, nil
}

// MarketBuy places a market buy spending quoteUSD of the quote currency
func (b *Binance) MarketBuy(ctx context.Context, symbol string, quoteUSD float64) (*Fill, error) {
	var resp *binance.CreateOrderResponse
	err := WithRetry(ctx, b.retryConfig, func() error {
		var opErr error
		resp, opErr = b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(binance.SideTypeBuy).
			Type(binance.OrderTypeMarket).
			QuoteOrderQty(fmt.Sprintf("%.8f", quoteUSD)).
			Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place market buy for %s: %w", symbol, err)
	}

	fill, err := convertOrderResponse(resp, symbol, SideBuy)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("symbol", symbol).
		Str("order_id", fill.OrderID).
		Float64("price", fill.Price).
		Float64("quantity", fill.Quantity).
		Float64("value_usd", fill.ValueUSD).
		Msg("Market buy filled")

	return fill, nil
}

// MarketSell places a market sell of quantity base asset
func (b *Binance) MarketSell(ctx context.Context, symbol string, quantity float64) (*Fill, error) {
	var resp *binance.CreateOrderResponse
	err := WithRetry(ctx, b.retryConfig, func() error {
		var opErr error
		resp, opErr = b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(binance.SideTypeSell).
			Type(binance.OrderTypeMarket).
			Quantity(fmt.Sprintf("%.8f", quantity)).
			Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place market sell for %s: %w", symbol, err)
	}

	fill, err := convertOrderResponse(resp, symbol, SideSell)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("symbol", symbol).
		Str("order_id", fill.OrderID).
		Float64("price", fill.Price).
		Float64("quantity", fill.Quantity).
		Float64("value_usd", fill.ValueUSD).
		Msg("Market sell filled")

	return fill, nil
}

func convertKline(k *binance.Kline) (indicators.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return indicators.Candle{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return indicators.Candle{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return indicators.Candle{}, err
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return indicators.Candle{}, err
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return indicators.Candle{}, err
	}

	return indicators.Candle{
		OpenTime: time.UnixMilli(k.OpenTime),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   volume,
	}, nil
}

func convertOrderResponse(resp *binance.CreateOrderResponse, symbol string, side OrderSide) (*Fill, error) {
	qty, err := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse executed quantity: %w", err)
	}
	quoteQty, err := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse quote quantity: %w", err)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("order %d for %s executed zero quantity", resp.OrderID, symbol)
	}

	// Commission is only charged in the quote currency for the fee estimate;
	// base-asset commission is approximated at fill price.
	avgPrice := quoteQty / qty
	var fee float64
	for _, f := range resp.Fills {
		commission, err := strconv.ParseFloat(f.Commission, 64)
		if err != nil {
			continue
		}
		if strings.HasSuffix(symbol, f.CommissionAsset) {
			fee += commission
		} else {
			fee += commission * avgPrice
		}
	}

	return &Fill{
		OrderID:    strconv.FormatInt(resp.OrderID, 10),
		Symbol:     symbol,
		Side:       side,
		Price:      avgPrice,
		Quantity:   qty,
		ValueUSD:   quoteQty,
		Fee:        fee,
		ExecutedAt: time.UnixMilli(resp.TransactTime),
	}, nil
}
