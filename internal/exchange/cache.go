package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/indicators"
)

// CachedMarketData wraps a MarketData source with a best-effort Redis cache
// for candle history. Cache failures never fail a read; they fall through to
// the upstream source.
type CachedMarketData struct {
	inner MarketData
	redis *redis.Client
	ttl   time.Duration
}

// NewCachedMarketData creates a caching layer over a market data source
func NewCachedMarketData(inner MarketData, client *redis.Client, ttl time.Duration) *CachedMarketData {
	return &CachedMarketData{inner: inner, redis: client, ttl: ttl}
}

// GetPrice delegates directly; prices are too volatile to cache
func (c *CachedMarketData) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return c.inner.GetPrice(ctx, symbol)
}

// GetAllPrices delegates directly
func (c *CachedMarketData) GetAllPrices(ctx context.Context) (map[string]float64, error) {
	return c.inner.GetAllPrices(ctx)
}

// GetCandles serves candle history from Redis when fresh, fetching and
// populating the cache asynchronously on a miss
func (c *CachedMarketData) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]indicators.Candle, error) {
	key := candleKey(symbol, interval, limit)

	if cached, err := c.redis.Get(ctx, key).Result(); err == nil {
		var candles []indicators.Candle
		if err := json.Unmarshal([]byte(cached), &candles); err == nil {
			return candles, nil
		}
		log.Warn().Str("key", key).Msg("Corrupt candle cache entry, refetching")
	} else if err != redis.Nil {
		log.Warn().Err(err).Str("key", key).Msg("Candle cache read failed")
	}

	candles, err := c.inner.GetCandles(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}

	go func() {
		data, err := json.Marshal(candles)
		if err != nil {
			return
		}
		setCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.redis.Set(setCtx, key, data, c.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Candle cache write failed")
		}
	}()

	return candles, nil
}

func candleKey(symbol, interval string, limit int) string {
	return fmt.Sprintf("candles:%s:%s:%d", symbol, interval, limit)
}
