package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quantfold/tradepilot/internal/indicators"
)

// InsertSnapshots persists one cycle's indicator snapshots in a single batch
func (db *DB) InsertSnapshots(ctx context.Context, snapshots []indicators.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	query := `
		INSERT INTO indicator_snapshots (
			symbol, price, rsi_value, rsi_signal,
			macd_value, macd_signal, histogram, crossover,
			sma_short, sma_long, ema9, ema21, ema_signal,
			bb_upper, bb_middle, bb_lower, bb_position, bb_width,
			volume_ratio, volume_trend, support, resistance,
			trend_direction, trend_strength, taken_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
		)
	`

	batch := &pgx.Batch{}
	for _, s := range snapshots {
		batch.Queue(query,
			s.Symbol, s.Price, s.RSIValue, s.RSISignal,
			s.MACDValue, s.MACDSignal, s.Histogram, s.Crossover,
			s.SMAShort, s.SMALong, s.EMA9, s.EMA21, s.EMASignal,
			s.BBUpper, s.BBMiddle, s.BBLower, s.BBPosition, s.BBWidth,
			s.VolumeRatio, s.VolumeTrend, s.Support, s.Resistance,
			s.TrendDirection, s.TrendStrength, s.TakenAt,
		)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range snapshots {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert snapshot batch: %w", err)
		}
	}

	return nil
}

// GetLatestSnapshot retrieves the most recent snapshot for a symbol, or nil when none exists
func (db *DB) GetLatestSnapshot(ctx context.Context, symbol string) (*indicators.Snapshot, error) {
	query := `
		SELECT
			symbol, price, rsi_value, rsi_signal,
			macd_value, macd_signal, histogram, crossover,
			sma_short, sma_long, ema9, ema21, ema_signal,
			bb_upper, bb_middle, bb_lower, bb_position, bb_width,
			volume_ratio, volume_trend, support, resistance,
			trend_direction, trend_strength, taken_at
		FROM indicator_snapshots
		WHERE symbol = $1
		ORDER BY taken_at DESC
		LIMIT 1
	`

	var s indicators.Snapshot
	err := db.pool.QueryRow(ctx, query, symbol).Scan(
		&s.Symbol, &s.Price, &s.RSIValue, &s.RSISignal,
		&s.MACDValue, &s.MACDSignal, &s.Histogram, &s.Crossover,
		&s.SMAShort, &s.SMALong, &s.EMA9, &s.EMA21, &s.EMASignal,
		&s.BBUpper, &s.BBMiddle, &s.BBLower, &s.BBPosition, &s.BBWidth,
		&s.VolumeRatio, &s.VolumeTrend, &s.Support, &s.Resistance,
		&s.TrendDirection, &s.TrendStrength, &s.TakenAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest snapshot for %s: %w", symbol, err)
	}

	return &s, nil
}

// PurgeSnapshots deletes snapshots older than the retention window
func (db *DB) PurgeSnapshots(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	result, err := db.pool.Exec(ctx,
		`DELETE FROM indicator_snapshots WHERE taken_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge snapshots: %w", err)
	}

	return result.RowsAffected(), nil
}
