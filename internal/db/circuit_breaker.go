package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// BreakerState is the single persisted circuit-breaker row. Once tripped it
// stays active until reactivates_at passes or an operator resets it.
type BreakerState struct {
	ConsecutiveLosses int        `db:"consecutive_losses"`
	IsActive          bool       `db:"is_active"`
	ReactivatesAt     *time.Time `db:"reactivates_at"`
	Reason            string     `db:"reason"`
	PeakEquity        float64    `db:"peak_equity"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

const breakerColumns = `consecutive_losses, is_active, reactivates_at, reason, peak_equity, updated_at`

func scanBreaker(row pgx.Row) (*BreakerState, error) {
	var s BreakerState
	err := row.Scan(&s.ConsecutiveLosses, &s.IsActive, &s.ReactivatesAt,
		&s.Reason, &s.PeakEquity, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetBreakerState retrieves the current circuit-breaker state
func (db *DB) GetBreakerState(ctx context.Context) (*BreakerState, error) {
	s, err := scanBreaker(db.pool.QueryRow(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breaker WHERE id = 1`))
	if err != nil {
		return nil, fmt.Errorf("failed to get circuit breaker state: %w", err)
	}
	return s, nil
}

// ClearBreakerIfExpired deactivates the breaker once its cooldown has
// passed. Returns the state after any clearing.
func (db *DB) ClearBreakerIfExpired(ctx context.Context) (*BreakerState, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s, err := scanBreaker(tx.QueryRow(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breaker WHERE id = 1 FOR UPDATE`))
	if err != nil {
		return nil, fmt.Errorf("failed to lock circuit breaker: %w", err)
	}

	now := time.Now().UTC()
	if s.IsActive && s.ReactivatesAt != nil && !s.ReactivatesAt.After(now) {
		s.IsActive = false
		s.ReactivatesAt = nil
		s.ConsecutiveLosses = 0
		s.Reason = ""

		_, err = tx.Exec(ctx, `
			UPDATE circuit_breaker
			SET is_active = false, reactivates_at = NULL,
			    consecutive_losses = 0, reason = '', updated_at = $1
			WHERE id = 1
		`, now)
		if err != nil {
			return nil, fmt.Errorf("failed to clear circuit breaker: %w", err)
		}

		log.Info().Msg("Circuit breaker cooldown expired, trading resumed")
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit breaker check: %w", err)
	}

	return s, nil
}

// RecordLoss atomically counts a losing close against the streak and trips
// the breaker when it reaches maxLosses. Returns the updated state and
// whether this loss tripped it.
func (db *DB) RecordLoss(ctx context.Context, maxLosses int, cooldown time.Duration) (*BreakerState, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s, err := scanBreaker(tx.QueryRow(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breaker WHERE id = 1 FOR UPDATE`))
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock circuit breaker: %w", err)
	}

	now := time.Now().UTC()
	s.ConsecutiveLosses++

	tripped := false
	if !s.IsActive && s.ConsecutiveLosses >= maxLosses {
		tripped = true
		reactivates := now.Add(cooldown)
		s.IsActive = true
		s.ReactivatesAt = &reactivates
		s.Reason = fmt.Sprintf("%d consecutive losses", s.ConsecutiveLosses)
	}

	_, err = tx.Exec(ctx, `
		UPDATE circuit_breaker
		SET consecutive_losses = $1, is_active = $2, reactivates_at = $3,
		    reason = $4, updated_at = $5
		WHERE id = 1
	`, s.ConsecutiveLosses, s.IsActive, s.ReactivatesAt, s.Reason, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record loss: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit loss record: %w", err)
	}

	if tripped {
		log.Warn().
			Int("consecutive_losses", s.ConsecutiveLosses).
			Time("reactivates_at", *s.ReactivatesAt).
			Msg("Circuit breaker tripped")
	}

	return s, tripped, nil
}

// ResetLossStreak zeroes the consecutive loss counter after a winning close
func (db *DB) ResetLossStreak(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE circuit_breaker
		SET consecutive_losses = 0, updated_at = $1
		WHERE id = 1
	`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset loss streak: %w", err)
	}
	return nil
}

// ResetBreaker deactivates the breaker and clears the streak (operator action)
func (db *DB) ResetBreaker(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE circuit_breaker
		SET is_active = false, reactivates_at = NULL, reason = '',
		    consecutive_losses = 0, updated_at = $1
		WHERE id = 1
	`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset circuit breaker: %w", err)
	}

	log.Info().Msg("Circuit breaker reset")
	return nil
}

// UpdatePeakEquity raises the recorded peak when the current equity exceeds
// it. The peak never decreases; drawdown is measured against it.
func (db *DB) UpdatePeakEquity(ctx context.Context, equity float64) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE circuit_breaker
		SET peak_equity = GREATEST(peak_equity, $1), updated_at = $2
		WHERE id = 1
	`, equity, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update peak equity: %w", err)
	}
	return nil
}
