package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// PositionStatus is the lifecycle state of a position
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is one accumulated holding in a single symbol. A position is
// created by a BUY fill, grows through DCA fills, shrinks through partial
// exits and closes on a full exit. At most one OPEN position exists per
// symbol at any time.
type Position struct {
	ID     uuid.UUID      `db:"id"`
	Symbol string         `db:"symbol"`
	Tier   int            `db:"tier"`
	Status PositionStatus `db:"status"`

	EntryPrice    float64 `db:"entry_price"`
	AvgEntryPrice float64 `db:"avg_entry_price"`
	TotalCost     float64 `db:"total_cost"`     // cost basis of the remaining quantity
	TotalInvested float64 `db:"total_invested"` // cumulative buy cost, never reduced
	RemainingQty  float64 `db:"remaining_qty"`

	StopLossPrice float64 `db:"stop_loss_price"`
	TP1Price      float64 `db:"tp1_price"`
	TP2Price      float64 `db:"tp2_price"`
	TP3Price      float64 `db:"tp3_price"`
	TP1Hit        bool    `db:"tp1_hit"`
	TP2Hit        bool    `db:"tp2_hit"`
	TP3Hit        bool    `db:"tp3_hit"`

	DCALevel         int     `db:"dca_level"`
	PartialExits     int     `db:"partial_exits"`
	TotalProfitTaken float64 `db:"total_profit_taken"`
	RealizedPnL      float64 `db:"realized_pnl"`

	MaxGainPct float64 `db:"max_gain_pct"`
	MaxLossPct float64 `db:"max_loss_pct"`

	EntryTime      time.Time  `db:"entry_time"`
	ExitTime       *time.Time `db:"exit_time"`
	ExitPrice      *float64   `db:"exit_price"`
	RealizedPnLPct *float64   `db:"realized_pnl_pct"`
	HoldHours      *float64   `db:"hold_hours"`

	OpenDecisionID  *uuid.UUID `db:"open_decision_id"`
	CloseDecisionID *uuid.UUID `db:"close_decision_id"`
}

// TPTargets are fractional take-profit offsets above the average entry
// price, e.g. 0.05 for a 5% target
type TPTargets struct {
	TP1Pct float64
	TP2Pct float64
	TP3Pct float64
}

const positionColumns = `
	id, symbol, tier, status,
	entry_price, avg_entry_price, total_cost, total_invested, remaining_qty,
	stop_loss_price, tp1_price, tp2_price, tp3_price,
	tp1_hit, tp2_hit, tp3_hit,
	dca_level, partial_exits, total_profit_taken, realized_pnl,
	max_gain_pct, max_loss_pct,
	entry_time, exit_time, exit_price, realized_pnl_pct, hold_hours,
	open_decision_id, close_decision_id
`

func scanPosition(row pgx.Row) (*Position, error) {
	var p Position
	err := row.Scan(
		&p.ID, &p.Symbol, &p.Tier, &p.Status,
		&p.EntryPrice, &p.AvgEntryPrice, &p.TotalCost, &p.TotalInvested, &p.RemainingQty,
		&p.StopLossPrice, &p.TP1Price, &p.TP2Price, &p.TP3Price,
		&p.TP1Hit, &p.TP2Hit, &p.TP3Hit,
		&p.DCALevel, &p.PartialExits, &p.TotalProfitTaken, &p.RealizedPnL,
		&p.MaxGainPct, &p.MaxLossPct,
		&p.EntryTime, &p.ExitTime, &p.ExitPrice, &p.RealizedPnLPct, &p.HoldHours,
		&p.OpenDecisionID, &p.CloseDecisionID,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOpenPosition retrieves the open position for a symbol, or nil when none exists
func (db *DB) GetOpenPosition(ctx context.Context, symbol string) (*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE symbol = $1 AND status = 'OPEN'`

	p, err := scanPosition(db.pool.QueryRow(ctx, query, symbol))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open position for %s: %w", symbol, err)
	}

	return p, nil
}

// GetOpenPositions retrieves all open positions ordered by entry time
func (db *DB) GetOpenPositions(ctx context.Context) ([]*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status = 'OPEN' ORDER BY entry_time`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

// CountOpenPositions returns the number of currently open positions
func (db *DB) CountOpenPositions(ctx context.Context) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE status = 'OPEN'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions: %w", err)
	}
	return count, nil
}

// SumOpenCost returns total capital currently deployed across open positions
func (db *DB) SumOpenCost(ctx context.Context) (float64, error) {
	var total float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_cost), 0) FROM positions WHERE status = 'OPEN'`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum open position cost: %w", err)
	}
	return total, nil
}

// SumRealizedPnL returns cumulative realized profit and loss across all
// positions, open ones included (partial exits realize P&L before close)
func (db *DB) SumRealizedPnL(ctx context.Context) (float64, error) {
	var total float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM positions`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return total, nil
}

// GetPosition retrieves a position by ID
func (db *DB) GetPosition(ctx context.Context, id uuid.UUID) (*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`

	p, err := scanPosition(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get position %s: %w", id, err)
	}

	return p, nil
}

// GetClosedPositionsSince retrieves positions closed after the cutoff, newest first
func (db *DB) GetClosedPositionsSince(ctx context.Context, since time.Time) ([]*Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE status = 'CLOSED' AND exit_time >= $1
		ORDER BY exit_time DESC`

	rows, err := db.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

// LastExitTime returns the exit time of the most recently closed position
// for a symbol, or nil when the symbol has never been traded to completion.
func (db *DB) LastExitTime(ctx context.Context, symbol string) (*time.Time, error) {
	var t time.Time
	err := db.pool.QueryRow(ctx, `
		SELECT exit_time FROM positions
		WHERE symbol = $1 AND status = 'CLOSED' AND exit_time IS NOT NULL
		ORDER BY exit_time DESC
		LIMIT 1
	`, symbol).Scan(&t)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last exit time for %s: %w", symbol, err)
	}
	return &t, nil
}

// UpdateWatermarks records new unrealized gain/loss extremes for an open
// position. Watermarks only ever widen; stale readings cannot shrink them.
func (db *DB) UpdateWatermarks(ctx context.Context, id uuid.UUID, gainPct, lossPct float64) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE positions
		SET max_gain_pct = GREATEST(max_gain_pct, $2),
		    max_loss_pct = LEAST(max_loss_pct, $3)
		WHERE id = $1 AND status = 'OPEN'
	`, id, gainPct, lossPct)
	if err != nil {
		return fmt.Errorf("failed to update watermarks for %s: %w", id, err)
	}
	return nil
}

// OpenPosition atomically creates a position together with its opening fill
// and marks the originating decision executed.
func (db *DB) OpenPosition(ctx context.Context, p *Position, t *Trade) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO positions (
			id, symbol, tier, status,
			entry_price, avg_entry_price, total_cost, total_invested, remaining_qty,
			stop_loss_price, tp1_price, tp2_price, tp3_price,
			entry_time, open_decision_id
		) VALUES ($1, $2, $3, 'OPEN', $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		p.ID, p.Symbol, p.Tier,
		p.EntryPrice, p.AvgEntryPrice, p.TotalCost, p.TotalInvested, p.RemainingQty,
		p.StopLossPrice, p.TP1Price, p.TP2Price, p.TP3Price,
		p.EntryTime, p.OpenDecisionID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}

	t.PositionID = p.ID
	if _, err = tx.Exec(ctx, insertTradeSQL,
		t.ID, t.PositionID, t.Symbol, t.Type, t.Price, t.Quantity,
		t.ValueUSD, t.Fee, t.OrderID, t.ExecutedAt, t.DecisionID); err != nil {
		return fmt.Errorf("failed to insert opening trade: %w", err)
	}

	if t.DecisionID != nil {
		if err = markDecisionExecuted(ctx, tx, *t.DecisionID); err != nil {
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit position open: %w", err)
	}

	log.Info().
		Str("symbol", p.Symbol).
		Str("position_id", p.ID.String()).
		Float64("entry_price", p.EntryPrice).
		Float64("cost", p.TotalCost).
		Msg("Position opened")

	return nil
}

// ApplyDCA atomically records an averaging-down fill. The average entry
// price becomes (total_cost + fill cost) / (remaining_qty + fill qty), the
// take-profit ladder is recomputed from the new average and the stop-loss
// price stays anchored to the original entry.
func (db *DB) ApplyDCA(ctx context.Context, positionID uuid.UUID, t *Trade, targets TPTargets) (*Position, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := lockPosition(ctx, tx, positionID)
	if err != nil {
		return nil, err
	}

	newCost := p.TotalCost + t.ValueUSD
	newQty := p.RemainingQty + t.Quantity
	if newQty <= 0 {
		return nil, fmt.Errorf("invalid DCA quantity for position %s", positionID)
	}
	newAvg := newCost / newQty

	p.TotalCost = newCost
	p.TotalInvested += t.ValueUSD
	p.RemainingQty = newQty
	p.AvgEntryPrice = newAvg
	p.DCALevel++
	p.TP1Price = newAvg * (1 + targets.TP1Pct)
	p.TP2Price = newAvg * (1 + targets.TP2Pct)
	p.TP3Price = newAvg * (1 + targets.TP3Pct)

	_, err = tx.Exec(ctx, `
		UPDATE positions
		SET total_cost = $2, total_invested = $3, remaining_qty = $4, avg_entry_price = $5,
		    dca_level = $6, tp1_price = $7, tp2_price = $8, tp3_price = $9
		WHERE id = $1
	`, p.ID, p.TotalCost, p.TotalInvested, p.RemainingQty, p.AvgEntryPrice,
		p.DCALevel, p.TP1Price, p.TP2Price, p.TP3Price)
	if err != nil {
		return nil, fmt.Errorf("failed to apply DCA to position %s: %w", positionID, err)
	}

	t.PositionID = p.ID
	if _, err = tx.Exec(ctx, insertTradeSQL,
		t.ID, t.PositionID, t.Symbol, t.Type, t.Price, t.Quantity,
		t.ValueUSD, t.Fee, t.OrderID, t.ExecutedAt, t.DecisionID); err != nil {
		return nil, fmt.Errorf("failed to insert DCA trade: %w", err)
	}

	if t.DecisionID != nil {
		if err = markDecisionExecuted(ctx, tx, *t.DecisionID); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit DCA: %w", err)
	}

	log.Info().
		Str("symbol", p.Symbol).
		Int("dca_level", p.DCALevel).
		Float64("avg_entry", p.AvgEntryPrice).
		Float64("total_cost", p.TotalCost).
		Msg("DCA applied")

	return p, nil
}

// ReducePosition atomically records an exit fill. exitPercent is the share
// of the remaining quantity being sold; at 99 or above the position closes
// fully and realized P&L figures are finalized. tpLevel (1-3) flips the
// matching hit flag so a target never fires twice; 0 means no TP involved.
// A partial exit shrinks the cost basis proportionally, leaving the average
// entry price unchanged.
func (db *DB) ReducePosition(ctx context.Context, positionID uuid.UUID, exitPercent float64, tpLevel int, t *Trade) (*Position, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := lockPosition(ctx, tx, positionID)
	if err != nil {
		return nil, false, err
	}

	closing := exitPercent >= 99 || t.Quantity >= p.RemainingQty

	realized := t.ValueUSD - t.Quantity*p.AvgEntryPrice - t.Fee
	p.RealizedPnL += realized

	switch tpLevel {
	case 1:
		p.TP1Hit = true
	case 2:
		p.TP2Hit = true
	case 3:
		p.TP3Hit = true
	}

	if closing {
		now := t.ExecutedAt
		hold := now.Sub(p.EntryTime).Hours()
		pnlPct := 0.0
		if p.TotalInvested > 0 {
			pnlPct = p.RealizedPnL / p.TotalInvested * 100
		}

		p.Status = PositionClosed
		p.RemainingQty = 0
		p.TotalCost = 0
		p.ExitTime = &now
		p.ExitPrice = &t.Price
		p.RealizedPnLPct = &pnlPct
		p.HoldHours = &hold
		p.CloseDecisionID = t.DecisionID

		_, err = tx.Exec(ctx, `
			UPDATE positions
			SET status = 'CLOSED', remaining_qty = 0, total_cost = 0, realized_pnl = $2,
			    tp1_hit = $3, tp2_hit = $4, tp3_hit = $5,
			    exit_time = $6, exit_price = $7, realized_pnl_pct = $8,
			    hold_hours = $9, close_decision_id = $10
			WHERE id = $1
		`, p.ID, p.RealizedPnL, p.TP1Hit, p.TP2Hit, p.TP3Hit,
			p.ExitTime, p.ExitPrice, p.RealizedPnLPct, p.HoldHours, p.CloseDecisionID)
	} else {
		p.TotalCost -= t.Quantity * p.AvgEntryPrice
		p.RemainingQty -= t.Quantity
		p.PartialExits++
		p.TotalProfitTaken += realized
		_, err = tx.Exec(ctx, `
			UPDATE positions
			SET remaining_qty = $2, total_cost = $3, realized_pnl = $4,
			    partial_exits = $5, total_profit_taken = $6,
			    tp1_hit = $7, tp2_hit = $8, tp3_hit = $9
			WHERE id = $1
		`, p.ID, p.RemainingQty, p.TotalCost, p.RealizedPnL,
			p.PartialExits, p.TotalProfitTaken,
			p.TP1Hit, p.TP2Hit, p.TP3Hit)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to reduce position %s: %w", positionID, err)
	}

	t.PositionID = p.ID
	if _, err = tx.Exec(ctx, insertTradeSQL,
		t.ID, t.PositionID, t.Symbol, t.Type, t.Price, t.Quantity,
		t.ValueUSD, t.Fee, t.OrderID, t.ExecutedAt, t.DecisionID); err != nil {
		return nil, false, fmt.Errorf("failed to insert exit trade: %w", err)
	}

	if t.DecisionID != nil {
		if err = markDecisionExecuted(ctx, tx, *t.DecisionID); err != nil {
			return nil, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit exit: %w", err)
	}

	log.Info().
		Str("symbol", p.Symbol).
		Str("trade_type", string(t.Type)).
		Float64("exit_percent", exitPercent).
		Float64("realized", realized).
		Bool("closed", closing).
		Msg("Position reduced")

	return p, closing, nil
}

func lockPosition(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1 AND status = 'OPEN' FOR UPDATE`

	p, err := scanPosition(tx.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("position %s is not open", id)
		}
		return nil, fmt.Errorf("failed to lock position %s: %w", id, err)
	}

	return p, nil
}
