package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TradeType identifies what a fill did to its position
type TradeType string

const (
	TradeEntry       TradeType = "ENTRY"
	TradeDCA         TradeType = "DCA"
	TradePartialExit TradeType = "PARTIAL_EXIT"
	TradeFullExit    TradeType = "FULL_EXIT"
)

// Trade is one executed fill against a position
type Trade struct {
	ID         uuid.UUID  `db:"id"`
	PositionID uuid.UUID  `db:"position_id"`
	Symbol     string     `db:"symbol"`
	Type       TradeType  `db:"trade_type"`
	Price      float64    `db:"price"`
	Quantity   float64    `db:"quantity"`
	ValueUSD   float64    `db:"value_usd"`
	Fee        float64    `db:"fee"`
	OrderID    string     `db:"order_id"`
	ExecutedAt time.Time  `db:"executed_at"`
	DecisionID *uuid.UUID `db:"decision_id"`
}

const insertTradeSQL = `
	INSERT INTO trades (
		id, position_id, symbol, trade_type, price, quantity,
		value_usd, fee, order_id, executed_at, decision_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// GetTradesForPosition retrieves all fills for a position in execution order
func (db *DB) GetTradesForPosition(ctx context.Context, positionID uuid.UUID) ([]Trade, error) {
	query := `
		SELECT id, position_id, symbol, trade_type, price, quantity,
		       value_usd, fee, order_id, executed_at, decision_id
		FROM trades
		WHERE position_id = $1
		ORDER BY executed_at
	`

	rows, err := db.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Symbol, &t.Type, &t.Price,
			&t.Quantity, &t.ValueUSD, &t.Fee, &t.OrderID, &t.ExecutedAt, &t.DecisionID); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}

// GetTradesSince retrieves all fills executed after the cutoff, newest first
func (db *DB) GetTradesSince(ctx context.Context, since time.Time) ([]Trade, error) {
	query := `
		SELECT id, position_id, symbol, trade_type, price, quantity,
		       value_usd, fee, order_id, executed_at, decision_id
		FROM trades
		WHERE executed_at >= $1
		ORDER BY executed_at DESC
	`

	rows, err := db.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades since %s: %w", since, err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Symbol, &t.Type, &t.Price,
			&t.Quantity, &t.ValueUSD, &t.Fee, &t.OrderID, &t.ExecutedAt, &t.DecisionID); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}
