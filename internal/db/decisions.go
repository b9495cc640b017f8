package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DecisionAction is what the deep advisor told the executor to do
type DecisionAction string

const (
	ActionBuy         DecisionAction = "BUY"
	ActionDCA         DecisionAction = "DCA"
	ActionSell        DecisionAction = "SELL"
	ActionPartialExit DecisionAction = "PARTIAL_EXIT"
	ActionHold        DecisionAction = "HOLD"
	ActionPass        DecisionAction = "PASS"
)

// DecisionSource records which path produced the decision
type DecisionSource string

const (
	SourceAdvisor     DecisionSource = "ADVISOR"
	SourceExitScanner DecisionSource = "EXIT_SCANNER"
	SourceStopLoss    DecisionSource = "STOP_LOSS"
	SourceTakeProfit  DecisionSource = "TAKE_PROFIT"
	SourceManual      DecisionSource = "MANUAL"
)

// Decision is one deep-advisor verdict with its full prompt, kept for audit
// and for the offline learning pass. Executed flips inside the same
// transaction that records the resulting fill.
type Decision struct {
	ID       uuid.UUID      `db:"id"`
	SignalID *uuid.UUID     `db:"signal_id"`
	Symbol   string         `db:"symbol"`
	Source   DecisionSource `db:"source"`

	Action          DecisionAction `db:"action"`
	Confidence      float64        `db:"confidence"`
	PositionSizeUSD *float64       `db:"position_size_usd"`
	ExitPercent     *float64       `db:"exit_percent"`
	Reasoning       string         `db:"reasoning"`

	Prompt      string `db:"prompt"`
	RawResponse string `db:"raw_response"`

	Executed       bool      `db:"executed"`
	ExecutionNotes *string   `db:"execution_notes"`
	CreatedAt      time.Time `db:"created_at"`
}

// InsertDecision persists a decision before execution is attempted
func (db *DB) InsertDecision(ctx context.Context, d *Decision) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO decisions (
			id, signal_id, symbol, source, action, confidence,
			position_size_usd, exit_percent, reasoning,
			prompt, raw_response, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		d.ID, d.SignalID, d.Symbol, d.Source, d.Action, d.Confidence,
		d.PositionSizeUSD, d.ExitPercent, d.Reasoning,
		d.Prompt, d.RawResponse, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// markDecisionExecuted flips the executed flag inside the caller's transaction
func markDecisionExecuted(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	if _, err := tx.Exec(ctx,
		`UPDATE decisions SET executed = true WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark decision %s executed: %w", id, err)
	}
	return nil
}

// MarkDecisionNotExecuted records why a decision produced no trade
func (db *DB) MarkDecisionNotExecuted(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE decisions SET execution_notes = $2 WHERE id = $1`, id, reason); err != nil {
		return fmt.Errorf("failed to record decision notes for %s: %w", id, err)
	}
	return nil
}

// HasRecentDecision reports whether an advisor decision for the symbol was
// made inside the dedup window. Used to keep one symbol from burning deep
// calls every cycle.
func (db *DB) HasRecentDecision(ctx context.Context, symbol string, window time.Duration) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM decisions
			WHERE symbol = $1 AND source = 'ADVISOR' AND created_at >= $2
		)
	`, symbol, time.Now().Add(-window)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recent decisions for %s: %w", symbol, err)
	}
	return exists, nil
}

// GetRecentDecisions retrieves the newest decisions, most recent first
func (db *DB) GetRecentDecisions(ctx context.Context, limit int) ([]*Decision, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, signal_id, symbol, source, action, confidence,
		       position_size_usd, exit_percent, reasoning,
		       prompt, raw_response, executed, execution_notes, created_at
		FROM decisions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.SignalID, &d.Symbol, &d.Source, &d.Action,
			&d.Confidence, &d.PositionSizeUSD, &d.ExitPercent, &d.Reasoning,
			&d.Prompt, &d.RawResponse, &d.Executed, &d.ExecutionNotes, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, &d)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}

	return decisions, nil
}
