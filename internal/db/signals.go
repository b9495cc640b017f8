package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SignalOutcome is assigned by the offline learning pass once the signal's
// fate is known
type SignalOutcome string

const (
	OutcomePending           SignalOutcome = "PENDING"
	OutcomeWin               SignalOutcome = "WIN"
	OutcomeLoss              SignalOutcome = "LOSS"
	OutcomeNeutral           SignalOutcome = "NEUTRAL"
	OutcomeNotTraded         SignalOutcome = "NOT_TRADED"
	OutcomeMissedOpportunity SignalOutcome = "MISSED_OPPORTUNITY"
)

// Signal is one symbol's batch of detected transitions for a cycle,
// persisted before the fast advisor sees it. The verdict columns are filled
// in once the batch evaluation comes back.
type Signal struct {
	ID          uuid.UUID `db:"id"`
	Symbol      string    `db:"symbol"`
	Tier        int       `db:"tier"`
	TriggeredBy []string  `db:"triggered_by"`
	Price       float64   `db:"price"`
	CreatedAt   time.Time `db:"created_at"`

	SignalType *string       `db:"signal_type"`
	Strength   *string       `db:"strength"`
	Confidence *float64      `db:"confidence"`
	Reasons    []string      `db:"reasons"`
	Escalated  bool          `db:"escalated"`
	Outcome    SignalOutcome `db:"outcome"`
}

// InsertSignals persists one cycle's triggered signals in a single batch
func (db *DB) InsertSignals(ctx context.Context, signals []*Signal) error {
	if len(signals) == 0 {
		return nil
	}

	query := `
		INSERT INTO signals (id, symbol, tier, triggered_by, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	batch := &pgx.Batch{}
	for _, s := range signals {
		batch.Queue(query, s.ID, s.Symbol, s.Tier, s.TriggeredBy, s.Price, s.CreatedAt)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range signals {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert signal batch: %w", err)
		}
	}

	return nil
}

// UpdateSignalVerdict records the fast advisor's verdict for one signal
func (db *DB) UpdateSignalVerdict(ctx context.Context, id uuid.UUID, signalType, strength string, confidence float64, reasons []string, escalated bool) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE signals
		SET signal_type = $2, strength = $3, confidence = $4, reasons = $5, escalated = $6
		WHERE id = $1
	`, id, signalType, strength, confidence, reasons, escalated)
	if err != nil {
		return fmt.Errorf("failed to update signal verdict %s: %w", id, err)
	}
	return nil
}

// SetSignalOutcome stamps the learning outcome for a signal
func (db *DB) SetSignalOutcome(ctx context.Context, id uuid.UUID, outcome SignalOutcome) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE signals SET outcome = $2 WHERE id = $1`, id, outcome)
	if err != nil {
		return fmt.Errorf("failed to set signal outcome %s: %w", id, err)
	}
	return nil
}

const signalColumns = `
	id, symbol, tier, triggered_by, price, created_at,
	signal_type, strength, confidence, reasons, escalated, outcome
`

func scanSignal(row pgx.Row) (*Signal, error) {
	var s Signal
	err := row.Scan(&s.ID, &s.Symbol, &s.Tier, &s.TriggeredBy, &s.Price, &s.CreatedAt,
		&s.SignalType, &s.Strength, &s.Confidence, &s.Reasons, &s.Escalated, &s.Outcome)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetRecentSignals retrieves the newest signals, most recent first
func (db *DB) GetRecentSignals(ctx context.Context, limit int) ([]*Signal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+signalColumns+` FROM signals ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent signals: %w", err)
	}
	defer rows.Close()

	var signals []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, s)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}

	return signals, nil
}

// GetPendingSignalsBefore retrieves signals still awaiting an outcome that
// are old enough for the learning pass to judge
func (db *DB) GetPendingSignalsBefore(ctx context.Context, cutoff time.Time) ([]*Signal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE outcome = 'PENDING' AND created_at < $1 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending signals: %w", err)
	}
	defer rows.Close()

	var signals []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, s)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}

	return signals, nil
}
