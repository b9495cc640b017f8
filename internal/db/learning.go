package db

import (
	"context"
	"fmt"
	"time"
)

// Rule is one heuristic distilled offline from closed-position outcomes.
// Top-scoring active rules are injected into the deep advisor's prompt.
type Rule struct {
	ID          int       `db:"id"`
	Text        string    `db:"rule_text"`
	Category    string    `db:"category"`
	WinRate     float64   `db:"win_rate"`
	SampleCount int       `db:"sample_count"`
	Score       float64   `db:"score"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
}

// GetTopRules retrieves the highest-scoring active rules
func (db *DB) GetTopRules(ctx context.Context, limit int) ([]Rule, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, rule_text, category, win_rate, sample_count, score, active, created_at
		FROM learned_rules
		WHERE active = true
		ORDER BY score DESC, win_rate DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query learned rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.Text, &r.Category, &r.WinRate,
			&r.SampleCount, &r.Score, &r.Active, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, r)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

// UpsertRule inserts or refreshes a learned rule by its text
func (db *DB) UpsertRule(ctx context.Context, r Rule) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO learned_rules (rule_text, category, win_rate, sample_count, score, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (rule_text) DO UPDATE
		SET win_rate = EXCLUDED.win_rate,
		    sample_count = EXCLUDED.sample_count,
		    score = EXCLUDED.score,
		    active = EXCLUDED.active
	`, r.Text, r.Category, r.WinRate, r.SampleCount, r.Score, r.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}
