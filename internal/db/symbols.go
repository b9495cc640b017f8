package db

import (
	"context"
	"fmt"
)

// Symbol identifies a tradable pair in the scan universe.
// Tier expresses risk class: 1 blue chip, 2 established, 3 growth, 4 speculative.
type Symbol struct {
	Code        string `db:"code"`
	DisplayName string `db:"display_name"`
	Tier        int    `db:"tier"`
	Active      bool   `db:"active"`
}

// GetActiveSymbols retrieves all active symbols ordered by tier then code
func (db *DB) GetActiveSymbols(ctx context.Context) ([]Symbol, error) {
	query := `
		SELECT code, display_name, tier, active
		FROM symbols
		WHERE active = true
		ORDER BY tier, code
	`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []Symbol
	for rows.Next() {
		var s Symbol
		if err := rows.Scan(&s.Code, &s.DisplayName, &s.Tier, &s.Active); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}

	return symbols, nil
}

// UpsertSymbol inserts or updates a symbol record (administrative load)
func (db *DB) UpsertSymbol(ctx context.Context, s Symbol) error {
	query := `
		INSERT INTO symbols (code, display_name, tier, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    tier = EXCLUDED.tier,
		    active = EXCLUDED.active
	`

	if _, err := db.pool.Exec(ctx, query, s.Code, s.DisplayName, s.Tier, s.Active); err != nil {
		return fmt.Errorf("failed to upsert symbol %s: %w", s.Code, err)
	}

	return nil
}
