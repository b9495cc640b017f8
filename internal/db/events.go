package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes engine events for routing, display and the
// dashboard's by-type stats
type EventType string

const (
	EventBuy            EventType = "BUY"
	EventSell           EventType = "SELL"
	EventDCA            EventType = "DCA"
	EventPartialExit    EventType = "PARTIAL_EXIT"
	EventCircuitBreaker EventType = "CIRCUIT_BREAKER"
	EventHourlySummary  EventType = "HOURLY_SUMMARY"
	EventExitScanner    EventType = "EXIT_SCANNER_ACTION"
	EventSystem         EventType = "SYSTEM"
	EventExecutionError EventType = "EXECUTION_ERROR"
	EventDrawdownPause  EventType = "DRAWDOWN_PAUSE"
)

// EventSeverity orders events for notification priority
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "INFO"
	SeverityWarning  EventSeverity = "WARNING"
	SeverityCritical EventSeverity = "CRITICAL"
)

// Event is one row in the engine activity feed. Posted flips once the
// notifier has delivered it; delivery failures leave it unposted for retry.
type Event struct {
	ID        uuid.UUID     `db:"id"`
	Type      EventType     `db:"event_type"`
	Severity  EventSeverity `db:"severity"`
	Symbol    string        `db:"symbol"`
	Title     string        `db:"title"`
	Message   string        `db:"message"`
	Posted    bool          `db:"posted"`
	CreatedAt time.Time     `db:"created_at"`
}

// InsertEvent appends an event to the activity feed
func (db *DB) InsertEvent(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO events (id, event_type, severity, symbol, title, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Type, e.Severity, e.Symbol, e.Title, e.Message, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

// GetUnpostedEvents retrieves undelivered events, oldest first
func (db *DB) GetUnpostedEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, event_type, severity, symbol, title, message, posted, created_at
		FROM events
		WHERE posted = false
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unposted events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.Symbol, &e.Title,
			&e.Message, &e.Posted, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// MarkEventsPosted marks a set of events as delivered
func (db *DB) MarkEventsPosted(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := db.pool.Exec(ctx,
		`UPDATE events SET posted = true WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to mark events posted: %w", err)
	}
	return nil
}

// EventStats summarizes the activity feed
type EventStats struct {
	Total    int            `json:"total"`
	Unposted int            `json:"unposted"`
	ByType   map[string]int `json:"by_type"`
}

// GetEventStats summarizes event counts for the dashboard
func (db *DB) GetEventStats(ctx context.Context) (*EventStats, error) {
	stats := &EventStats{ByType: make(map[string]int)}

	rows, err := db.pool.Query(ctx, `
		SELECT event_type, COUNT(*), COUNT(*) FILTER (WHERE posted = false)
		FROM events
		GROUP BY event_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query event stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var total, unposted int
		if err := rows.Scan(&eventType, &total, &unposted); err != nil {
			return nil, fmt.Errorf("failed to scan event stats: %w", err)
		}
		stats.ByType[eventType] = total
		stats.Total += total
		stats.Unposted += unposted
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event stats: %w", err)
	}

	return stats, nil
}

// GetRecentEvents retrieves the newest events, most recent first
func (db *DB) GetRecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, event_type, severity, symbol, title, message, posted, created_at
		FROM events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.Symbol, &e.Title,
			&e.Message, &e.Posted, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
