package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/db"
)

// Store is the persistence surface for the event feed
type Store interface {
	InsertEvent(ctx context.Context, e *db.Event) error
}

// Bus appends events to the persistent feed and mirrors them onto NATS for
// live subscribers. The feed is authoritative; the NATS publish is
// best-effort and never fails an enqueue.
type Bus struct {
	store   Store
	nc      *nats.Conn
	subject string
}

// New creates an event bus. A nil NATS connection disables mirroring.
func New(store Store, nc *nats.Conn, subject string) *Bus {
	return &Bus{store: store, nc: nc, subject: subject}
}

// Connect dials NATS, returning nil on failure so the engine can run
// without a broker
func Connect(url string) *nats.Conn {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("NATS unavailable, event mirroring disabled")
		return nil
	}
	log.Info().Str("url", url).Msg("Connected to NATS")
	return nc
}

// Enqueue appends one event to the feed
func (b *Bus) Enqueue(ctx context.Context, eventType db.EventType, severity db.EventSeverity, symbol, title, message string) error {
	e := &db.Event{
		Type:     eventType,
		Severity: severity,
		Symbol:   symbol,
		Title:    title,
		Message:  message,
	}

	if err := b.store.InsertEvent(ctx, e); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	if b.nc != nil {
		payload, err := json.Marshal(e)
		if err == nil {
			if err := b.nc.Publish(b.subject, payload); err != nil {
				log.Warn().Err(err).Str("subject", b.subject).Msg("NATS publish failed")
			}
		}
	}

	return nil
}
