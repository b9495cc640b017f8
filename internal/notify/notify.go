package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
)

// Store is the persistence surface the notifier drains
type Store interface {
	GetUnpostedEvents(ctx context.Context, limit int) ([]*db.Event, error)
	MarkEventsPosted(ctx context.Context, ids []uuid.UUID) error
}

// Sink delivers one event to an external channel
type Sink interface {
	Name() string
	Send(ctx context.Context, e *db.Event) error
}

// Notifier drains the persistent event feed into the configured sinks.
// Delivery is at-least-once: an event is marked posted once any sink
// accepted it, and a cycle with zero working sinks leaves the feed
// untouched for the next poll.
type Notifier struct {
	store   Store
	sinks   []Sink
	limiter *rate.Limiter
	poll    time.Duration
}

// New creates a notifier. The per-hour limit caps outbound sends so a
// flapping market cannot burn through an SMS quota.
func New(store Store, cfg config.NotifyConfig, sinks ...Sink) *Notifier {
	perHour := cfg.PerHourLimit
	if perHour <= 0 {
		perHour = 20
	}
	poll := time.Duration(cfg.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 30 * time.Second
	}

	return &Notifier{
		store:   store,
		sinks:   sinks,
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour),
		poll:    poll,
	}
}

// Run polls the feed until the context is cancelled
func (n *Notifier) Run(ctx context.Context) {
	if len(n.sinks) == 0 {
		log.Info().Msg("No notification sinks configured, notifier idle")
		return
	}

	ticker := time.NewTicker(n.poll)
	defer ticker.Stop()

	log.Info().
		Int("sinks", len(n.sinks)).
		Dur("poll", n.poll).
		Msg("Notifier started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Notifier stopped")
			return
		case <-ticker.C:
			if err := n.Drain(ctx); err != nil {
				log.Error().Err(err).Msg("Notification drain failed")
			}
		}
	}
}

// Drain delivers one batch of unposted events
func (n *Notifier) Drain(ctx context.Context) error {
	events, err := n.store.GetUnpostedEvents(ctx, 50)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	var posted []uuid.UUID
	for _, e := range events {
		if !n.limiter.Allow() {
			log.Warn().
				Int("pending", len(events)-len(posted)).
				Msg("Notification rate limit reached, deferring remainder")
			break
		}

		delivered := false
		for _, sink := range n.sinks {
			if !wants(sink, e) {
				continue
			}
			if err := sink.Send(ctx, e); err != nil {
				log.Error().
					Err(err).
					Str("sink", sink.Name()).
					Str("title", e.Title).
					Msg("Failed to deliver notification")
				continue
			}
			delivered = true
		}

		if delivered {
			posted = append(posted, e.ID)
		}
	}

	if len(posted) > 0 {
		if err := n.store.MarkEventsPosted(ctx, posted); err != nil {
			return err
		}
		log.Debug().Int("count", len(posted)).Msg("Notifications delivered")
	}

	return nil
}

// wants routes events by severity: SMS only carries critical pages,
// Telegram carries everything.
func wants(sink Sink, e *db.Event) bool {
	if sink.Name() == "sms" {
		return e.Severity == db.SeverityCritical
	}
	return true
}
