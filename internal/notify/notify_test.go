package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
)

type feedStore struct {
	pending []*db.Event
	posted  []uuid.UUID
}

func (s *feedStore) GetUnpostedEvents(_ context.Context, limit int) ([]*db.Event, error) {
	if len(s.pending) > limit {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *feedStore) MarkEventsPosted(_ context.Context, ids []uuid.UUID) error {
	s.posted = append(s.posted, ids...)
	return nil
}

type recordSink struct {
	name string
	fail bool
	sent []*db.Event
}

func (s *recordSink) Name() string { return s.name }

func (s *recordSink) Send(_ context.Context, e *db.Event) error {
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.sent = append(s.sent, e)
	return nil
}

func testEvent(severity db.EventSeverity, title string) *db.Event {
	return &db.Event{
		ID:       uuid.New(),
		Type:     db.EventBuy,
		Severity: severity,
		Symbol:   "SOLUSDT",
		Title:    title,
		Message:  "details",
	}
}

func TestDrain(t *testing.T) {
	t.Run("delivers and marks posted", func(t *testing.T) {
		e1 := testEvent(db.SeverityInfo, "BUY SOLUSDT")
		e2 := testEvent(db.SeverityWarning, "CLOSED SOLUSDT (-4.00%)")
		store := &feedStore{pending: []*db.Event{e1, e2}}
		telegram := &recordSink{name: "telegram"}

		n := New(store, config.NotifyConfig{PerHourLimit: 20}, telegram)
		require.NoError(t, n.Drain(context.Background()))

		assert.Len(t, telegram.sent, 2)
		assert.ElementsMatch(t, []uuid.UUID{e1.ID, e2.ID}, store.posted)
	})

	t.Run("sms only carries critical events", func(t *testing.T) {
		info := testEvent(db.SeverityInfo, "BUY SOLUSDT")
		critical := testEvent(db.SeverityCritical, "CIRCUIT BREAKER")
		store := &feedStore{pending: []*db.Event{info, critical}}
		telegram := &recordSink{name: "telegram"}
		sms := &recordSink{name: "sms"}

		n := New(store, config.NotifyConfig{PerHourLimit: 20}, telegram, sms)
		require.NoError(t, n.Drain(context.Background()))

		assert.Len(t, telegram.sent, 2)
		require.Len(t, sms.sent, 1)
		assert.Equal(t, "CIRCUIT BREAKER", sms.sent[0].Title)
	})

	t.Run("undelivered events stay in the feed", func(t *testing.T) {
		e := testEvent(db.SeverityInfo, "BUY SOLUSDT")
		store := &feedStore{pending: []*db.Event{e}}
		broken := &recordSink{name: "telegram", fail: true}

		n := New(store, config.NotifyConfig{PerHourLimit: 20}, broken)
		require.NoError(t, n.Drain(context.Background()))

		assert.Empty(t, store.posted)
	})

	t.Run("partial sink failure still counts as delivered", func(t *testing.T) {
		e := testEvent(db.SeverityCritical, "CIRCUIT BREAKER")
		store := &feedStore{pending: []*db.Event{e}}
		broken := &recordSink{name: "sms", fail: true}
		telegram := &recordSink{name: "telegram"}

		n := New(store, config.NotifyConfig{PerHourLimit: 20}, broken, telegram)
		require.NoError(t, n.Drain(context.Background()))

		assert.Equal(t, []uuid.UUID{e.ID}, store.posted)
	})

	t.Run("rate limit defers the remainder", func(t *testing.T) {
		store := &feedStore{pending: []*db.Event{
			testEvent(db.SeverityInfo, "one"),
			testEvent(db.SeverityInfo, "two"),
			testEvent(db.SeverityInfo, "three"),
		}}
		telegram := &recordSink{name: "telegram"}

		n := New(store, config.NotifyConfig{PerHourLimit: 2}, telegram)
		require.NoError(t, n.Drain(context.Background()))

		assert.Len(t, telegram.sent, 2)
		assert.Len(t, store.posted, 2)
	})

	t.Run("empty feed is a no-op", func(t *testing.T) {
		store := &feedStore{}
		telegram := &recordSink{name: "telegram"}

		n := New(store, config.NotifyConfig{PerHourLimit: 20}, telegram)
		require.NoError(t, n.Drain(context.Background()))
		assert.Empty(t, telegram.sent)
	})
}

func TestFormatSMS(t *testing.T) {
	t.Run("includes symbol and message", func(t *testing.T) {
		e := testEvent(db.SeverityCritical, "CIRCUIT BREAKER")
		assert.Equal(t, "CIRCUIT BREAKER SOLUSDT: details", FormatSMS(e))
	})

	t.Run("symbol already in title is not repeated", func(t *testing.T) {
		e := testEvent(db.SeverityInfo, "BUY SOLUSDT")
		assert.Equal(t, "BUY SOLUSDT: details", FormatSMS(e))
	})

	t.Run("truncates to a single segment", func(t *testing.T) {
		e := testEvent(db.SeverityCritical, "CIRCUIT BREAKER")
		e.Message = strings.Repeat("x", 400)

		out := FormatSMS(e)
		assert.Len(t, out, 160)
		assert.True(t, strings.HasSuffix(out, "..."))
	})
}

func TestSMSSinkSend(t *testing.T) {
	t.Run("posts json with bearer auth", func(t *testing.T) {
		var got map[string]string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		sink := NewSMSSink(srv.URL, "test-key", "+15550001234")
		require.NoError(t, sink.Send(context.Background(), testEvent(db.SeverityCritical, "CIRCUIT BREAKER")))

		assert.Equal(t, "+15550001234", got["to"])
		assert.Contains(t, got["message"], "CIRCUIT BREAKER")
	})

	t.Run("gateway error surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		sink := NewSMSSink(srv.URL, "k", "+15550001234")
		err := sink.Send(context.Background(), testEvent(db.SeverityCritical, "CIRCUIT BREAKER"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})
}
