package decision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/advisor"
	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/indicators"
	"github.com/quantfold/tradepilot/internal/news"
	"github.com/quantfold/tradepilot/internal/scanner"
)

const rulesCacheTTL = time.Hour

// Store is the persistence surface the decision maker needs
type Store interface {
	InsertDecision(ctx context.Context, d *db.Decision) error
	GetTopRules(ctx context.Context, limit int) ([]db.Rule, error)
}

// Request carries everything the deep advisor should see for one symbol
type Request struct {
	SignalID  *uuid.UUID
	Symbol    string
	CoinName  string
	Tier      int
	Source    db.DecisionSource
	Snapshot  *indicators.Snapshot
	Verdict   *advisor.FastVerdict
	Position  *db.Position
	Portfolio string
	Extra     string
}

// Maker builds context bundles, calls the deep advisor and applies the
// confidence floors. Every verdict is persisted with its full prompt so the
// offline learning pass can replay it.
type Maker struct {
	store Store
	deep  *advisor.DeepAdvisor
	news  *news.Service
	conf  config.ConfidenceConfig

	rulesMu        sync.Mutex
	rules          []db.Rule
	rulesFetchedAt time.Time
}

// NewMaker creates a decision maker
func NewMaker(store Store, deep *advisor.DeepAdvisor, newsSvc *news.Service, conf config.ConfidenceConfig) *Maker {
	return &Maker{store: store, deep: deep, news: newsSvc, conf: conf}
}

// Decide evaluates one symbol. The returned decision is already downgraded
// where confidence fell below the per-action floor, and persisted.
func (m *Maker) Decide(ctx context.Context, req Request) (*db.Decision, error) {
	prompt := m.buildPrompt(ctx, req)

	verdict, err := m.deep.Decide(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("deep advisor failed for %s: %w", req.Symbol, err)
	}

	action, reasoning := m.applyConfidenceFloor(verdict)

	d := &db.Decision{
		ID:          uuid.New(),
		SignalID:    req.SignalID,
		Symbol:      req.Symbol,
		Source:      req.Source,
		Action:      db.DecisionAction(action),
		Confidence:  verdict.Confidence,
		Reasoning:   reasoning,
		Prompt:      prompt,
		RawResponse: verdict.Raw,
		CreatedAt:   time.Now().UTC(),
	}
	if verdict.PositionSizeUSD > 0 {
		d.PositionSizeUSD = &verdict.PositionSizeUSD
	}
	if verdict.ExitPercent > 0 {
		d.ExitPercent = &verdict.ExitPercent
	}

	if err := m.store.InsertDecision(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to persist decision for %s: %w", req.Symbol, err)
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("action", string(d.Action)).
		Float64("confidence", d.Confidence).
		Str("source", string(req.Source)).
		Msg("Decision made")

	return d, nil
}

// applyConfidenceFloor rewrites low-confidence actions to their safe
// equivalents: an uncertain entry becomes PASS, an uncertain exit or DCA
// becomes HOLD. The downgrade is noted in the reasoning for the audit trail.
func (m *Maker) applyConfidenceFloor(v *advisor.DeepDecision) (advisor.Action, string) {
	downgrade := func(to advisor.Action, floor float64) (advisor.Action, string) {
		note := fmt.Sprintf(" [confidence %.2f below %.2f floor, downgraded from %s]",
			v.Confidence, floor, v.Action)
		return to, v.Reasoning + note
	}

	switch v.Action {
	case advisor.ActionBuy:
		if v.Confidence < m.conf.MinEntry {
			return downgrade(advisor.ActionPass, m.conf.MinEntry)
		}
	case advisor.ActionSell, advisor.ActionPartialExit:
		if v.Confidence < m.conf.MinExit {
			return downgrade(advisor.ActionHold, m.conf.MinExit)
		}
	case advisor.ActionDCA:
		if v.Confidence < m.conf.MinDCA {
			return downgrade(advisor.ActionHold, m.conf.MinDCA)
		}
	}

	return v.Action, v.Reasoning
}

func (m *Maker) buildPrompt(ctx context.Context, req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Symbol: %s (tier %d)\n\n", req.Symbol, req.Tier)

	fmt.Fprintf(&b, "TECHNICAL INDICATORS:\n%s\n", scanner.Summarize(req.Snapshot))
	if len(req.Snapshot.Support) > 0 || len(req.Snapshot.Resistance) > 0 {
		fmt.Fprintf(&b, "Support %v | Resistance %v\n", req.Snapshot.Support, req.Snapshot.Resistance)
	}
	b.WriteString("\n")

	if req.Verdict != nil {
		fmt.Fprintf(&b, "SCREENER VERDICT: %s %s (confidence %.2f)\n",
			req.Verdict.Strength, req.Verdict.SignalType, req.Verdict.Confidence)
		if len(req.Verdict.Reasons) > 0 {
			fmt.Fprintf(&b, "Reasons: %s\n", strings.Join(req.Verdict.Reasons, "; "))
		}
		b.WriteString("\n")
	}

	if req.Position != nil {
		p := req.Position
		pnlPct := 0.0
		if p.AvgEntryPrice > 0 {
			pnlPct = (req.Snapshot.Price - p.AvgEntryPrice) / p.AvgEntryPrice * 100
		}
		fmt.Fprintf(&b, "OPEN POSITION:\nEntry %.4f, avg %.4f, qty %.6f, cost $%.2f\n",
			p.EntryPrice, p.AvgEntryPrice, p.RemainingQty, p.TotalCost)
		fmt.Fprintf(&b, "Unrealized P&L %.2f%% | stop %.4f | TP %.4f/%.4f/%.4f | DCA level %d | held %.1fh\n\n",
			pnlPct, p.StopLossPrice, p.TP1Price, p.TP2Price, p.TP3Price,
			p.DCALevel, time.Since(p.EntryTime).Hours())
	}

	if req.Extra != "" {
		fmt.Fprintf(&b, "%s\n\n", req.Extra)
	}

	items := m.news.Headlines(ctx, req.Symbol, news.ItemsForTier(req.Tier))
	fmt.Fprintf(&b, "RECENT NEWS:\n%s\n\n", news.FormatForPrompt(items))

	fmt.Fprintf(&b, "PORTFOLIO:\n%s\n\n", req.Portfolio)

	if rules := m.topRules(ctx); len(rules) > 0 {
		b.WriteString("LEARNED RULES (from past outcomes):\n")
		for _, r := range rules {
			fmt.Fprintf(&b, "- %s (win rate %.0f%%, n=%d)\n", r.Text, r.WinRate*100, r.SampleCount)
		}
		b.WriteString("\n")
	}

	b.WriteString("Decide one action for this symbol.")
	return b.String()
}

// topRules returns the five highest-weighted learned rules, cached for an
// hour. Rules change only when the offline learning job runs.
func (m *Maker) topRules(ctx context.Context) []db.Rule {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()

	if time.Since(m.rulesFetchedAt) < rulesCacheTTL {
		return m.rules
	}

	rules, err := m.store.GetTopRules(ctx, 5)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load learned rules, reusing cache")
		return m.rules
	}

	m.rules = rules
	m.rulesFetchedAt = time.Now()
	return m.rules
}
