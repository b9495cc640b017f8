package advisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Strength is the fast advisor's quality rating for one signal
type Strength string

const (
	StrengthStrong   Strength = "STRONG"
	StrengthModerate Strength = "MODERATE"
	StrengthWeak     Strength = "WEAK"
	StrengthTrap     Strength = "TRAP"
)

// SignalType is the fast advisor's directional read
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalNone SignalType = "NONE"
)

// BatchItem is one triggered signal presented to the fast advisor
type BatchItem struct {
	SignalID uuid.UUID
	Symbol   string
	Tier     int
	Triggers []string
	Summary  string
	HasOpen  bool
}

// FastVerdict is the fast advisor's per-signal outcome after the advisor
// gates are applied. Escalate already reflects the confidence and
// multi-trigger gates; the filter layer adds the portfolio-aware ones.
type FastVerdict struct {
	SignalID   uuid.UUID
	Symbol     string
	SignalType SignalType
	Strength   Strength
	Confidence float64
	Reasons    []string
	Escalate   bool
}

// FastConfig holds escalation gate settings
type FastConfig struct {
	MinConfidence    float64
	StrongConfidence float64
	MinTriggers      int
}

// FastAdvisor is the cheap first-tier filter. It sees every signal of a
// cycle in one batched call and decides which are worth a deep evaluation.
type FastAdvisor struct {
	client *Client
	cfg    FastConfig
}

// NewFastAdvisor creates the first-tier advisor
func NewFastAdvisor(client *Client, cfg FastConfig) *FastAdvisor {
	return &FastAdvisor{client: client, cfg: cfg}
}

const fastSystemPrompt = `You are a cryptocurrency signal screener. You receive a batch of technical signals and rate each one. Respond ONLY with a JSON array, one object per signal, in the same order:
[{"symbol": "...", "signal_type": "BUY"|"SELL"|"NONE", "strength": "STRONG"|"MODERATE"|"WEAK"|"TRAP", "confidence": 0.0-1.0, "escalate": true|false, "reasons": ["..."]}]
STRONG means the setup justifies a full analysis right now; TRAP means the signal looks like bait. Be skeptical: most signals are noise.`

type fastRawVerdict struct {
	Symbol     string   `json:"symbol"`
	SignalType string   `json:"signal_type"`
	Strength   string   `json:"strength"`
	Confidence float64  `json:"confidence"`
	Escalate   bool     `json:"escalate"`
	Reasons    []string `json:"reasons"`
}

// EvaluateBatch rates every signal in one call and applies the advisor
// gates: the advisor must want escalation with a STRONG or MODERATE rating
// at sufficient confidence, and a single-trigger signal only passes when
// rated STRONG at high confidence. Advisor failures and unparseable
// verdicts never escalate; a missed opportunity is cheaper than a blind
// deep call.
func (f *FastAdvisor) EvaluateBatch(ctx context.Context, items []BatchItem) ([]FastVerdict, error) {
	if len(items) == 0 {
		return nil, nil
	}

	content, err := f.client.CompleteWithSystem(ctx, fastSystemPrompt, buildFastPrompt(items))
	if err != nil {
		return nil, fmt.Errorf("fast advisor call failed: %w", err)
	}

	var raw []fastRawVerdict
	if err := ParseJSONResponse(content, &raw); err != nil {
		log.Warn().Err(err).Msg("Fast advisor returned unparseable batch")
		raw = nil
	}

	bySymbol := make(map[string]fastRawVerdict, len(raw))
	for _, r := range raw {
		bySymbol[strings.ToUpper(r.Symbol)] = r
	}

	verdicts := make([]FastVerdict, 0, len(items))
	for _, item := range items {
		v := FastVerdict{
			SignalID:   item.SignalID,
			Symbol:     item.Symbol,
			SignalType: SignalNone,
			Strength:   StrengthWeak,
		}

		r, ok := bySymbol[strings.ToUpper(item.Symbol)]
		if !ok {
			v.Reasons = []string{"Parse error"}
			verdicts = append(verdicts, v)
			continue
		}

		v.SignalType = normalizeSignalType(r.SignalType)
		v.Strength = normalizeStrength(r.Strength)
		v.Confidence = r.Confidence
		v.Reasons = r.Reasons
		v.Escalate = f.shouldEscalate(item, r.Escalate, v)
		verdicts = append(verdicts, v)
	}

	return verdicts, nil
}

func (f *FastAdvisor) shouldEscalate(item BatchItem, advisorWants bool, v FastVerdict) bool {
	if !advisorWants || v.Confidence < f.cfg.MinConfidence {
		return false
	}
	if v.Strength != StrengthStrong && v.Strength != StrengthModerate {
		return false
	}
	if len(item.Triggers) >= f.cfg.MinTriggers {
		return true
	}
	return v.Strength == StrengthStrong && v.Confidence >= f.cfg.StrongConfidence
}

func normalizeStrength(s string) Strength {
	switch Strength(strings.ToUpper(strings.TrimSpace(s))) {
	case StrengthStrong:
		return StrengthStrong
	case StrengthModerate:
		return StrengthModerate
	case StrengthTrap:
		return StrengthTrap
	default:
		return StrengthWeak
	}
}

func normalizeSignalType(s string) SignalType {
	switch SignalType(strings.ToUpper(strings.TrimSpace(s))) {
	case SignalBuy:
		return SignalBuy
	case SignalSell:
		return SignalSell
	default:
		return SignalNone
	}
}

func buildFastPrompt(items []BatchItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rate these %d signals:\n\n", len(items))
	for i, item := range items {
		position := "no open position"
		if item.HasOpen {
			position = "open position held"
		}
		fmt.Fprintf(&b, "%d. %s (tier %d, %s)\n   Triggers: %s\n   %s\n",
			i+1, item.Symbol, item.Tier, position,
			strings.Join(item.Triggers, ", "), item.Summary)
	}
	return b.String()
}
