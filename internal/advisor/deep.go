package advisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Action is what the deep advisor recommends
type Action string

const (
	ActionBuy         Action = "BUY"
	ActionDCA         Action = "DCA"
	ActionSell        Action = "SELL"
	ActionPartialExit Action = "PARTIAL_EXIT"
	ActionHold        Action = "HOLD"
	ActionPass        Action = "PASS"
)

// DeepDecision is the deep advisor's full verdict for one symbol
type DeepDecision struct {
	Action          Action  `json:"action"`
	Confidence      float64 `json:"confidence"`
	PositionSizeUSD float64 `json:"position_size_usd"`
	ExitPercent     float64 `json:"exit_percent"`
	Reasoning       string  `json:"reasoning"`

	Raw string `json:"-"`
}

// DeepAdvisor is the expensive second tier. It sees a full context bundle
// for one symbol and returns a concrete trading decision.
type DeepAdvisor struct {
	client *Client
}

// NewDeepAdvisor creates the second-tier advisor
func NewDeepAdvisor(client *Client) *DeepAdvisor {
	return &DeepAdvisor{client: client}
}

const deepSystemPrompt = `You are a disciplined cryptocurrency trading advisor managing real capital. Given full market context for one symbol, decide exactly one action. Respond ONLY with JSON:
{"action": "BUY"|"DCA"|"SELL"|"PARTIAL_EXIT"|"HOLD"|"PASS", "confidence": 0.0-1.0, "position_size_usd": <USD for BUY/DCA, else 0>, "exit_percent": <1-100 for SELL/PARTIAL_EXIT, else 0>, "reasoning": "2-3 sentences"}
BUY opens a new position, DCA averages down an existing one, SELL exits fully, PARTIAL_EXIT takes profit on part. Use PASS when there is no position and no trade is warranted, HOLD when a position exists and should be left alone. Capital preservation beats missed opportunity.`

// Decide evaluates one symbol's context bundle. A malformed response is a
// PASS, never an error: the engine must not trade on garbage and must not
// stall the cycle either.
func (d *DeepAdvisor) Decide(ctx context.Context, prompt string) (*DeepDecision, error) {
	content, err := d.client.CompleteWithSystem(ctx, deepSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("deep advisor call failed: %w", err)
	}

	var decision DeepDecision
	if err := ParseJSONResponse(content, &decision); err != nil {
		log.Warn().Err(err).Msg("Deep advisor returned malformed decision")
		return &DeepDecision{
			Action:    ActionPass,
			Reasoning: "Malformed advisor response",
			Raw:       content,
		}, nil
	}

	decision.Raw = content
	decision.Action = normalizeAction(decision.Action)
	if decision.Confidence < 0 {
		decision.Confidence = 0
	}
	if decision.Confidence > 1 {
		decision.Confidence = 1
	}

	return &decision, nil
}

func normalizeAction(a Action) Action {
	switch Action(strings.ToUpper(strings.TrimSpace(string(a)))) {
	case ActionBuy:
		return ActionBuy
	case ActionDCA:
		return ActionDCA
	case ActionSell:
		return ActionSell
	case ActionPartialExit:
		return ActionPartialExit
	case ActionHold:
		return ActionHold
	default:
		return ActionPass
	}
}
