package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatServer returns an httptest server that replies to every chat
// completion request with the given content string.
func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)

		resp := ChatResponse{
			ID:    "chatcmpl-test",
			Model: req.Model,
			Choices: []ChatChoice{
				{Message: ChatMessage{Role: "assistant", Content: content}, FinishReason: "stop"},
			},
			Usage: ChatUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func testClient(endpoint string) *Client {
	return NewClient("test-advisor", ClientConfig{
		Endpoint: endpoint,
		Model:    "test-model",
	})
}

func TestCompleteWithSystem(t *testing.T) {
	srv := chatServer(t, "hello from the advisor")
	defer srv.Close()

	client := testClient(srv.URL)
	content, err := client.CompleteWithSystem(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello from the advisor", content)
}

func TestCompleteGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate limited", "type": "rate_limit"}}`)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	_, err := client.CompleteWithSystem(context.Background(), "system", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestParseJSONResponse(t *testing.T) {
	type payload struct {
		Action string `json:"action"`
	}

	t.Run("bare json", func(t *testing.T) {
		var p payload
		require.NoError(t, ParseJSONResponse(`{"action": "BUY"}`, &p))
		assert.Equal(t, "BUY", p.Action)
	})

	t.Run("json fenced in markdown", func(t *testing.T) {
		var p payload
		require.NoError(t, ParseJSONResponse("Here you go:\n```json\n{\"action\": \"SELL\"}\n```", &p))
		assert.Equal(t, "SELL", p.Action)
	})

	t.Run("plain code fence", func(t *testing.T) {
		var p payload
		require.NoError(t, ParseJSONResponse("```\n{\"action\": \"HOLD\"}\n```", &p))
		assert.Equal(t, "HOLD", p.Action)
	})

	t.Run("not json at all", func(t *testing.T) {
		var p payload
		assert.Error(t, ParseJSONResponse("I cannot rate these signals.", &p))
	})
}

func fastItem(symbol string, triggers ...string) BatchItem {
	return BatchItem{
		SignalID: uuid.New(),
		Symbol:   symbol,
		Tier:     2,
		Triggers: triggers,
		Summary:  "RSI 28 | MACD bullish",
	}
}

func TestEvaluateBatch(t *testing.T) {
	verdictJSON := `[
		{"symbol": "BTCUSDT", "signal_type": "BUY", "strength": "STRONG", "confidence": 0.82, "escalate": true, "reasons": ["oversold bounce"]},
		{"symbol": "ETHUSDT", "signal_type": "BUY", "strength": "WEAK", "confidence": 0.75, "escalate": true, "reasons": ["noise"]},
		{"symbol": "SOLUSDT", "signal_type": "BUY", "strength": "MODERATE", "confidence": 0.45, "escalate": true, "reasons": ["low conviction"]}
	]`
	srv := chatServer(t, verdictJSON)
	defer srv.Close()

	fast := NewFastAdvisor(testClient(srv.URL), FastConfig{
		MinConfidence:    0.60,
		StrongConfidence: 0.70,
		MinTriggers:      2,
	})

	items := []BatchItem{
		fastItem("BTCUSDT", "RSI_OVERSOLD", "MACD_BULLISH_CROSSOVER"),
		fastItem("ETHUSDT", "VOLUME_SPIKE", "BB_LOWER_TOUCH"),
		fastItem("SOLUSDT", "RSI_OVERSOLD", "EMA_BULLISH_CROSSOVER"),
		fastItem("DOGEUSDT", "VOLUME_SPIKE"),
	}

	verdicts, err := fast.EvaluateBatch(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, verdicts, 4)

	// Strong, confident, advisor wants it
	assert.True(t, verdicts[0].Escalate)
	assert.Equal(t, StrengthStrong, verdicts[0].Strength)

	// Weak rating never escalates regardless of confidence
	assert.False(t, verdicts[1].Escalate)

	// Below the confidence floor
	assert.False(t, verdicts[2].Escalate)

	// Symbol missing from the advisor's answer defaults to a dead verdict
	assert.False(t, verdicts[3].Escalate)
	assert.Equal(t, SignalNone, verdicts[3].SignalType)
	assert.Equal(t, []string{"Parse error"}, verdicts[3].Reasons)
}

func TestShouldEscalateSingleTrigger(t *testing.T) {
	fast := NewFastAdvisor(nil, FastConfig{
		MinConfidence:    0.60,
		StrongConfidence: 0.70,
		MinTriggers:      2,
	})
	single := fastItem("BTCUSDT", "RSI_OVERSOLD")

	t.Run("strong and high confidence passes", func(t *testing.T) {
		v := FastVerdict{Strength: StrengthStrong, Confidence: 0.78}
		assert.True(t, fast.shouldEscalate(single, true, v))
	})

	t.Run("moderate single trigger is rejected", func(t *testing.T) {
		v := FastVerdict{Strength: StrengthModerate, Confidence: 0.78}
		assert.False(t, fast.shouldEscalate(single, true, v))
	})

	t.Run("strong but below strong confidence is rejected", func(t *testing.T) {
		v := FastVerdict{Strength: StrengthStrong, Confidence: 0.65}
		assert.False(t, fast.shouldEscalate(single, true, v))
	})

	t.Run("advisor declining wins", func(t *testing.T) {
		v := FastVerdict{Strength: StrengthStrong, Confidence: 0.90}
		assert.False(t, fast.shouldEscalate(single, false, v))
	})
}

func TestEvaluateBatchUnparseable(t *testing.T) {
	srv := chatServer(t, "sorry, I can't help with that")
	defer srv.Close()

	fast := NewFastAdvisor(testClient(srv.URL), FastConfig{MinConfidence: 0.60, StrongConfidence: 0.70, MinTriggers: 2})
	verdicts, err := fast.EvaluateBatch(context.Background(), []BatchItem{fastItem("BTCUSDT", "RSI_OVERSOLD")})
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.False(t, verdicts[0].Escalate)
}

func TestDeepDecide(t *testing.T) {
	t.Run("parses a full decision", func(t *testing.T) {
		srv := chatServer(t, "```json\n{\"action\": \"buy\", \"confidence\": 0.81, \"position_size_usd\": 600, \"exit_percent\": 0, \"reasoning\": \"Oversold bounce with volume confirmation.\"}\n```")
		defer srv.Close()

		deep := NewDeepAdvisor(testClient(srv.URL))
		d, err := deep.Decide(context.Background(), "context bundle")
		require.NoError(t, err)

		assert.Equal(t, ActionBuy, d.Action)
		assert.InDelta(t, 0.81, d.Confidence, 0.001)
		assert.InDelta(t, 600, d.PositionSizeUSD, 0.001)
		assert.NotEmpty(t, d.Raw)
	})

	t.Run("malformed response becomes a pass", func(t *testing.T) {
		srv := chatServer(t, "The market looks choppy today, I would wait.")
		defer srv.Close()

		deep := NewDeepAdvisor(testClient(srv.URL))
		d, err := deep.Decide(context.Background(), "context bundle")
		require.NoError(t, err)

		assert.Equal(t, ActionPass, d.Action)
		assert.Equal(t, "Malformed advisor response", d.Reasoning)
		assert.Zero(t, d.Confidence)
	})

	t.Run("unknown action normalizes to pass", func(t *testing.T) {
		srv := chatServer(t, `{"action": "SHORT", "confidence": 1.4, "reasoning": "nope"}`)
		defer srv.Close()

		deep := NewDeepAdvisor(testClient(srv.URL))
		d, err := deep.Decide(context.Background(), "context bundle")
		require.NoError(t, err)

		assert.Equal(t, ActionPass, d.Action)
		assert.InDelta(t, 1.0, d.Confidence, 0.001)
	})
}
