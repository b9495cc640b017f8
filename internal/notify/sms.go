package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quantfold/tradepilot/internal/db"
)

// smsMaxLen is the single-segment SMS limit; longer pages get truncated
// rather than split.
const smsMaxLen = 160

// SMSSink pages critical events through an HTTP SMS gateway
type SMSSink struct {
	gatewayURL string
	apiKey     string
	to         string
	client     *http.Client
}

// NewSMSSink creates an SMS sink
func NewSMSSink(gatewayURL, apiKey, to string) *SMSSink {
	return &SMSSink{
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		to:         to,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies the sink in logs and routing
func (s *SMSSink) Name() string { return "sms" }

// Send posts one message to the gateway
func (s *SMSSink) Send(ctx context.Context, e *db.Event) error {
	payload, err := json.Marshal(map[string]string{
		"to":      s.to,
		"message": FormatSMS(e),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal SMS payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build SMS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("SMS gateway request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("SMS gateway returned %d", resp.StatusCode)
	}
	return nil
}

// FormatSMS renders an event into a single SMS segment
func FormatSMS(e *db.Event) string {
	text := e.Title
	if e.Symbol != "" && !strings.Contains(text, e.Symbol) {
		text += " " + e.Symbol
	}
	if e.Message != "" {
		text += ": " + e.Message
	}
	if len(text) > smsMaxLen {
		text = text[:smsMaxLen-3] + "..."
	}
	return text
}
