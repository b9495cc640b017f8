package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/db"
)

// TelegramSink posts events to one or more Telegram chats
type TelegramSink struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
}

// NewTelegramSink creates a Telegram sink
func NewTelegramSink(botToken string, chatIDs []int64) (*TelegramSink, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	log.Info().
		Str("bot_username", api.Self.UserName).
		Int("chat_count", len(chatIDs)).
		Msg("Telegram sink initialized")

	return &TelegramSink{api: api, chatIDs: chatIDs}, nil
}

// Name identifies the sink in logs and routing
func (t *TelegramSink) Name() string { return "telegram" }

// Send posts the event to every configured chat. Partial delivery counts
// as success; a chat that rejects the bot should not re-page the others.
func (t *TelegramSink) Send(ctx context.Context, e *db.Event) error {
	if len(t.chatIDs) == 0 {
		return fmt.Errorf("no telegram chat IDs configured")
	}

	text := formatTelegram(e)

	var lastErr error
	delivered := 0
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "Markdown"

		if _, err := t.api.Send(msg); err != nil {
			log.Error().
				Err(err).
				Int64("chat_id", chatID).
				Str("title", e.Title).
				Msg("Failed to send Telegram message")
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return fmt.Errorf("failed to deliver to any chat: %w", lastErr)
	}
	return nil
}

func formatTelegram(e *db.Event) string {
	emoji := "ℹ️"
	switch e.Severity {
	case db.SeverityWarning:
		emoji = "⚠️"
	case db.SeverityCritical:
		emoji = "🚨"
	}

	header := fmt.Sprintf("%s *%s*", emoji, e.Title)
	if e.Symbol != "" {
		header += fmt.Sprintf(" `%s`", e.Symbol)
	}
	return header + "\n" + e.Message
}
