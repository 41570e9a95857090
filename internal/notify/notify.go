// Package notify implements the optional Telegram alert sink (spec.md
// §4.10, ambient per SPEC_FULL §2.1): a consumer of the engine's Update
// broadcast that pushes SessionStopped, OrderFailed and OrderFilled events
// to a single chat; other updates are ignored. Adapted from web3guy0-polybot/internal/bot/telegram.go's
// send-formatted-markdown idiom, trimmed to a one-way notifier with no
// inbound command listener since this core has no interactive Telegram UI.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/internal/events"
)

// Sink receives engine Update values and forwards the ones worth alerting
// on to Telegram. Nil-safe: a Sink with no configured bot silently drops
// everything, so wiring it is optional.
type Sink struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New connects to the Telegram Bot API. Returns (nil, nil) if token is
// empty — notify is optional per spec.md §6's TELEGRAM_BOT_TOKEN.
func New(token string, chatID int64) (*Sink, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: connect telegram: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("notify: telegram connected")
	return &Sink{api: api, chatID: chatID}, nil
}

// Run drains updates until the channel closes, sending a message for each
// event kind this sink cares about. Call from its own goroutine, fed by a
// Trade Bus subscription on the engine's update channel.
func (s *Sink) Run(updates <-chan any) {
	for raw := range updates {
		s.handle(raw)
	}
}

func (s *Sink) handle(raw any) {
	if s == nil || s.api == nil {
		return
	}
	switch u := raw.(type) {
	case events.SessionStopped:
		s.send(fmt.Sprintf("🔴 *Session stopped*\nSession: `%s`\nReason: %s", u.SessionID, escapeMarkdown(u.Reason)))
	case events.OrderFailed:
		s.send(fmt.Sprintf("⚠️ *Order failed*\nSession: `%s`\nOrder: `%s`\nReason: %s", u.SessionID, u.OrderID, escapeMarkdown(u.Reason)))
	case events.OrderFilled:
		s.send(fmt.Sprintf("✅ *Fill*\nSession: `%s`\nAsset: `%s`\nPrice: %.4f\nSlippage: %.0f bps", u.SessionID, u.AssetID, u.FillPrice, u.SlippageBps))
	}
}

func (s *Sink) send(text string) {
	msg := tgbotapi.NewMessage(s.chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	if _, err := s.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("notify: send failed")
	}
}

func escapeMarkdown(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '_', '*', '[', ']', '`':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
