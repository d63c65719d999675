package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/bus"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// Sender is the part of the bot API the sink uses
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink posts signals and alerts to one chat
type TelegramSink struct {
	api    Sender
	chatID int64
}

// NewTelegramSink connects a bot with token
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")
	return NewTelegramSinkWith(api, chatID), nil
}

// NewTelegramSinkWith uses an existing sender
func NewTelegramSinkWith(api Sender, chatID int64) *TelegramSink {
	return &TelegramSink{api: api, chatID: chatID}
}

func (t *TelegramSink) Name() string { return "telegram-sink" }

func (t *TelegramSink) Notify(_ context.Context, sig types.Signal) error {
	return t.send(FormatSignal(sig))
}

func (t *TelegramSink) Alert(_ context.Context, a bus.Alert) error {
	return t.send(fmt.Sprintf("⚠️ *%s* from `%s`\n%s", a.Level, a.Source, a.Message))
}

func (t *TelegramSink) send(text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
