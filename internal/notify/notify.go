// Package notify is the engine's outbound-only alert channel: a Telegram
// sender with no interactive command/approval loop. A secondary
// EmailMirror mirrors critical alerts to email as a backup channel.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Notifier is what the monitor/entrypipeline packages depend on,
// so tests can inject a no-op.
type Notifier interface {
	Notify(msg string)
	NotifyRetryExhausted(op string, err error)
	NotifyEscalation(symbol, reason string)
}

// TelegramNotifier sends fire-and-forget Markdown messages to one chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	mirror *EmailMirror
	log    zerolog.Logger
}

// NewTelegramNotifier returns nil if token is empty — a nil-safe notifier
// every call site can use without checking for nil (see Notify below).
func NewTelegramNotifier(token string, chatID int64, mirror *EmailMirror, log zerolog.Logger) *TelegramNotifier {
	if token == "" {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, notifications disabled")
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialise telegram bot, notifications disabled")
		return nil
	}
	log.Info().Str("bot_username", bot.Self.UserName).Msg("telegram notifier authorized")
	return &TelegramNotifier{bot: bot, chatID: chatID, mirror: mirror, log: log.With().Str("component", "notify").Logger()}
}

// Notify sends msg asynchronously; safe to call on a nil receiver.
func (n *TelegramNotifier) Notify(msg string) {
	if n == nil || n.bot == nil || n.chatID == 0 {
		return
	}
	go func() {
		cfg := tgbotapi.NewMessage(n.chatID, msg)
		cfg.ParseMode = "Markdown"
		if _, err := n.bot.Send(cfg); err != nil {
			n.log.Warn().Err(err).Msg("failed to send telegram message")
		}
	}()
}

// NotifyRetryExhausted is the severe-alert helper for retries-exhausted
// scenarios where an operator should look.
func (n *TelegramNotifier) NotifyRetryExhausted(op string, err error) {
	msg := fmt.Sprintf("⚠️ *RETRIES EXHAUSTED*\nop: %s\nerror: %v", op, err)
	n.Notify(msg)
	if n != nil && n.mirror != nil {
		n.mirror.SendCritical("retries exhausted: "+op, msg)
	}
}

// NotifyEscalation is used when a position is left unguarded on one side
// (bracket re-place or TP-replace restore both failed).
func (n *TelegramNotifier) NotifyEscalation(symbol, reason string) {
	msg := fmt.Sprintf("🚨 *MANUAL INTERVENTION NEEDED*\nsymbol: %s\nreason: %s", symbol, reason)
	n.Notify(msg)
	if n != nil && n.mirror != nil {
		n.mirror.SendCritical("position unguarded: "+symbol, msg)
	}
}

var _ Notifier = (*TelegramNotifier)(nil)

// NoopNotifier discards every call; used in tests and when no Telegram
// token is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(string)                    {}
func (NoopNotifier) NotifyRetryExhausted(string, error) {}
func (NoopNotifier) NotifyEscalation(string, string)   {}

var _ Notifier = NoopNotifier{}
