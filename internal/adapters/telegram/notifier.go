package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// Sender отправляет сообщения Bot API; *tgbotapi.BotAPI подходит.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier сообщает владельцу аккаунта об отключении через бота.
type Notifier struct {
	bot Sender
	log zerolog.Logger
}

var _ domain.Notifier = (*Notifier)(nil)

// NewNotifier создаёт уведомитель.
func NewNotifier(bot Sender, log zerolog.Logger) *Notifier {
	return &Notifier{bot: bot, log: log}
}

// NotifyAccountDeactivated отправляет владельцу причину отключения аккаунта.
func (n *Notifier) NotifyAccountDeactivated(_ context.Context, account domain.Account, reason string) error {
	if account.OwnerTGID == 0 {
		n.log.Debug().Int64("account_id", account.ID).Msg("notifier: owner has no telegram id, skip")
		return nil
	}
	text := fmt.Sprintf("Аккаунт #%d (%s) отключён: Telegram отозвал сессию.\nПричина: %s\nВойдите заново по QR-коду, чтобы возобновить сбор.",
		account.ID, maskPhone(account.Phone), reason)
	for _, part := range SplitMessage(text, MessageLimit) {
		msg := tgbotapi.NewMessage(account.OwnerTGID, part)
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := n.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", "owner", start, err)
		if err != nil {
			return fmt.Errorf("notify owner %d: %w", account.OwnerTGID, err)
		}
	}
	return nil
}

func maskPhone(phone string) string {
	runes := []rune(phone)
	if len(runes) < 4 {
		return "***"
	}
	masked := make([]rune, len(runes))
	for i, r := range runes {
		if i < 2 || i >= len(runes)-2 {
			masked[i] = r
		} else {
			masked[i] = '*'
		}
	}
	return string(masked)
}
