package telegram

import (
	"context"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
)

type stubSender struct {
	sent []tgbotapi.MessageConfig
}

func (s *stubSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		s.sent = append(s.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func TestNotifyAccountDeactivated(t *testing.T) {
	sender := &stubSender{}
	n := NewNotifier(sender, zerolog.Nop())
	acc := domain.Account{ID: 5, OwnerTGID: 777, Phone: "+79990001122"}
	if err := n.NotifyAccountDeactivated(context.Background(), acc, "AUTH_KEY_UNREGISTERED"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("ожидали одно сообщение, получили %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.ChatID != 777 {
		t.Fatalf("ожидали чат 777, получили %d", msg.ChatID)
	}
	if !strings.Contains(msg.Text, "AUTH_KEY_UNREGISTERED") || strings.Contains(msg.Text, "+79990001122") {
		t.Fatalf("текст должен содержать причину и скрывать телефон: %q", msg.Text)
	}
}

func TestNotifySkipsOwnerWithoutTelegramID(t *testing.T) {
	sender := &stubSender{}
	n := NewNotifier(sender, zerolog.Nop())
	if err := n.NotifyAccountDeactivated(context.Background(), domain.Account{ID: 1}, "x"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("без telegram id владельца сообщение не отправляется")
	}
}

func TestMaskPhone(t *testing.T) {
	if got := maskPhone("+79990001122"); got != "+7********22" {
		t.Fatalf("неожиданная маска %q", got)
	}
	if got := maskPhone("12"); got != "***" {
		t.Fatalf("неожиданная маска %q", got)
	}
}
