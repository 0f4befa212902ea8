package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Удалённая сторона аннулировала сессию, аккаунт нужно деактивировать.
	ErrSessionRevoked = errors.New("session revoked")
	// Канал недоступен сессии (приватный или удалён).
	ErrChannelInaccessible = errors.New("channel inaccessible")
	// Сырое сообщение невозможно нормализовать.
	ErrMalformedMessage = errors.New("malformed message")

	ErrAccountInactive = errors.New("account inactive")
	ErrAccountNotFound = errors.New("account not found")

	// Нет ключа для версии шифротекста.
	ErrUnknownKeyVersion = errors.New("unknown key version")
)

// RateLimitError сообщает о вынужденной паузе, запрошенной удалённой стороной.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: wait %s", e.Wait)
}

// AsRateLimit возвращает паузу, если err содержит RateLimitError.
func AsRateLimit(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}
