package mtproto

import (
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/tgerr"

	"tg-trend-engine/internal/domain"
)

var revokedTypes = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_PERM_EMPTY",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

var inaccessibleTypes = []string{
	"CHANNEL_PRIVATE",
	"CHANNEL_INVALID",
	"CHANNEL_PUBLIC_GROUP_NA",
	"CHAT_FORBIDDEN",
	"USERNAME_INVALID",
	"USERNAME_NOT_OCCUPIED",
}

// mapError переводит ошибки Telegram в доменные.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		if wait <= 0 {
			wait = time.Second
		}
		return fmt.Errorf("%s: %w", op, &domain.RateLimitError{Wait: wait})
	}
	if tgerr.Is(err, revokedTypes...) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrSessionRevoked, err)
	}
	if tgerr.Is(err, inaccessibleTypes...) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrChannelInaccessible, err)
	}
	if errors.Is(err, domain.ErrSessionRevoked) || errors.Is(err, domain.ErrChannelInaccessible) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// revocationReason возвращает тип ошибки Telegram для записи в last_error.
func revocationReason(err error) string {
	var rpcErr *tgerr.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Type
	}
	return err.Error()
}
