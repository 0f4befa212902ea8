package backoff

import (
	"context"
	"fmt"
	"time"

	"tg-trend-engine/internal/domain"
)

// State хранит состояние ограничения для одного ключа.
type State struct {
	// Раньше этого момента ключ нельзя опрашивать.
	BlockedUntil time.Time
	// Граница явного ожидания, которое запросила удалённая сторона.
	WaitUntil time.Time
	Failures  int
}

// Store хранит состояния по ключам с атомарным чтением-изменением-записью на ключ.
type Store interface {
	Get(ctx context.Context, key string) (State, error)
	Update(ctx context.Context, key string, fn func(State) State) (State, error)
}

// Key идентифицирует аккаунт или пару (аккаунт, канал).
type Key struct {
	AccountID int64
	ChannelID int64
}

// AccountKey возвращает ключ уровня аккаунта.
func AccountKey(accountID int64) Key {
	return Key{AccountID: accountID}
}

// ChannelKey возвращает ключ пары (аккаунт, канал).
func ChannelKey(key domain.CursorKey) Key {
	return Key{AccountID: key.AccountID, ChannelID: key.ChannelID}
}

func (k Key) String() string {
	if k.ChannelID == 0 {
		return fmt.Sprintf("backoff:acc:%d", k.AccountID)
	}
	return fmt.Sprintf("backoff:acc:%d:ch:%d", k.AccountID, k.ChannelID)
}

// Controller решает, можно ли продолжать опрос по ключу.
type Controller struct {
	store Store
	base  time.Duration
	cap   time.Duration
	now   func() time.Time
}

// Option настраивает Controller.
type Option func(*Controller)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New создаёт контроллер.
func New(store Store, base, cap time.Duration, opts ...Option) *Controller {
	if base <= 0 {
		base = 5 * time.Second
	}
	if cap < base {
		cap = base
	}
	c := &Controller{store: store, base: base, cap: cap, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MayProceed сообщает, истекла ли блокировка ключа.
func (c *Controller) MayProceed(ctx context.Context, key Key) (bool, error) {
	st, err := c.store.Get(ctx, key.String())
	if err != nil {
		return false, fmt.Errorf("backoff: get %s: %w", key, err)
	}
	return !c.now().Before(st.BlockedUntil), nil
}

// BlockedUntil возвращает момент снятия блокировки.
func (c *Controller) BlockedUntil(ctx context.Context, key Key) (time.Time, error) {
	st, err := c.store.Get(ctx, key.String())
	if err != nil {
		return time.Time{}, fmt.Errorf("backoff: get %s: %w", key, err)
	}
	return st.BlockedUntil, nil
}

// RecordRateLimit блокирует ключ ровно на wait; явное ожидание важнее вычисленной паузы.
func (c *Controller) RecordRateLimit(ctx context.Context, key Key, wait time.Duration) error {
	if wait < 0 {
		wait = 0
	}
	until := c.now().Add(wait)
	_, err := c.store.Update(ctx, key.String(), func(st State) State {
		st.WaitUntil = until
		st.BlockedUntil = until
		return st
	})
	if err != nil {
		return fmt.Errorf("backoff: rate limit %s: %w", key, err)
	}
	return nil
}

// RecordTransientFailure увеличивает счётчик ошибок и ставит экспоненциальную паузу.
func (c *Controller) RecordTransientFailure(ctx context.Context, key Key) (time.Duration, error) {
	now := c.now()
	var delay time.Duration
	_, err := c.store.Update(ctx, key.String(), func(st State) State {
		delay = c.delay(st.Failures)
		st.Failures++
		until := now.Add(delay)
		if st.WaitUntil.After(until) {
			until = st.WaitUntil
		}
		st.BlockedUntil = until
		return st
	})
	if err != nil {
		return 0, fmt.Errorf("backoff: failure %s: %w", key, err)
	}
	return delay, nil
}

// RecordSuccess сбрасывает счётчик ошибок.
func (c *Controller) RecordSuccess(ctx context.Context, key Key) error {
	now := c.now()
	_, err := c.store.Update(ctx, key.String(), func(st State) State {
		st.Failures = 0
		if st.WaitUntil.After(now) {
			st.BlockedUntil = st.WaitUntil
		} else {
			st.BlockedUntil = time.Time{}
			st.WaitUntil = time.Time{}
		}
		return st
	})
	if err != nil {
		return fmt.Errorf("backoff: success %s: %w", key, err)
	}
	return nil
}

func (c *Controller) delay(failures int) time.Duration {
	if failures >= 30 {
		return c.cap
	}
	d := c.base << uint(failures)
	if d <= 0 || d > c.cap {
		return c.cap
	}
	return d
}
