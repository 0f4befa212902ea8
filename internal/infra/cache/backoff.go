package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-trend-engine/internal/infra/metrics"
	"tg-trend-engine/internal/usecase/backoff"
)

const backoffUpdateRetries = 10

// BackoffStore хранит состояния ограничений в Redis для нескольких процессов.
// Изменение ключа выполняется в WATCH/MULTI и повторяется при конфликте.
type BackoffStore struct {
	client *redis.Client
	// сколько хранить состояние после окончания блокировки
	retention time.Duration
	now       func() time.Time
}

var _ backoff.Store = (*BackoffStore)(nil)

// NewBackoffStore создаёт хранилище.
func NewBackoffStore(client *redis.Client, retention time.Duration) *BackoffStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &BackoffStore{client: client, retention: retention, now: time.Now}
}

type backoffRecord struct {
	BlockedUntil int64 `json:"blocked_until"`
	WaitUntil    int64 `json:"wait_until"`
	Failures     int   `json:"failures"`
}

func encodeState(s backoff.State) ([]byte, error) {
	rec := backoffRecord{Failures: s.Failures}
	if !s.BlockedUntil.IsZero() {
		rec.BlockedUntil = s.BlockedUntil.UnixMilli()
	}
	if !s.WaitUntil.IsZero() {
		rec.WaitUntil = s.WaitUntil.UnixMilli()
	}
	return json.Marshal(rec)
}

func decodeState(data []byte) (backoff.State, error) {
	if len(data) == 0 {
		return backoff.State{}, nil
	}
	var rec backoffRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return backoff.State{}, fmt.Errorf("decode backoff state: %w", err)
	}
	s := backoff.State{Failures: rec.Failures}
	if rec.BlockedUntil > 0 {
		s.BlockedUntil = time.UnixMilli(rec.BlockedUntil)
	}
	if rec.WaitUntil > 0 {
		s.WaitUntil = time.UnixMilli(rec.WaitUntil)
	}
	return s, nil
}

// stateTTL держит запись до конца блокировки плюс retention, чтобы не терять счётчик неудач.
func (s *BackoffStore) stateTTL(state backoff.State) time.Duration {
	ttl := s.retention
	until := state.BlockedUntil
	if state.WaitUntil.After(until) {
		until = state.WaitUntil
	}
	if left := until.Sub(s.now()); left > 0 {
		ttl += left
	}
	return ttl
}

// Get возвращает состояние ключа.
func (s *BackoffStore) Get(ctx context.Context, key string) (backoff.State, error) {
	start := time.Now()
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	metrics.ObserveNetworkRequest("redis", "backoff_get", "backoff", start, err)
	if err != nil {
		return backoff.State{}, err
	}
	return decodeState(data)
}

// Update атомарно применяет fn к состоянию ключа.
func (s *BackoffStore) Update(ctx context.Context, key string, fn func(backoff.State) backoff.State) (backoff.State, error) {
	var result backoff.State
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		current, err := decodeState(data)
		if err != nil {
			return err
		}
		next := fn(current)
		encoded, err := encodeState(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.stateTTL(next))
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	start := time.Now()
	var err error
	for i := 0; i < backoffUpdateRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	metrics.ObserveNetworkRequest("redis", "backoff_update", "backoff", start, err)
	if err != nil {
		return backoff.State{}, err
	}
	return result, nil
}
