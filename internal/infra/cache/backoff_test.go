package cache

import (
	"testing"
	"time"

	"tg-trend-engine/internal/usecase/backoff"
)

func TestBackoffStateCodecKeepsMilliseconds(t *testing.T) {
	blocked := time.UnixMilli(1_700_000_123_456)
	data, err := encodeState(backoff.State{BlockedUntil: blocked, Failures: 3})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got, err := decodeState(data)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !got.BlockedUntil.Equal(blocked) || got.Failures != 3 {
		t.Fatalf("состояние искажено: %+v", got)
	}
	if !got.WaitUntil.IsZero() {
		t.Fatalf("пустое ожидание должно остаться нулевым, получили %v", got.WaitUntil)
	}
}

func TestDecodeEmptyState(t *testing.T) {
	got, err := decodeState(nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got != (backoff.State{}) {
		t.Fatalf("ожидали нулевое состояние, получили %+v", got)
	}
}

func TestStateTTLCoversLongestBlock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := &BackoffStore{retention: time.Hour, now: func() time.Time { return now }}
	ttl := s.stateTTL(backoff.State{BlockedUntil: now.Add(10 * time.Minute), WaitUntil: now.Add(30 * time.Minute)})
	if ttl != 90*time.Minute {
		t.Fatalf("ожидали 90m, получили %v", ttl)
	}
	if got := s.stateTTL(backoff.State{}); got != time.Hour {
		t.Fatalf("без блокировки ожидали retention, получили %v", got)
	}
}
