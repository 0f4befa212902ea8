package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker выдаёт эксклюзивные блокировки с TTL.
type RedisLocker struct {
	client *redis.Client
}

var _ domain.Locker = (*RedisLocker)(nil)

// NewLocker создаёт блокировщик.
func NewLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire пытается взять ключ. ok=false, если ключ держит кто-то другой.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	start := time.Now()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	metrics.ObserveNetworkRequest("redis", "lock_acquire", "lock", start, err)
	if err != nil || !ok {
		return func() {}, false, err
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
