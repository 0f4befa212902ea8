package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// RedisEventList публикует события в Redis list; потребитель читает их через BRPOP.
type RedisEventList struct {
	client *redis.Client
	key    string
}

// NewRedisEventList создаёт паблишер по указанному ключу.
func NewRedisEventList(client *redis.Client, key string) *RedisEventList {
	return &RedisEventList{client: client, key: key}
}

// Publish добавляет событие в голову списка.
func (q *RedisEventList) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}
