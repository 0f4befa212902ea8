package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
)

// Backend-ы публикации событий.
const (
	BackendRabbitMQ     = "rabbitmq"
	BackendRabbitMQHTTP = "rabbitmq-http"
	BackendRedis        = "redis"
	BackendLog          = "log"
)

// Options описывает выбор и параметры backend-а событий.
type Options struct {
	Backend       string
	RabbitURL     string
	ManagementURL string
	Exchange      string
	RedisKey      string
}

// LogPublisher пишет события в лог. Используется, когда брокер не настроен.
type LogPublisher struct {
	log zerolog.Logger
}

// NewLogPublisher создаёт паблишер в лог.
func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

// Publish записывает событие.
func (p *LogPublisher) Publish(_ context.Context, event domain.Event) error {
	p.log.Info().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Int64("topic_id", event.TopicID).
		Int64("account_id", event.AccountID).
		Msg("events: published")
	return nil
}

// NewPublisher выбирает реализацию по opts.Backend.
func NewPublisher(opts Options, rdb *redis.Client, log zerolog.Logger) (domain.EventPublisher, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendRabbitMQ:
		if opts.RabbitURL == "" {
			log.Warn().Msg("events: RABBITMQ_URL пуст, события пишутся в лог")
			return NewLogPublisher(log), nil
		}
		return NewAMQPPublisher(opts.RabbitURL, opts.Exchange)
	case BackendRabbitMQHTTP:
		return NewRabbitHTTPPublisher(opts.RabbitURL, opts.ManagementURL, opts.Exchange)
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("events: redis backend requires REDIS_ADDR")
		}
		return NewRedisEventList(rdb, opts.RedisKey), nil
	case BackendLog, "":
		return NewLogPublisher(log), nil
	default:
		return nil, fmt.Errorf("events: unknown backend %q", opts.Backend)
	}
}
