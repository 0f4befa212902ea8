package domain

import (
	"context"
	"time"
)

// EventType описывает тип события для конвейера генерации контента.
type EventType string

const (
	// EventTopicOpened — открыта новая тема.
	EventTopicOpened EventType = "topic.opened"
	// EventTopicUpdated — в тему добавлены сообщения.
	EventTopicUpdated EventType = "topic.updated"
	// EventTopicClosed — тема закрыта по неактивности.
	EventTopicClosed EventType = "topic.closed"
	// EventRankingRecomputed — пересчитаны оценки окна.
	EventRankingRecomputed EventType = "ranking.recomputed"
	// EventAccountDeactivated — аккаунт отключён.
	EventAccountDeactivated EventType = "account.deactivated"
)

// Event содержит информацию о событии ядра.
type Event struct {
	ID         string         `json:"event_id"`
	Type       EventType      `json:"type"`
	TopicID    int64          `json:"topic_id,omitempty"`
	AccountID  int64          `json:"account_id,omitempty"`
	Window     Window         `json:"window,omitempty"`
	Kind       EntityKind     `json:"kind,omitempty"`
	MessageIDs []int64        `json:"message_ids,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// EventPublisher публикует события для внешних потребителей.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
