// Package feed отдаёт сообщения для чтения: ленту подписок и развёрнутый рейтинг.
package feed

import (
	"context"
	"errors"
	"fmt"

	"tg-trend-engine/internal/domain"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// ErrInvalidFilter возвращается для противоречивых фильтров ленты.
var ErrInvalidFilter = errors.New("некорректный фильтр ленты")

// TopItem содержит запись рейтинга вместе с сущностью для показа.
// Message или Topic пусты, если сущность уже удалена.
type TopItem struct {
	Entry   domain.RankingEntry
	Message *domain.Message
	Topic   *domain.Topic
}

// Service читает ленту и разворачивает рейтинг.
type Service struct {
	repo domain.FeedRepo
}

// NewService создаёт сервис ленты.
func NewService(repo domain.FeedRepo) *Service {
	return &Service{repo: repo}
}

// Feed возвращает сообщения каналов, на которые подписан владелец.
func (s *Service) Feed(ctx context.Context, filter domain.FeedFilter) ([]domain.Message, error) {
	if filter.OwnerID == 0 {
		return nil, fmt.Errorf("%w: владелец не задан", ErrInvalidFilter)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, fmt.Errorf("%w: date_from должен быть раньше date_to", ErrInvalidFilter)
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultLimit
	case filter.Limit > maxLimit:
		filter.Limit = maxLimit
	}
	msgs, err := s.repo.FeedMessages(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("feed: list: %w", err)
	}
	return msgs, nil
}

// Present подтягивает сообщения или темы для записей рейтинга, сохраняя их порядок.
func (s *Service) Present(ctx context.Context, entries []domain.RankingEntry) ([]TopItem, error) {
	var msgIDs, topicIDs []int64
	for _, e := range entries {
		switch e.Kind {
		case domain.EntityMessage:
			msgIDs = append(msgIDs, e.EntityID)
		case domain.EntityTopic:
			topicIDs = append(topicIDs, e.EntityID)
		}
	}
	msgs := make(map[int64]domain.Message, len(msgIDs))
	if len(msgIDs) > 0 {
		list, err := s.repo.MessagesByIDs(ctx, msgIDs)
		if err != nil {
			return nil, fmt.Errorf("feed: messages: %w", err)
		}
		for _, m := range list {
			msgs[m.ID] = m
		}
	}
	topics := make(map[int64]domain.Topic, len(topicIDs))
	if len(topicIDs) > 0 {
		list, err := s.repo.TopicsByIDs(ctx, topicIDs)
		if err != nil {
			return nil, fmt.Errorf("feed: topics: %w", err)
		}
		for _, t := range list {
			topics[t.ID] = t
		}
	}

	items := make([]TopItem, 0, len(entries))
	for _, e := range entries {
		item := TopItem{Entry: e}
		switch e.Kind {
		case domain.EntityMessage:
			if m, ok := msgs[e.EntityID]; ok {
				item.Message = &m
			}
		case domain.EntityTopic:
			if t, ok := topics[e.EntityID]; ok {
				item.Topic = &t
			}
		}
		items = append(items, item)
	}
	return items, nil
}
