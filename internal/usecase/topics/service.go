package topics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// Service выполняет проходы кластеризации поверх хранилища.
type Service struct {
	repo      domain.TopicRepo
	events    domain.EventPublisher
	clusterer *Clusterer
	log       zerolog.Logger
	lookback  time.Duration
	limit     int
	restored  bool
	now       func() time.Time
	locker    domain.Locker
	lockTTL   time.Duration
}

const passLockKey = "topics:pass"

// NewService создаёт сервис тем.
func NewService(repo domain.TopicRepo, events domain.EventPublisher, cfg Config, lookback time.Duration, limit int, log zerolog.Logger) *Service {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if limit <= 0 {
		limit = 5000
	}
	return &Service{
		repo:      repo,
		events:    events,
		clusterer: NewClusterer(cfg, repo, nil),
		log:       log,
		lookback:  lookback,
		limit:     limit,
		now:       time.Now,
	}
}

// WithLocker включает межпроцессную блокировку прохода. С блокировкой открытые темы
// перечитываются в начале каждого прохода: их могла изменить другая реплика.
func (s *Service) WithLocker(locker domain.Locker, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s.locker = locker
	s.lockTTL = ttl
	return s
}

// RunPass распределяет ещё не кластеризованные сообщения по темам.
func (s *Service) RunPass(ctx context.Context) (Result, error) {
	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, passLockKey, s.lockTTL)
		if err != nil {
			return Result{}, fmt.Errorf("topics: lock: %w", err)
		}
		if !ok {
			s.log.Info().Msg("topics: pass already running elsewhere")
			return Result{}, nil
		}
		defer release()
		s.restored = false
	}

	start := time.Now()
	defer func() { metrics.TopicPassSeconds.Observe(time.Since(start).Seconds()) }()

	if !s.restored {
		records, err := s.repo.ListOpenTopics(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("topics: restore: %w", err)
		}
		s.clusterer.Restore(records)
		s.restored = true
		s.log.Info().Int("open", s.clusterer.OpenCount()).Msg("topics: open topics restored")
	}

	now := s.now().UTC()
	msgs, err := s.repo.ListUnclustered(ctx, now.Add(-s.lookback), s.limit)
	if err != nil {
		return Result{}, fmt.Errorf("topics: list unclustered: %w", err)
	}
	res, err := s.clusterer.Assign(ctx, msgs, now)
	if err != nil {
		s.restored = false
		return Result{}, err
	}
	if len(res.Changes.Topics) > 0 || len(res.Changes.Memberships) > 0 {
		if err := s.repo.SaveClusterChanges(context.WithoutCancel(ctx), res.Changes); err != nil {
			// Память разошлась с базой: на следующем проходе темы перечитываются.
			s.restored = false
			return Result{}, fmt.Errorf("topics: save: %w", err)
		}
	}
	metrics.OpenTopics.Set(float64(s.clusterer.OpenCount()))
	s.publish(ctx, res, now)
	s.log.Info().
		Int("messages", len(msgs)).
		Int("opened", len(res.Opened)).
		Int("updated", len(res.Updated)).
		Int("closed", len(res.Closed)).
		Msg("topics: pass finished")
	return res, nil
}

// Messages возвращает сообщения темы.
func (s *Service) Messages(ctx context.Context, topicID int64) ([]domain.Message, error) {
	msgs, err := s.repo.ListTopicMessages(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("topics: messages of %d: %w", topicID, err)
	}
	return msgs, nil
}

func (s *Service) publish(ctx context.Context, res Result, now time.Time) {
	if s.events == nil {
		return
	}
	members := make(map[int64][]int64)
	for _, m := range res.Changes.Memberships {
		members[m.TopicID] = append(members[m.TopicID], m.MessageID)
	}
	send := func(t domain.EventType, topicID int64, ids []int64) {
		ev := domain.Event{ID: uuid.NewString(), Type: t, TopicID: topicID, MessageIDs: ids, OccurredAt: now}
		if err := s.events.Publish(ctx, ev); err != nil {
			s.log.Warn().Err(err).Str("type", string(t)).Int64("topic_id", topicID).Msg("topics: publish event")
		}
	}
	for _, id := range res.Opened {
		send(domain.EventTopicOpened, id, members[id])
	}
	for id, ids := range res.Updated {
		send(domain.EventTopicUpdated, id, ids)
	}
	for _, id := range res.Closed {
		send(domain.EventTopicClosed, id, nil)
	}
}
