package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/adapters/ranker"
	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// TopCachePrefix задаёт префикс ключей кэша топов.
const TopCachePrefix = "top:"

// Scorer считает оценки сущностей.
type Scorer interface {
	ScoreMessage(m domain.ScoredMessage, window domain.Window, now time.Time) (float64, bool)
	ScoreTopic(t domain.TopicSnapshot, window domain.Window, now time.Time) (float64, bool)
}

// Config задаёт параметры пересчёта.
type Config struct {
	LockTTL  time.Duration
	CacheTTL time.Duration
}

// Engine пересчитывает рейтинги по окнам.
type Engine struct {
	repo   domain.RankingRepo
	scorer Scorer
	locker domain.Locker
	cache  domain.Cache
	events domain.EventPublisher
	log    zerolog.Logger
	cfg    Config
	now    func() time.Time
}

// NewEngine создаёт движок ранжирования. locker, cache и events могут быть nil.
func NewEngine(repo domain.RankingRepo, scorer Scorer, locker domain.Locker, cache domain.Cache, events domain.EventPublisher, cfg Config, log zerolog.Logger) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	return &Engine{repo: repo, scorer: scorer, locker: locker, cache: cache, events: events, cfg: cfg, log: log, now: time.Now}
}

// Compute строит записи рейтинга для вида и окна. Чистая функция входных данных и now.
func (e *Engine) Compute(kind domain.EntityKind, window domain.Window, msgs []domain.ScoredMessage, topics []domain.TopicSnapshot, now time.Time) []domain.RankingEntry {
	var entries []domain.RankingEntry
	switch kind {
	case domain.EntityMessage:
		for _, m := range msgs {
			if score, ok := e.scorer.ScoreMessage(m, window, now); ok {
				entries = append(entries, domain.RankingEntry{Kind: kind, EntityID: m.ID, Window: window, Score: score, ComputedAt: now})
			}
		}
	case domain.EntityTopic:
		for _, t := range topics {
			if score, ok := e.scorer.ScoreTopic(t, window, now); ok {
				entries = append(entries, domain.RankingEntry{Kind: kind, EntityID: t.TopicID, Window: window, Score: score, ComputedAt: now})
			}
		}
	}
	ranker.SortEntries(entries)
	return entries
}

// Recompute выполняет полный проход по всем окнам на одном снимке данных.
func (e *Engine) Recompute(ctx context.Context) error {
	now := e.now().UTC().Truncate(time.Millisecond)
	widest := domain.Window7d.Duration()
	msgs, topics, err := e.repo.SnapshotWindow(ctx, now.Add(-widest))
	if err != nil {
		return fmt.Errorf("ranking: snapshot: %w", err)
	}
	var errs []error
	for _, kind := range []domain.EntityKind{domain.EntityMessage, domain.EntityTopic} {
		for _, window := range domain.Windows {
			if err := e.recomputeOne(ctx, kind, window, msgs, topics, now); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if e.cache != nil {
		if err := e.cache.InvalidatePrefix(TopCachePrefix); err != nil {
			e.log.Warn().Err(err).Msg("ranking: invalidate top cache")
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) recomputeOne(ctx context.Context, kind domain.EntityKind, window domain.Window, msgs []domain.ScoredMessage, topics []domain.TopicSnapshot, now time.Time) error {
	start := time.Now()
	if e.locker != nil {
		release, ok, err := e.locker.Acquire(ctx, lockKey(kind, window), e.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("ranking: lock %s/%s: %w", kind, window, err)
		}
		if !ok {
			e.log.Info().Str("kind", string(kind)).Str("window", string(window)).Msg("ranking: pass already running elsewhere")
			return nil
		}
		defer release()
	}
	entries := e.Compute(kind, window, msgs, topics, now)
	if err := e.repo.ApplyRanking(ctx, kind, window, entries, now); err != nil {
		return fmt.Errorf("ranking: apply %s/%s: %w", kind, window, err)
	}
	metrics.ObserveRankingPass(string(kind), string(window), start)
	e.log.Info().Str("kind", string(kind)).Str("window", string(window)).Int("entries", len(entries)).Msg("ranking: recomputed")
	if e.events != nil {
		ev := domain.Event{
			ID:         uuid.NewString(),
			Type:       domain.EventRankingRecomputed,
			Kind:       kind,
			Window:     window,
			Meta:       map[string]any{"entries": len(entries)},
			OccurredAt: now,
		}
		if err := e.events.Publish(ctx, ev); err != nil {
			e.log.Warn().Err(err).Msg("ranking: publish event")
		}
	}
	return nil
}

// Top возвращает лучшие записи, используя кэш.
func (e *Engine) Top(ctx context.Context, kind domain.EntityKind, window domain.Window, limit int) ([]domain.RankingEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	key := TopCacheKey(kind, window, limit)
	if e.cache != nil {
		if raw, err := e.cache.Get(key); err == nil && len(raw) > 0 {
			var cached []domain.RankingEntry
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}
	entries, err := e.repo.TopRankings(ctx, kind, window, limit)
	if err != nil {
		return nil, fmt.Errorf("ranking: top %s/%s: %w", kind, window, err)
	}
	if e.cache != nil {
		if raw, err := json.Marshal(entries); err == nil {
			if err := e.cache.Set(key, raw, e.cfg.CacheTTL); err != nil {
				e.log.Debug().Err(err).Str("key", key).Msg("ranking: cache top")
			}
		}
	}
	return entries, nil
}

// TopCacheKey возвращает ключ кэша для топа.
func TopCacheKey(kind domain.EntityKind, window domain.Window, limit int) string {
	return fmt.Sprintf("%s%s:%s:%d", TopCachePrefix, kind, window, limit)
}

func lockKey(kind domain.EntityKind, window domain.Window) string {
	return fmt.Sprintf("ranking:lock:%s:%s", kind, window)
}
