package ranking

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-trend-engine/internal/adapters/ranker"
	"tg-trend-engine/internal/domain"
)

type applied struct {
	kind    domain.EntityKind
	window  domain.Window
	entries []domain.RankingEntry
}

type memRankingRepo struct {
	mu       sync.Mutex
	msgs     []domain.ScoredMessage
	topics   []domain.TopicSnapshot
	applied  []applied
	topCalls int
	since    time.Time
}

func (r *memRankingRepo) SnapshotWindow(_ context.Context, since time.Time) ([]domain.ScoredMessage, []domain.TopicSnapshot, error) {
	r.since = since
	return r.msgs, r.topics, nil
}

func (r *memRankingRepo) ApplyRanking(_ context.Context, kind domain.EntityKind, window domain.Window, entries []domain.RankingEntry, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, applied{kind: kind, window: window, entries: entries})
	return nil
}

func (r *memRankingRepo) TopRankings(_ context.Context, kind domain.EntityKind, window domain.Window, limit int) ([]domain.RankingEntry, error) {
	r.topCalls++
	return []domain.RankingEntry{{Kind: kind, Window: window, EntityID: 1, Score: 10}}, nil
}

func (r *memRankingRepo) find(kind domain.EntityKind, window domain.Window) []domain.RankingEntry {
	for i := len(r.applied) - 1; i >= 0; i-- {
		if r.applied[i].kind == kind && r.applied[i].window == window {
			return r.applied[i].entries
		}
	}
	return nil
}

type memCache struct {
	data        map[string][]byte
	invalidated []string
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Once(string, time.Duration, func() error) error { return nil }

func (c *memCache) Set(key string, value []byte, _ time.Duration) error {
	c.data[key] = value
	return nil
}

func (c *memCache) Get(key string) ([]byte, error) {
	v, ok := c.data[key]
	if !ok {
		return nil, errors.New("miss")
	}
	return v, nil
}

func (c *memCache) InvalidatePrefix(prefix string) error {
	c.invalidated = append(c.invalidated, prefix)
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
		}
	}
	return nil
}

type busyLocker struct {
	busy map[string]bool
}

func (l *busyLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	if l.busy[key] {
		return nil, false, nil
	}
	return func() {}, true, nil
}

var now = time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

func newEngine(repo *memRankingRepo, locker domain.Locker, cache domain.Cache) *Engine {
	scorer := ranker.NewDecay(ranker.Weights{Views: 1, Reactions: 20, Forwards: 50, Comments: 30}, map[domain.Window]time.Duration{
		domain.Window24h: 6 * time.Hour,
		domain.Window7d:  48 * time.Hour,
	})
	e := NewEngine(repo, scorer, locker, cache, nil, Config{}, zerolog.Nop())
	e.now = func() time.Time { return now }
	return e
}

func TestRecencyScenario(t *testing.T) {
	repo := &memRankingRepo{msgs: []domain.ScoredMessage{
		{ID: 2, Date: now.Add(-20 * time.Hour), Engagement: domain.Engagement{Views: 1000}},
		{ID: 1, Date: now.Add(-time.Hour), Engagement: domain.Engagement{Views: 1000}},
	}}
	e := newEngine(repo, nil, nil)
	if err := e.Recompute(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	entries := repo.find(domain.EntityMessage, domain.Window24h)
	if len(entries) != 2 {
		t.Fatalf("ожидали 2 записи, получили %d", len(entries))
	}
	if entries[0].EntityID != 1 || entries[0].Score <= entries[1].Score {
		t.Fatalf("X (1 час назад) должен опережать Y (20 часов назад): %+v", entries)
	}
	if !repo.since.Equal(now.Add(-7 * 24 * time.Hour)) {
		t.Fatalf("снимок должен покрывать самое широкое окно, since=%s", repo.since)
	}
}

func TestRecomputeIsDeterministic(t *testing.T) {
	repo := &memRankingRepo{
		msgs: []domain.ScoredMessage{
			{ID: 1, Date: now.Add(-2 * time.Hour), Engagement: domain.Engagement{Views: 10, Reactions: 3}},
			{ID: 2, Date: now.Add(-30 * time.Hour), Engagement: domain.Engagement{Views: 500}},
		},
		topics: []domain.TopicSnapshot{{TopicID: 9, Members: []domain.ScoredMessage{
			{ID: 1, Date: now.Add(-2 * time.Hour), Engagement: domain.Engagement{Views: 10, Reactions: 3}},
		}}},
	}
	e := newEngine(repo, nil, nil)
	_ = e.Recompute(context.Background())
	first := repo.find(domain.EntityTopic, domain.Window7d)
	_ = e.Recompute(context.Background())
	second := repo.find(domain.EntityTopic, domain.Window7d)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("пересчёт на тех же данных должен совпадать")
	}
	if got := repo.find(domain.EntityMessage, domain.Window24h); len(got) != 1 || got[0].EntityID != 1 {
		t.Fatalf("сообщение вне окна 24h не должно попадать в рейтинг: %+v", got)
	}
	if got := repo.find(domain.EntityMessage, domain.Window7d); len(got) != 2 {
		t.Fatalf("в окне 7d ожидали 2 записи, получили %d", len(got))
	}
}

func TestRecomputeSkipsLockedKeys(t *testing.T) {
	repo := &memRankingRepo{msgs: []domain.ScoredMessage{{ID: 1, Date: now, Engagement: domain.Engagement{Views: 1}}}}
	locker := &busyLocker{busy: map[string]bool{lockKey(domain.EntityMessage, domain.Window24h): true}}
	e := newEngine(repo, locker, nil)
	if err := e.Recompute(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(repo.applied) != 3 {
		t.Fatalf("занятый ключ должен пропускаться, применено %d", len(repo.applied))
	}
	for _, a := range repo.applied {
		if a.kind == domain.EntityMessage && a.window == domain.Window24h {
			t.Fatalf("запись по занятому ключу недопустима")
		}
	}
}

func TestTopUsesCacheAndRecomputeInvalidates(t *testing.T) {
	repo := &memRankingRepo{}
	cache := newMemCache()
	e := newEngine(repo, nil, cache)
	ctx := context.Background()

	if _, err := e.Top(ctx, domain.EntityMessage, domain.Window24h, 10); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	top, err := e.Top(ctx, domain.EntityMessage, domain.Window24h, 10)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if repo.topCalls != 1 || len(top) != 1 {
		t.Fatalf("второй запрос должен отдаваться из кэша, обращений к базе: %d", repo.topCalls)
	}

	if err := e.Recompute(ctx); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != TopCachePrefix {
		t.Fatalf("после пересчёта кэш топов сбрасывается: %v", cache.invalidated)
	}
	if _, err := e.Top(ctx, domain.EntityMessage, domain.Window24h, 10); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if repo.topCalls != 2 {
		t.Fatalf("после сброса кэша ожидали обращение к базе")
	}
}
