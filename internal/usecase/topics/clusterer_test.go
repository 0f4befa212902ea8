package topics

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"tg-trend-engine/internal/domain"
)

type counterIDs struct {
	next int64
}

func (c *counterIDs) NextTopicID(context.Context) (int64, error) {
	c.next++
	return c.next, nil
}

var base = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

func msg(id int64, minutes int, text string, tags ...string) domain.Message {
	return domain.Message{
		ID:        id,
		ChannelID: id % 3,
		MsgID:     id,
		Date:      base.Add(time.Duration(minutes) * time.Minute),
		Text:      text,
		Lang:      "en",
		Hashtags:  tags,
	}
}

func defaultConfig() Config {
	return Config{Threshold: 0.7, TextWeight: 0.7, HashtagWeight: 0.3, Inactivity: 6 * time.Hour, RepresentativeTokens: 32}
}

func TestSimilarityThresholdScenario(t *testing.T) {
	scores := map[int64]float64{1: 0.82, 2: 0.82, 3: 0.40}
	sim := func(m domain.Message, _ Features, _ Representative) float64 { return scores[m.ID] }
	c := NewClusterer(defaultConfig(), &counterIDs{next: 99}, sim)
	c.Restore([]domain.OpenTopicRecord{{
		Topic: domain.Topic{ID: 7, Scope: "en", State: domain.TopicOpen, CreatedAt: base, LastActivityAt: base},
	}})

	res, err := c.Assign(context.Background(), []domain.Message{
		msg(1, 10, "first"), msg(2, 11, "second"), msg(3, 12, "third"),
	}, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got := partition(res)
	if got[1] != 7 || got[2] != 7 {
		t.Fatalf("сообщения с похожестью 0.82 должны попасть в тему 7: %v", got)
	}
	if got[3] != 100 {
		t.Fatalf("сообщение с похожестью 0.40 должно открыть новую тему: %v", got)
	}
	if len(res.Opened) != 1 || res.Opened[0] != 100 {
		t.Fatalf("ожидали одну новую тему, получили %v", res.Opened)
	}
	if ids := res.Updated[7]; len(ids) != 2 {
		t.Fatalf("тема 7 должна получить двух участников, получили %v", ids)
	}
}

func permutationCorpus() []domain.Message {
	return []domain.Message{
		msg(1, 0, "Central bank raises interest rates again", "economy"),
		msg(2, 5, "Interest rates raised by central bank today", "economy"),
		msg(3, 7, "Football championship final tonight", "sport"),
		msg(4, 9, "Championship final football match tonight", "sport"),
		msg(5, 12, "Central bank interest rates decision explained", "economy"),
		msg(6, 15, "New smartphone release announced", "tech"),
		msg(7, 15, "Smartphone release announced with new camera", "tech"),
		msg(8, 20, "Championship football final results", "sport"),
	}
}

func TestAssignIsPermutationInvariant(t *testing.T) {
	corpus := permutationCorpus()
	ref, err := NewClusterer(defaultConfig(), &counterIDs{}, nil).Assign(context.Background(), corpus, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := partition(ref)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]domain.Message, len(corpus))
		copy(shuffled, corpus)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		res, err := NewClusterer(defaultConfig(), &counterIDs{}, nil).Assign(context.Background(), shuffled, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		got := partition(res)
		for id, topic := range want {
			if got[id] != topic {
				t.Fatalf("перестановка %d дала другое разбиение: %v vs %v", i, got, want)
			}
		}
	}
}

func TestDefaultSimilarityGroupsRelatedMessages(t *testing.T) {
	res, err := NewClusterer(defaultConfig(), &counterIDs{}, nil).Assign(context.Background(), []domain.Message{
		msg(1, 0, "Central bank raises interest rates", "economy"),
		msg(2, 1, "Central bank raises interest rates", "economy"),
		msg(3, 2, "Football championship final tonight", "sport"),
	}, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got := partition(res)
	if got[1] != got[2] {
		t.Fatalf("одинаковые сообщения должны попасть в одну тему: %v", got)
	}
	if got[3] == got[1] {
		t.Fatalf("несвязанное сообщение должно открыть отдельную тему: %v", got)
	}
}

func TestMessageWithoutHashtagsJudgedOnText(t *testing.T) {
	c := NewClusterer(defaultConfig(), &counterIDs{}, nil)
	set := func(keys ...string) map[string]struct{} {
		out := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			out[k] = struct{}{}
		}
		return out
	}
	rep := Representative{Tokens: set("central", "bank"), Hashtags: set("economy")}

	if got := c.weightedJaccard(domain.Message{}, Features{Tokens: set("central", "bank"), Hashtags: set()}, rep); got != 1 {
		t.Fatalf("без хэштегов похожесть должна считаться только по тексту: ожидали 1, получили %v", got)
	}
	got := c.weightedJaccard(domain.Message{}, Features{Tokens: set("central", "bank"), Hashtags: set("sport")}, rep)
	if got < 0.69 || got > 0.71 {
		t.Fatalf("несовпавшие хэштеги должны снижать похожесть до 0.7, получили %v", got)
	}
}

func TestInactiveTopicClosesAndNeverReopens(t *testing.T) {
	c := NewClusterer(defaultConfig(), &counterIDs{}, nil)
	ctx := context.Background()
	first, err := c.Assign(ctx, []domain.Message{msg(1, 0, "Central bank raises interest rates", "economy")}, base)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	topicID := first.Opened[0]

	late := msg(2, 7*60, "Central bank raises interest rates", "economy")
	res, err := c.Assign(ctx, []domain.Message{late}, late.Date)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(res.Closed) != 1 || res.Closed[0] != topicID {
		t.Fatalf("тема должна закрыться по неактивности: %v", res.Closed)
	}
	got := partition(res)
	if got[2] == topicID {
		t.Fatalf("закрытая тема не должна переоткрываться")
	}
	var closedState domain.TopicState
	for _, tp := range res.Changes.Topics {
		if tp.ID == topicID {
			closedState = tp.State
		}
	}
	if closedState != domain.TopicClosed {
		t.Fatalf("изменения должны содержать закрытую тему")
	}
	if c.OpenCount() != 1 {
		t.Fatalf("в открытом наборе должна остаться одна тема, получили %d", c.OpenCount())
	}
}

func TestTieBreaksByEarliestTopic(t *testing.T) {
	sim := func(domain.Message, Features, Representative) float64 { return 0.9 }
	c := NewClusterer(defaultConfig(), &counterIDs{next: 10}, sim)
	c.Restore([]domain.OpenTopicRecord{
		{Topic: domain.Topic{ID: 5, Scope: "en", State: domain.TopicOpen, CreatedAt: base.Add(time.Minute), LastActivityAt: base.Add(time.Minute)}},
		{Topic: domain.Topic{ID: 9, Scope: "en", State: domain.TopicOpen, CreatedAt: base, LastActivityAt: base}},
		{Topic: domain.Topic{ID: 3, Scope: "en", State: domain.TopicOpen, CreatedAt: base.Add(time.Minute), LastActivityAt: base.Add(time.Minute)}},
	})
	res, err := c.Assign(context.Background(), []domain.Message{msg(1, 5, "anything")}, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := partition(res)[1]; got != 9 {
		t.Fatalf("при равной похожести выигрывает самая ранняя тема, получили %d", got)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	c := NewClusterer(defaultConfig(), &counterIDs{}, nil)
	en := msg(1, 0, "Central bank raises interest rates", "economy")
	ru := msg(2, 1, "Central bank raises interest rates", "economy")
	ru.Lang = "ru"
	res, _ := c.Assign(context.Background(), []domain.Message{en, ru}, base.Add(time.Hour))
	got := partition(res)
	if got[1] == got[2] {
		t.Fatalf("сообщения разных языков не должны объединяться")
	}
}

func TestOpenTopicCapPerScope(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxOpenPerScope = 2
	c := NewClusterer(cfg, &counterIDs{}, nil)
	res, err := c.Assign(context.Background(), []domain.Message{
		msg(1, 0, "alpha story about rockets"),
		msg(2, 1, "banking sector report quarterly"),
		msg(3, 2, "gardening tomatoes summer tips"),
	}, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if c.OpenCount() != 2 {
		t.Fatalf("ожидали не больше двух открытых тем, получили %d", c.OpenCount())
	}
	if len(res.Closed) != 1 || res.Closed[0] != 1 {
		t.Fatalf("должна закрыться наименее активная тема: %v", res.Closed)
	}
}

func partition(res Result) map[int64]int64 {
	out := make(map[int64]int64, len(res.Changes.Memberships))
	for _, m := range res.Changes.Memberships {
		out[m.MessageID] = m.TopicID
	}
	return out
}
