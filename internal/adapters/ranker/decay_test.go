package ranker

import (
	"math"
	"testing"
	"time"

	"tg-trend-engine/internal/domain"
)

func testRanker() *DecayRanker {
	return NewDecay(Weights{Views: 1, Reactions: 20, Forwards: 50, Comments: 30}, map[domain.Window]time.Duration{
		domain.Window24h: 6 * time.Hour,
		domain.Window7d:  48 * time.Hour,
	})
}

func TestRecencyBreaksEqualEngagement(t *testing.T) {
	r := testRanker()
	now := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	x := domain.ScoredMessage{ID: 1, Date: now.Add(-time.Hour), Engagement: domain.Engagement{Views: 1000}}
	y := domain.ScoredMessage{ID: 2, Date: now.Add(-20 * time.Hour), Engagement: domain.Engagement{Views: 1000}}

	sx, okX := r.ScoreMessage(x, domain.Window24h, now)
	sy, okY := r.ScoreMessage(y, domain.Window24h, now)
	if !okX || !okY {
		t.Fatalf("оба сообщения должны попадать в окно 24h")
	}
	if sx <= sy {
		t.Fatalf("более свежее сообщение должно иметь большую оценку: %v <= %v", sx, sy)
	}
}

func TestScoreIsPure(t *testing.T) {
	r := testRanker()
	now := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	m := domain.ScoredMessage{ID: 1, Date: now.Add(-3 * time.Hour), Engagement: domain.Engagement{Views: 10, Reactions: 2, Forwards: 1, Comments: 1}}
	a, _ := r.ScoreMessage(m, domain.Window7d, now)
	b, _ := r.ScoreMessage(m, domain.Window7d, now)
	if a != b {
		t.Fatalf("повторный расчёт должен давать тот же результат")
	}
	want := (10 + 40 + 50 + 30) * math.Exp(-math.Ln2*3.0/48.0)
	if math.Abs(a-want) > 1e-9 {
		t.Fatalf("ожидали %v, получили %v", want, a)
	}
}

func TestHalfLife(t *testing.T) {
	r := testRanker()
	if got := r.Trend(6*time.Hour, domain.Window24h); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("через период полураспада множитель 0.5, получили %v", got)
	}
	if got := r.Trend(-time.Hour, domain.Window24h); got != 1 {
		t.Fatalf("будущие даты не усиливают оценку, получили %v", got)
	}
}

func TestOutsideWindowNotScored(t *testing.T) {
	r := testRanker()
	now := time.Now()
	old := domain.ScoredMessage{ID: 1, Date: now.Add(-25 * time.Hour), Engagement: domain.Engagement{Views: 100}}
	if _, ok := r.ScoreMessage(old, domain.Window24h, now); ok {
		t.Fatalf("сообщение старше окна не оценивается")
	}
	if _, ok := r.ScoreMessage(old, domain.Window7d, now); !ok {
		t.Fatalf("сообщение должно попадать в окно 7d")
	}
}

func TestScoreTopicSumsMembersInWindow(t *testing.T) {
	r := testRanker()
	now := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	topic := domain.TopicSnapshot{TopicID: 3, Members: []domain.ScoredMessage{
		{ID: 1, Date: now, Engagement: domain.Engagement{Views: 100}},
		{ID: 2, Date: now, Engagement: domain.Engagement{Views: 50}},
		{ID: 3, Date: now.Add(-48 * time.Hour), Engagement: domain.Engagement{Views: 1000}},
	}}
	score, ok := r.ScoreTopic(topic, domain.Window24h, now)
	if !ok || score != 150 {
		t.Fatalf("ожидали 150 по участникам в окне, получили %v (%v)", score, ok)
	}
	if _, ok := r.ScoreTopic(domain.TopicSnapshot{TopicID: 4}, domain.Window24h, now); ok {
		t.Fatalf("тема без участников в окне не оценивается")
	}
}

func TestSortEntries(t *testing.T) {
	entries := []domain.RankingEntry{{EntityID: 3, Score: 1}, {EntityID: 1, Score: 5}, {EntityID: 2, Score: 5}}
	SortEntries(entries)
	if entries[0].EntityID != 1 || entries[1].EntityID != 2 || entries[2].EntityID != 3 {
		t.Fatalf("неожиданный порядок: %+v", entries)
	}
}
