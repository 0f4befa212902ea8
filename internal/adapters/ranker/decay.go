package ranker

import (
	"math"
	"sort"
	"time"

	"tg-trend-engine/internal/domain"
)

// Weights задаёт веса счётчиков вовлечённости.
type Weights struct {
	Views     float64
	Reactions float64
	Forwards  float64
	Comments  float64
}

// DecayRanker считает popularity × trend с экспоненциальным затуханием по возрасту.
type DecayRanker struct {
	Weights   Weights
	HalfLives map[domain.Window]time.Duration
}

// NewDecay создаёт ранжировщик.
func NewDecay(weights Weights, halfLives map[domain.Window]time.Duration) *DecayRanker {
	hl := make(map[domain.Window]time.Duration, len(domain.Windows))
	for _, w := range domain.Windows {
		hl[w] = w.Duration() / 4
	}
	for w, d := range halfLives {
		if d > 0 {
			hl[w] = d
		}
	}
	return &DecayRanker{Weights: weights, HalfLives: hl}
}

// Popularity взвешивает счётчики вовлечённости.
func (r *DecayRanker) Popularity(e domain.Engagement) float64 {
	return r.Weights.Views*float64(e.Views) +
		r.Weights.Reactions*float64(e.Reactions) +
		r.Weights.Forwards*float64(e.Forwards) +
		r.Weights.Comments*float64(e.Comments)
}

// Trend возвращает множитель затухания для возраста age в окне.
func (r *DecayRanker) Trend(age time.Duration, window domain.Window) float64 {
	if age < 0 {
		age = 0
	}
	halfLife := r.HalfLives[window]
	if halfLife <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * age.Seconds() / halfLife.Seconds())
}

// InWindow сообщает, попадает ли момент ts в окно, заканчивающееся в now.
func InWindow(ts, now time.Time, window domain.Window) bool {
	return !ts.Before(now.Add(-window.Duration())) && !ts.After(now)
}

// ScoreMessage оценивает сообщение. ok=false, если сообщение вне окна.
func (r *DecayRanker) ScoreMessage(m domain.ScoredMessage, window domain.Window, now time.Time) (float64, bool) {
	if !InWindow(m.Date, now, window) {
		return 0, false
	}
	return r.Popularity(m.Engagement) * r.Trend(now.Sub(m.Date), window), true
}

// ScoreTopic суммирует оценки участников темы внутри окна. ok=false, если таких нет.
func (r *DecayRanker) ScoreTopic(t domain.TopicSnapshot, window domain.Window, now time.Time) (float64, bool) {
	members := make([]domain.ScoredMessage, len(t.Members))
	copy(members, t.Members)
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	var total float64
	found := false
	for _, m := range members {
		score, ok := r.ScoreMessage(m, window, now)
		if !ok {
			continue
		}
		total += score
		found = true
	}
	return total, found
}

// SortEntries упорядочивает записи по убыванию оценки, при равенстве по id.
func SortEntries(entries []domain.RankingEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].EntityID < entries[j].EntityID
	})
}
