package topics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/usecase/normalize"
)

// Config задаёт политику кластеризации.
type Config struct {
	Threshold            float64
	TextWeight           float64
	HashtagWeight        float64
	Inactivity           time.Duration
	MaxOpenPerScope      int
	RepresentativeTokens int
}

// Features содержит признаки сообщения для оценки похожести.
type Features struct {
	Tokens   map[string]struct{}
	Hashtags map[string]struct{}
}

// Representative накапливает содержимое открытой темы.
type Representative struct {
	Tokens   map[string]struct{}
	Hashtags map[string]struct{}
}

// SimilarityFunc оценивает похожесть сообщения на тему в диапазоне [0, 1].
type SimilarityFunc func(msg domain.Message, f Features, rep Representative) float64

// IDAllocator выдаёт идентификаторы новых тем.
type IDAllocator interface {
	NextTopicID(ctx context.Context) (int64, error)
}

type openTopic struct {
	topic      domain.Topic
	tokenCount map[string]int
	tagCount   map[string]int
	rep        Representative
}

// Result описывает изменения прохода вместе с идентификаторами для событий.
type Result struct {
	Changes domain.ClusterChanges
	Opened  []int64
	Updated map[int64][]int64
	Closed  []int64
}

// Clusterer держит открытые темы по областям и распределяет по ним сообщения.
// Не потокобезопасен: проходы выполняет один владелец.
type Clusterer struct {
	cfg  Config
	sim  SimilarityFunc
	ids  IDAllocator
	open map[string][]*openTopic
}

// NewClusterer создаёт кластеризатор. sim == nil означает взвешенный Jaccard.
func NewClusterer(cfg Config, ids IDAllocator, sim SimilarityFunc) *Clusterer {
	if cfg.RepresentativeTokens <= 0 {
		cfg.RepresentativeTokens = 32
	}
	if cfg.TextWeight < 0 {
		cfg.TextWeight = 0
	}
	if cfg.HashtagWeight < 0 {
		cfg.HashtagWeight = 0
	}
	c := &Clusterer{cfg: cfg, ids: ids, open: make(map[string][]*openTopic)}
	if sim == nil {
		sim = c.weightedJaccard
	}
	c.sim = sim
	return c
}

// OpenCount возвращает число открытых тем.
func (c *Clusterer) OpenCount() int {
	n := 0
	for _, list := range c.open {
		n += len(list)
	}
	return n
}

// Reset забывает все открытые темы.
func (c *Clusterer) Reset() {
	c.open = make(map[string][]*openTopic)
}

// Restore загружает открытые темы вместе с участниками.
func (c *Clusterer) Restore(records []domain.OpenTopicRecord) {
	c.Reset()
	for _, rec := range records {
		if rec.Topic.State != domain.TopicOpen {
			continue
		}
		ot := &openTopic{topic: rec.Topic, tokenCount: make(map[string]int), tagCount: make(map[string]int)}
		for _, m := range rec.Members {
			ot.absorb(Extract(m))
		}
		ot.refresh(c.cfg.RepresentativeTokens)
		c.open[rec.Topic.Scope] = append(c.open[rec.Topic.Scope], ot)
	}
	for scope := range c.open {
		c.sortScope(scope)
	}
}

// Extract строит признаки сообщения.
func Extract(m domain.Message) Features {
	f := Features{Tokens: make(map[string]struct{}), Hashtags: make(map[string]struct{})}
	for _, tok := range normalize.Tokens(m.Text) {
		f.Tokens[tok] = struct{}{}
	}
	for _, tag := range m.Hashtags {
		f.Hashtags[tag] = struct{}{}
	}
	return f
}

// Scope возвращает область темы для сообщения.
func Scope(m domain.Message) string {
	if m.Lang == "" {
		return "und"
	}
	return m.Lang
}

// Assign распределяет сообщения по темам. Сообщения обрабатываются в каноничном порядке
// (время, канал, id), поэтому результат не зависит от порядка на входе.
// now используется для закрытия тем, неактивных к концу прохода.
func (c *Clusterer) Assign(ctx context.Context, msgs []domain.Message, now time.Time) (Result, error) {
	res := Result{Updated: make(map[int64][]int64)}
	touched := make(map[int64]*openTopic)
	closed := make(map[int64]domain.Topic)

	ordered := make([]domain.Message, len(msgs))
	copy(ordered, msgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.ChannelID != b.ChannelID {
			return a.ChannelID < b.ChannelID
		}
		return a.MsgID < b.MsgID
	})

	for _, m := range ordered {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		scope := Scope(m)
		for _, t := range c.closeInactive(scope, m.Date) {
			closed[t.ID] = t
			res.Closed = append(res.Closed, t.ID)
		}
		f := Extract(m)
		best := c.bestMatch(scope, m, f)
		if best == nil {
			id, err := c.ids.NextTopicID(ctx)
			if err != nil {
				return Result{}, fmt.Errorf("topics: allocate id: %w", err)
			}
			for _, t := range c.enforceCap(scope) {
				closed[t.ID] = t
				res.Closed = append(res.Closed, t.ID)
			}
			best = &openTopic{
				topic: domain.Topic{
					ID:             id,
					Scope:          scope,
					Title:          title(m),
					State:          domain.TopicOpen,
					CreatedAt:      m.Date,
					LastActivityAt: m.Date,
				},
				tokenCount: make(map[string]int),
				tagCount:   make(map[string]int),
			}
			c.open[scope] = append(c.open[scope], best)
			c.sortScope(scope)
			res.Opened = append(res.Opened, id)
		} else {
			res.Updated[best.topic.ID] = append(res.Updated[best.topic.ID], m.ID)
		}
		best.absorb(f)
		best.refresh(c.cfg.RepresentativeTokens)
		if m.Date.After(best.topic.LastActivityAt) {
			best.topic.LastActivityAt = m.Date
		}
		touched[best.topic.ID] = best
		res.Changes.Memberships = append(res.Changes.Memberships, domain.TopicMembership{TopicID: best.topic.ID, MessageID: m.ID})
	}

	for scope := range c.open {
		for _, t := range c.closeInactive(scope, now) {
			closed[t.ID] = t
			res.Closed = append(res.Closed, t.ID)
		}
	}

	for id, ot := range touched {
		if t, ok := closed[id]; ok {
			res.Changes.Topics = append(res.Changes.Topics, t)
			continue
		}
		res.Changes.Topics = append(res.Changes.Topics, ot.topic)
	}
	for id, t := range closed {
		if _, ok := touched[id]; !ok {
			res.Changes.Topics = append(res.Changes.Topics, t)
		}
	}
	sort.Slice(res.Changes.Topics, func(i, j int) bool { return res.Changes.Topics[i].ID < res.Changes.Topics[j].ID })
	for id := range res.Updated {
		if containsID(res.Opened, id) {
			delete(res.Updated, id)
		}
	}
	return res, nil
}

func (c *Clusterer) bestMatch(scope string, m domain.Message, f Features) *openTopic {
	var best *openTopic
	bestScore := 0.0
	for _, ot := range c.open[scope] {
		score := c.sim(m, f, ot.rep)
		if score < c.cfg.Threshold {
			continue
		}
		// Список отсортирован по времени создания и id, поэтому при равенстве остаётся более ранняя тема.
		if best == nil || score > bestScore {
			best, bestScore = ot, score
		}
	}
	return best
}

func (c *Clusterer) closeInactive(scope string, at time.Time) []domain.Topic {
	if c.cfg.Inactivity <= 0 {
		return nil
	}
	list := c.open[scope]
	kept := list[:0]
	var closed []domain.Topic
	for _, ot := range list {
		if at.Sub(ot.topic.LastActivityAt) > c.cfg.Inactivity {
			ot.topic.State = domain.TopicClosed
			closed = append(closed, ot.topic)
			continue
		}
		kept = append(kept, ot)
	}
	c.setScope(scope, kept)
	return closed
}

func (c *Clusterer) enforceCap(scope string) []domain.Topic {
	if c.cfg.MaxOpenPerScope <= 0 {
		return nil
	}
	var closed []domain.Topic
	for len(c.open[scope]) >= c.cfg.MaxOpenPerScope {
		list := c.open[scope]
		victim := 0
		for i, ot := range list {
			v := list[victim]
			if ot.topic.LastActivityAt.Before(v.topic.LastActivityAt) ||
				(ot.topic.LastActivityAt.Equal(v.topic.LastActivityAt) && ot.topic.ID < v.topic.ID) {
				victim = i
			}
		}
		list[victim].topic.State = domain.TopicClosed
		closed = append(closed, list[victim].topic)
		c.setScope(scope, append(list[:victim:victim], list[victim+1:]...))
	}
	return closed
}

func (c *Clusterer) setScope(scope string, list []*openTopic) {
	if len(list) == 0 {
		delete(c.open, scope)
		return
	}
	c.open[scope] = list
}

func (c *Clusterer) sortScope(scope string) {
	list := c.open[scope]
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].topic, list[j].topic
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (c *Clusterer) weightedJaccard(_ domain.Message, f Features, rep Representative) float64 {
	var score, weight float64
	if len(f.Tokens) > 0 || len(rep.Tokens) > 0 {
		score += c.cfg.TextWeight * jaccard(f.Tokens, rep.Tokens)
		weight += c.cfg.TextWeight
	}
	// сообщение без хэштегов оценивается только по тексту
	if len(f.Hashtags) > 0 {
		score += c.cfg.HashtagWeight * jaccard(f.Hashtags, rep.Hashtags)
		weight += c.cfg.HashtagWeight
	}
	if weight == 0 {
		return 0
	}
	return score / weight
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func (ot *openTopic) absorb(f Features) {
	for tok := range f.Tokens {
		ot.tokenCount[tok]++
	}
	for tag := range f.Hashtags {
		ot.tagCount[tag]++
	}
}

// refresh пересобирает представительное содержимое: top-N токенов и все хэштеги.
func (ot *openTopic) refresh(limit int) {
	type kv struct {
		key   string
		count int
	}
	all := make([]kv, 0, len(ot.tokenCount))
	for k, v := range ot.tokenCount {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].key < all[j].key
	})
	if len(all) > limit {
		all = all[:limit]
	}
	rep := Representative{Tokens: make(map[string]struct{}, len(all)), Hashtags: make(map[string]struct{}, len(ot.tagCount))}
	for _, e := range all {
		rep.Tokens[e.key] = struct{}{}
	}
	for tag := range ot.tagCount {
		rep.Hashtags[tag] = struct{}{}
	}
	ot.rep = rep
}

func title(m domain.Message) string {
	line := strings.TrimSpace(strings.SplitN(m.Text, "\n", 2)[0])
	if line == "" && len(m.Hashtags) > 0 {
		line = "#" + strings.Join(m.Hashtags, " #")
	}
	if utf8.RuneCountInString(line) > 80 {
		runes := []rune(line)
		line = strings.TrimSpace(string(runes[:80])) + "…"
	}
	return line
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
