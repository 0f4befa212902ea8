package repo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// feedQuery собирает запрос ленты по подпискам владельца.
func feedQuery(filter domain.FeedFilter) (string, []any) {
	args := []any{filter.OwnerID}
	where := []string{"sub.user_id = $1"}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.ChannelID > 0 {
		add("m.channel_id = ?", filter.ChannelID)
	}
	if filter.Type != "" {
		add("m.type = ?", string(filter.Type))
	}
	if filter.Lang != "" {
		add("m.lang = ?", filter.Lang)
	}
	if !filter.From.IsZero() {
		add("m.date >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		add("m.date < ?", filter.To)
	}
	args = append(args, filter.Limit)
	query := `
SELECT ` + messageColumns + `
FROM messages m
JOIN subscriptions sub ON sub.channel_id = m.channel_id
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY m.date DESC, m.id DESC
LIMIT $` + strconv.Itoa(len(args))
	return query, args
}

// FeedMessages возвращает ленту владельца, новые сообщения первыми.
func (p *Postgres) FeedMessages(ctx context.Context, filter domain.FeedFilter) ([]domain.Message, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query, args := feedQuery(filter)
	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "feed_list", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MessagesByIDs возвращает сообщения по внутренним id. Отсутствующие пропускаются.
func (p *Postgres) MessagesByIDs(ctx context.Context, ids []int64) ([]domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ANY($1)`, ids)
	metrics.ObserveNetworkRequest("postgres", "messages_by_ids", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// TopicsByIDs возвращает темы по id.
func (p *Postgres) TopicsByIDs(ctx context.Context, ids []int64) ([]domain.Topic, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, scope, title, state, created_at, last_activity_at
FROM topics WHERE id = ANY($1)
`, ids)
	metrics.ObserveNetworkRequest("postgres", "topics_by_ids", "topics", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []domain.Topic
	for rows.Next() {
		var (
			t     domain.Topic
			state string
		)
		if err := rows.Scan(&t.ID, &t.Scope, &t.Title, &state, &t.CreatedAt, &t.LastActivityAt); err != nil {
			return nil, err
		}
		t.State = domain.TopicState(state)
		topics = append(topics, t)
	}
	return topics, rows.Err()
}
