package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// SnapshotWindow читает сообщения и темы начиная с since из одного согласованного снимка.
func (p *Postgres) SnapshotWindow(ctx context.Context, since time.Time) ([]domain.ScoredMessage, []domain.TopicSnapshot, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "ranking_snapshot", start, err)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start = time.Now()
	rows, err := tx.Query(ctx, `
SELECT id, date, views, reactions, forwards, comments
FROM messages WHERE date >= $1
ORDER BY id
`, since)
	metrics.ObserveNetworkRequest("postgres", "ranking_snapshot_messages", "messages", start, err)
	if err != nil {
		return nil, nil, err
	}
	var msgs []domain.ScoredMessage
	for rows.Next() {
		var m domain.ScoredMessage
		if err := rows.Scan(&m.ID, &m.Date, &m.Engagement.Views, &m.Engagement.Reactions, &m.Engagement.Forwards, &m.Engagement.Comments); err != nil {
			rows.Close()
			return nil, nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	start = time.Now()
	rows, err = tx.Query(ctx, `
SELECT tm.topic_id, m.id, m.date, m.views, m.reactions, m.forwards, m.comments
FROM topic_messages tm JOIN messages m ON m.id = tm.message_id
WHERE m.date >= $1
ORDER BY tm.topic_id, m.id
`, since)
	metrics.ObserveNetworkRequest("postgres", "ranking_snapshot_topics", "topic_messages", start, err)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var topics []domain.TopicSnapshot
	for rows.Next() {
		var (
			topicID int64
			m       domain.ScoredMessage
		)
		if err := rows.Scan(&topicID, &m.ID, &m.Date, &m.Engagement.Views, &m.Engagement.Reactions, &m.Engagement.Forwards, &m.Engagement.Comments); err != nil {
			return nil, nil, err
		}
		if n := len(topics); n == 0 || topics[n-1].TopicID != topicID {
			topics = append(topics, domain.TopicSnapshot{TopicID: topicID})
		}
		last := &topics[len(topics)-1]
		last.Members = append(last.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return msgs, topics, nil
}

// ApplyRanking записывает оценки прохода и помечает устаревшими записи, которых в проходе не было.
// Запись с более свежим computed_at не перезаписывается.
func (p *Postgres) ApplyRanking(ctx context.Context, kind domain.EntityKind, window domain.Window, entries []domain.RankingEntry, computedAt time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "ranking", start, err)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
INSERT INTO ranking (kind, entity_id, "window", score, computed_at, stale)
VALUES ($1, $2, $3, $4, $5, false)
ON CONFLICT (kind, entity_id, "window") DO UPDATE
SET score = EXCLUDED.score, computed_at = EXCLUDED.computed_at, stale = false
WHERE ranking.computed_at <= EXCLUDED.computed_at
`, string(kind), e.EntityID, string(window), e.Score, computedAt)
	}
	batch.Queue(`
UPDATE ranking SET stale = true
WHERE kind = $1 AND "window" = $2 AND computed_at < $3 AND NOT stale
`, string(kind), string(window), computedAt)

	start = time.Now()
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err = br.Exec(); err != nil {
			break
		}
	}
	closeErr := br.Close()
	if err == nil {
		err = closeErr
	}
	metrics.ObserveNetworkRequest("postgres", "ranking_apply", "ranking", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit_tx", "ranking", start, err)
	return err
}

// TopRankings возвращает актуальные записи окна по убыванию оценки.
func (p *Postgres) TopRankings(ctx context.Context, kind domain.EntityKind, window domain.Window, limit int) ([]domain.RankingEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT entity_id, score, computed_at
FROM ranking
WHERE kind = $1 AND "window" = $2 AND NOT stale
ORDER BY score DESC, entity_id
LIMIT $3
`, string(kind), string(window), limit)
	metrics.ObserveNetworkRequest("postgres", "ranking_top", "ranking", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.RankingEntry
	for rows.Next() {
		e := domain.RankingEntry{Kind: kind, Window: window}
		if err := rows.Scan(&e.EntityID, &e.Score, &e.ComputedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
