package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

const messageColumns = `m.id, m.channel_id, m.msg_id, m.date, m.text, m.author, m.views, m.reactions, m.forwards, m.comments,
       m.lang, m.type, m.hashtags, m.links, m.media_present`

func scanMessage(row pgx.Row, extra ...any) (domain.Message, error) {
	var (
		msg     domain.Message
		msgType string
	)
	dest := append(extra, &msg.ID, &msg.ChannelID, &msg.MsgID, &msg.Date, &msg.Text, &msg.Author,
		&msg.Engagement.Views, &msg.Engagement.Reactions, &msg.Engagement.Forwards, &msg.Engagement.Comments,
		&msg.Lang, &msgType, &msg.Hashtags, &msg.Links, &msg.MediaPresent)
	if err := row.Scan(dest...); err != nil {
		return domain.Message{}, err
	}
	msg.Type = domain.MessageType(msgType)
	return msg, nil
}

// NextTopicID выдаёт идентификатор новой темы из последовательности.
func (p *Postgres) NextTopicID(ctx context.Context) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var id int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT nextval('topics_id_seq')`).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "topics_next_id", "topics", start, err)
	return id, err
}

// ListOpenTopics возвращает открытые темы вместе с сообщениями.
func (p *Postgres) ListOpenTopics(ctx context.Context) ([]domain.OpenTopicRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, scope, title, state, created_at, last_activity_at
FROM topics WHERE state = 'open'
ORDER BY created_at, id
`)
	metrics.ObserveNetworkRequest("postgres", "topics_list_open", "topics", start, err)
	if err != nil {
		return nil, err
	}
	var (
		records []domain.OpenTopicRecord
		ids     []int64
		index   = make(map[int64]int)
	)
	for rows.Next() {
		var (
			t     domain.Topic
			state string
		)
		if err := rows.Scan(&t.ID, &t.Scope, &t.Title, &state, &t.CreatedAt, &t.LastActivityAt); err != nil {
			rows.Close()
			return nil, err
		}
		t.State = domain.TopicState(state)
		index[t.ID] = len(records)
		records = append(records, domain.OpenTopicRecord{Topic: t})
		ids = append(ids, t.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	start = time.Now()
	rows, err = p.pool.Query(ctx, `
SELECT tm.topic_id, `+messageColumns+`
FROM topic_messages tm JOIN messages m ON m.id = tm.message_id
WHERE tm.topic_id = ANY($1)
ORDER BY tm.topic_id, m.date, m.channel_id, m.msg_id
`, ids)
	metrics.ObserveNetworkRequest("postgres", "topics_list_members", "topic_messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var topicID int64
		msg, err := scanMessage(rows, &topicID)
		if err != nil {
			return nil, err
		}
		if i, ok := index[topicID]; ok {
			records[i].Members = append(records[i].Members, msg)
		}
	}
	return records, rows.Err()
}

// ListUnclustered возвращает сообщения без темы, начиная с since, в каноничном порядке.
func (p *Postgres) ListUnclustered(ctx context.Context, since time.Time, limit int) ([]domain.Message, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+messageColumns+`
FROM messages m
LEFT JOIN topic_messages tm ON tm.message_id = m.id
WHERE tm.message_id IS NULL AND m.date >= $1
ORDER BY m.date, m.channel_id, m.msg_id
LIMIT $2
`, since, limit)
	metrics.ObserveNetworkRequest("postgres", "messages_list_unclustered", "messages", start, err)
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

// SaveClusterChanges сохраняет темы и членство одной транзакцией.
// Закрытая тема не открывается повторно, членство не переписывается.
func (p *Postgres) SaveClusterChanges(ctx context.Context, changes domain.ClusterChanges) error {
	if len(changes.Topics) == 0 && len(changes.Memberships) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "topics", start, err)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, t := range changes.Topics {
		batch.Queue(`
INSERT INTO topics (id, scope, title, state, created_at, last_activity_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET title = EXCLUDED.title,
    state = CASE WHEN topics.state = 'closed' THEN topics.state ELSE EXCLUDED.state END,
    last_activity_at = GREATEST(topics.last_activity_at, EXCLUDED.last_activity_at)
`, t.ID, t.Scope, t.Title, string(t.State), t.CreatedAt, t.LastActivityAt)
	}
	for _, m := range changes.Memberships {
		batch.Queue(`
INSERT INTO topic_messages (topic_id, message_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING
`, m.TopicID, m.MessageID)
	}

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
	metrics.ObserveNetworkRequest("postgres", "topics_save_changes", "topics", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit_tx", "topics", start, err)
	return err
}

// ListTopicMessages возвращает сообщения темы в хронологическом порядке.
func (p *Postgres) ListTopicMessages(ctx context.Context, topicID int64) ([]domain.Message, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+messageColumns+`
FROM topic_messages tm JOIN messages m ON m.id = tm.message_id
WHERE tm.topic_id = $1
ORDER BY m.date, m.channel_id, m.msg_id
`, topicID)
	metrics.ObserveNetworkRequest("postgres", "topic_messages_list", "topic_messages", start, err)
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
