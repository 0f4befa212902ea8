package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// upsertMessageSQL при повторной записи обновляет только счётчики вовлечённости:
// содержимое сохранённого сообщения не меняется.
const upsertMessageSQL = `
INSERT INTO messages (channel_id, msg_id, date, text, author, views, reactions, forwards, comments,
                      lang, type, hashtags, links, media_present)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (channel_id, msg_id) DO UPDATE
SET views = EXCLUDED.views,
    reactions = EXCLUDED.reactions,
    forwards = EXCLUDED.forwards,
    comments = EXCLUDED.comments,
    media_present = messages.media_present OR EXCLUDED.media_present,
    updated_at = now()
`

const linkMediaSQL = `
INSERT INTO message_media (message_id, asset_id)
SELECT id, $3 FROM messages WHERE channel_id = $1 AND msg_id = $2
ON CONFLICT DO NOTHING
`

// CommitBatch в одной транзакции сохраняет сообщения, связи с медиа и двигает курсор.
// Курсор только растёт: меньшее значение не откатывает уже сохранённое.
func (p *Postgres) CommitBatch(ctx context.Context, key domain.CursorKey, items []domain.IngestItem, cursor int64) (domain.BatchResult, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "messages", start, err)
	if err != nil {
		return domain.BatchResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	queued := 0
	for _, item := range items {
		m := item.Message
		hashtags := m.Hashtags
		if hashtags == nil {
			hashtags = []string{}
		}
		links := m.Links
		if links == nil {
			links = []string{}
		}
		batch.Queue(upsertMessageSQL, key.ChannelID, m.MsgID, m.Date, m.Text, m.Author,
			m.Engagement.Views, m.Engagement.Reactions, m.Engagement.Forwards, m.Engagement.Comments,
			m.Lang, string(m.Type), hashtags, links, m.MediaPresent || len(item.Media) > 0)
		queued++
		for _, asset := range item.Media {
			batch.Queue(linkMediaSQL, key.ChannelID, m.MsgID, asset.ID)
			queued++
		}
	}
	batch.Queue(`
INSERT INTO account_channel_state (account_id, channel_id, cursor, accessible, last_error, updated_at)
VALUES ($1, $2, $3, true, '', now())
ON CONFLICT (account_id, channel_id) DO UPDATE
SET cursor = GREATEST(account_channel_state.cursor, EXCLUDED.cursor),
    last_error = '',
    updated_at = now()
RETURNING cursor
`, key.AccountID, key.ChannelID, cursor)
	batch.Queue(`UPDATE channels SET last_polled_at = now() WHERE id = $1`, key.ChannelID)

	start = time.Now()
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < queued; i++ {
		if _, err = br.Exec(); err != nil {
			break
		}
	}
	var stored int64
	if err == nil {
		err = br.QueryRow().Scan(&stored)
	}
	if err == nil {
		_, err = br.Exec()
	}
	closeErr := br.Close()
	if err == nil {
		err = closeErr
	}
	metrics.ObserveNetworkRequest("postgres", "messages_commit_batch", "messages", start, err)
	if err != nil {
		return domain.BatchResult{}, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit_tx", "messages", start, err)
	if err != nil {
		return domain.BatchResult{}, err
	}
	return domain.BatchResult{Upserted: len(items), Cursor: stored}, nil
}

const mediaColumns = `id, kind, reference, content_hash, size`

// FindMediaAsset ищет ассет по хэшу содержимого.
func (p *Postgres) FindMediaAsset(ctx context.Context, contentHash string) (domain.MediaAsset, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var asset domain.MediaAsset
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media_assets WHERE content_hash = $1`, contentHash).
		Scan(&asset.ID, &asset.Kind, &asset.Reference, &asset.ContentHash, &asset.Size)
	metrics.ObserveNetworkRequest("postgres", "media_assets_find", "media_assets", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MediaAsset{}, false, nil
	}
	if err != nil {
		return domain.MediaAsset{}, false, err
	}
	return asset, true, nil
}

// InsertMediaAsset вставляет ассет; при гонке по хэшу возвращает победившую запись.
func (p *Postgres) InsertMediaAsset(ctx context.Context, asset domain.MediaAsset) (domain.MediaAsset, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var stored domain.MediaAsset
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO media_assets (kind, reference, content_hash, size)
VALUES ($1, $2, $3, $4)
ON CONFLICT (content_hash) DO NOTHING
RETURNING `+mediaColumns,
		asset.Kind, asset.Reference, asset.ContentHash, asset.Size).
		Scan(&stored.ID, &stored.Kind, &stored.Reference, &stored.ContentHash, &stored.Size)
	metrics.ObserveNetworkRequest("postgres", "media_assets_insert", "media_assets", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, ok, findErr := p.FindMediaAsset(ctx, asset.ContentHash)
		if findErr != nil {
			return domain.MediaAsset{}, findErr
		}
		if !ok {
			return domain.MediaAsset{}, errors.New("media asset vanished after conflict")
		}
		return existing, nil
	}
	if err != nil {
		return domain.MediaAsset{}, err
	}
	return stored, nil
}
