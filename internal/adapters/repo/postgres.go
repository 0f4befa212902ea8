package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.AccountRepo      = (*Postgres)(nil)
	_ domain.ChannelStateRepo = (*Postgres)(nil)
	_ domain.IngestRepo       = (*Postgres)(nil)
	_ domain.MediaRepo        = (*Postgres)(nil)
	_ domain.TopicRepo        = (*Postgres)(nil)
	_ domain.RankingRepo      = (*Postgres)(nil)
	_ domain.FeedRepo         = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const accountColumns = `id, owner_id, owner_tg_id, phone, session_cipher, key_version, active, last_error, created_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var acc domain.Account
	err := row.Scan(&acc.ID, &acc.OwnerID, &acc.OwnerTGID, &acc.Phone, &acc.SessionCipher, &acc.KeyVersion,
		&acc.Active, &acc.LastError, &acc.CreatedAt, &acc.UpdatedAt)
	return acc, err
}

// CreateAccount сохраняет новый аккаунт с зашифрованной сессией.
func (p *Postgres) CreateAccount(ctx context.Context, account domain.Account) (domain.Account, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	created, err := scanAccount(p.pool.QueryRow(ctx, `
INSERT INTO tg_accounts (owner_id, owner_tg_id, phone, session_cipher, key_version, active)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+accountColumns,
		account.OwnerID, account.OwnerTGID, account.Phone, account.SessionCipher, account.KeyVersion, account.Active))
	metrics.ObserveNetworkRequest("postgres", "accounts_create", "tg_accounts", start, err)
	return created, err
}

// GetAccount возвращает аккаунт по ID.
func (p *Postgres) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	acc, err := scanAccount(p.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM tg_accounts WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "accounts_get", "tg_accounts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return acc, err
}

// ListAccounts возвращает все аккаунты.
func (p *Postgres) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return p.listAccounts(ctx, "accounts_list", `SELECT `+accountColumns+` FROM tg_accounts ORDER BY id`)
}

// ListActiveAccounts возвращает активные аккаунты.
func (p *Postgres) ListActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	return p.listAccounts(ctx, "accounts_list_active", `SELECT `+accountColumns+` FROM tg_accounts WHERE active ORDER BY id`)
}

func (p *Postgres) listAccounts(ctx context.Context, op, query string) ([]domain.Account, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query)
	metrics.ObserveNetworkRequest("postgres", op, "tg_accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// UpdateSession перезаписывает зашифрованную сессию.
func (p *Postgres) UpdateSession(ctx context.Context, id int64, cipher []byte, keyVersion int) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE tg_accounts SET session_cipher = $2, key_version = $3, updated_at = now() WHERE id = $1
`, id, cipher, keyVersion)
	metrics.ObserveNetworkRequest("postgres", "accounts_update_session", "tg_accounts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// DeactivateAccount выключает аккаунт и сохраняет причину.
func (p *Postgres) DeactivateAccount(ctx context.Context, id int64, reason string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE tg_accounts SET active = false, last_error = $2, updated_at = now() WHERE id = $1
`, id, reason)
	metrics.ObserveNetworkRequest("postgres", "accounts_deactivate", "tg_accounts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// ListPollTargets возвращает каналы, на которые подписан владелец аккаунта, вместе с курсором.
func (p *Postgres) ListPollTargets(ctx context.Context, accountID int64) ([]domain.PollTarget, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT DISTINCT c.id, c.tg_channel_id, c.username, c.title, c.visibility, c.last_polled_at,
       COALESCE(s.cursor, 0), COALESCE(s.access_hash, 0), COALESCE(s.accessible, true)
FROM tg_accounts a
JOIN subscriptions sub ON sub.user_id = a.owner_id
JOIN channels c ON c.id = sub.channel_id
LEFT JOIN account_channel_state s ON s.account_id = a.id AND s.channel_id = c.id
WHERE a.id = $1
ORDER BY c.id
`, accountID)
	metrics.ObserveNetworkRequest("postgres", "poll_targets_list", "account_channel_state", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []domain.PollTarget
	for rows.Next() {
		var (
			t          domain.PollTarget
			visibility string
		)
		if err := rows.Scan(&t.Channel.ID, &t.Channel.TGChannelID, &t.Channel.Username, &t.Channel.Title, &visibility,
			&t.Channel.LastPolledAt, &t.Cursor, &t.AccessHash, &t.Accessible); err != nil {
			return nil, err
		}
		t.Channel.Visibility = domain.Visibility(visibility)
		t.AccountID = accountID
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// MarkInaccessible помечает канал недоступным для аккаунта.
func (p *Postgres) MarkInaccessible(ctx context.Context, key domain.CursorKey, reason string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO account_channel_state (account_id, channel_id, accessible, last_error, updated_at)
VALUES ($1, $2, false, $3, now())
ON CONFLICT (account_id, channel_id) DO UPDATE
SET accessible = false, last_error = EXCLUDED.last_error, updated_at = now()
`, key.AccountID, key.ChannelID, reason)
	metrics.ObserveNetworkRequest("postgres", "channel_state_mark_inaccessible", "account_channel_state", start, err)
	return err
}

// SaveResolved сохраняет access hash аккаунта и идентификаторы канала.
func (p *Postgres) SaveResolved(ctx context.Context, key domain.CursorKey, resolved domain.ResolvedChannel) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "account_channel_state", start, err)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO account_channel_state (account_id, channel_id, access_hash, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (account_id, channel_id) DO UPDATE SET access_hash = EXCLUDED.access_hash, updated_at = now()
`, key.AccountID, key.ChannelID, resolved.AccessHash)
	metrics.ObserveNetworkRequest("postgres", "channel_state_save_hash", "account_channel_state", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE channels
SET tg_channel_id = CASE WHEN tg_channel_id = 0 THEN $2 ELSE tg_channel_id END,
    title = COALESCE(NULLIF($3::text, ''), title),
    visibility = COALESCE(NULLIF($4::text, ''), visibility)
WHERE id = $1
`, key.ChannelID, resolved.TGChannelID, resolved.Title, string(resolved.Visibility))
	metrics.ObserveNetworkRequest("postgres", "channels_save_resolved", "channels", start, err)
	if err != nil {
		return fmt.Errorf("update channel %d: %w", key.ChannelID, err)
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit_tx", "account_channel_state", start, err)
	return err
}
