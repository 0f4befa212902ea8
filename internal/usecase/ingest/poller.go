package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
	"tg-trend-engine/internal/usecase/backoff"
	"tg-trend-engine/internal/usecase/normalize"
)

// SessionSource выдаёт живые сессии аккаунтов.
type SessionSource interface {
	GetLiveSession(ctx context.Context, account domain.Account) (domain.RemoteSession, error)
}

// TargetSource отдаёт каналы аккаунта и хранит их доступность.
type TargetSource interface {
	Targets(ctx context.Context, accountID int64) ([]domain.PollTarget, error)
	EnsureResolved(ctx context.Context, session domain.RemoteSession, target domain.PollTarget) (domain.PollTarget, error)
	MarkInaccessible(ctx context.Context, key domain.CursorKey, reason string) error
}

// MediaDispatcher сохраняет байты медиа и возвращает ассет.
type MediaDispatcher interface {
	Dispatch(ctx context.Context, kind, contentType string, data []byte) (domain.MediaAsset, error)
}

// Config задаёт параметры опроса.
type Config struct {
	BatchSize        int
	MediaMaxAttempts int
	MediaRequired    bool
	MediaMaxBytes    int64
	CommitTimeout    time.Duration
}

// Report описывает результат цикла одного аккаунта.
type Report struct {
	Channels    int
	Skipped     int
	Upserted    int
	RateLimited int
	Failed      int
}

// Poller обходит каналы аккаунта и атомарно сохраняет новые сообщения.
type Poller struct {
	sessions SessionSource
	targets  TargetSource
	backoff  *backoff.Controller
	media    MediaDispatcher
	repo     domain.IngestRepo
	usage    domain.UsageSink
	log      zerolog.Logger
	cfg      Config

	mu            sync.Mutex
	mediaFailures map[string]int
}

// NewPoller создаёт поллер.
func NewPoller(sessions SessionSource, targets TargetSource, ctrl *backoff.Controller, media MediaDispatcher, repo domain.IngestRepo, usage domain.UsageSink, log zerolog.Logger, cfg Config) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MediaMaxAttempts <= 0 {
		cfg.MediaMaxAttempts = 3
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 30 * time.Second
	}
	return &Poller{
		sessions:      sessions,
		targets:       targets,
		backoff:       ctrl,
		media:         media,
		repo:          repo,
		usage:         usage,
		log:           log,
		cfg:           cfg,
		mediaFailures: make(map[string]int),
	}
}

// PollAccount выполняет один цикл опроса аккаунта. Каналы обходятся последовательно.
// Возвращает ошибку с domain.ErrSessionRevoked, если сессия отозвана.
func (p *Poller) PollAccount(ctx context.Context, account domain.Account) (Report, error) {
	var report Report
	if !account.Active {
		return report, domain.ErrAccountInactive
	}
	accKey := backoff.AccountKey(account.ID)
	ok, err := p.backoff.MayProceed(ctx, accKey)
	if err != nil {
		return report, err
	}
	if !ok {
		p.log.Debug().Int64("account_id", account.ID).Msg("ingest: account is backing off")
		return report, nil
	}

	session, err := p.sessions.GetLiveSession(ctx, account)
	if err != nil {
		return report, p.handleAccountError(ctx, accKey, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			p.log.Warn().Err(cerr).Int64("account_id", account.ID).Msg("ingest: close session")
		}
	}()

	targets, err := p.targets.Targets(ctx, account.ID)
	if err != nil {
		return report, fmt.Errorf("ingest: targets: %w", err)
	}
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		report.Channels++
		res, err := p.pollChannel(ctx, session, target)
		report.Upserted += res.upserted
		switch {
		case res.skipped:
			report.Skipped++
		case res.rateLimited:
			report.RateLimited++
		}
		if err != nil {
			if errors.Is(err, domain.ErrSessionRevoked) {
				return report, err
			}
			report.Failed++
		}
	}
	if err := p.backoff.RecordSuccess(ctx, accKey); err != nil {
		p.log.Warn().Err(err).Int64("account_id", account.ID).Msg("ingest: reset account backoff")
	}
	return report, nil
}

func (p *Poller) handleAccountError(ctx context.Context, key backoff.Key, err error) error {
	if errors.Is(err, domain.ErrSessionRevoked) {
		return err
	}
	if wait, ok := domain.AsRateLimit(err); ok {
		metrics.ObserveFloodWait(wait)
		if rerr := p.backoff.RecordRateLimit(ctx, key, wait); rerr != nil {
			p.log.Warn().Err(rerr).Msg("ingest: record account rate limit")
		}
		return err
	}
	if ctx.Err() == nil {
		metrics.PollErrors.WithLabelValues("session").Inc()
		if _, ferr := p.backoff.RecordTransientFailure(ctx, key); ferr != nil {
			p.log.Warn().Err(ferr).Msg("ingest: record account failure")
		}
	}
	return fmt.Errorf("ingest: live session: %w", err)
}

type channelResult struct {
	upserted    int
	skipped     bool
	rateLimited bool
}

func (p *Poller) pollChannel(ctx context.Context, session domain.RemoteSession, target domain.PollTarget) (channelResult, error) {
	var res channelResult
	key := domain.CursorKey{AccountID: target.AccountID, ChannelID: target.Channel.ID}
	bk := backoff.ChannelKey(key)
	logger := p.log.With().Int64("account_id", key.AccountID).Int64("channel_id", key.ChannelID).Logger()

	ok, err := p.backoff.MayProceed(ctx, bk)
	if err != nil {
		return res, err
	}
	if !ok {
		res.skipped = true
		return res, nil
	}

	target, err = p.targets.EnsureResolved(ctx, session, target)
	if err != nil {
		return res, p.handleChannelError(ctx, key, err, logger)
	}

	start := time.Now()
	fetched, err := session.Fetch(ctx, target, target.Cursor, p.cfg.BatchSize)
	metrics.ObserveNetworkRequest("mtproto", "fetch", "history", start, err)
	p.reportUsage(ctx, key.AccountID, "fetch")
	if err != nil {
		if wait, ok := domain.AsRateLimit(err); ok && wait > 0 {
			res.rateLimited = true
		}
		return res, p.handleChannelError(ctx, key, err, logger)
	}

	batch, err := p.prepare(ctx, session, target, fetched.Messages, logger)
	if err != nil {
		return res, p.handleChannelError(ctx, key, err, logger)
	}
	wait := batch.rateLimit
	if wait == 0 {
		wait = fetched.RateLimit
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CommitTimeout)
	defer cancel()
	committed, err := p.repo.CommitBatch(commitCtx, key, batch.items, batch.cursor)
	if err != nil {
		metrics.PollErrors.WithLabelValues("commit").Inc()
		if _, ferr := p.backoff.RecordTransientFailure(ctx, bk); ferr != nil {
			logger.Warn().Err(ferr).Msg("ingest: record failure")
		}
		return res, fmt.Errorf("ingest: commit channel %d: %w", key.ChannelID, err)
	}
	res.upserted = committed.Upserted
	metrics.IngestedMessages.Add(float64(committed.Upserted))
	for _, item := range batch.items {
		p.clearMediaFailure(item.Message)
	}

	if wait > 0 {
		res.rateLimited = true
		metrics.ObserveFloodWait(wait)
		if err := p.backoff.RecordRateLimit(ctx, bk, wait); err != nil {
			logger.Warn().Err(err).Msg("ingest: record rate limit")
		}
		logger.Info().Dur("wait", wait).Int64("cursor", committed.Cursor).Msg("ingest: rate limited, prefix committed")
		return res, nil
	}
	if err := p.backoff.RecordSuccess(ctx, bk); err != nil {
		logger.Warn().Err(err).Msg("ingest: reset backoff")
	}
	logger.Debug().Int("upserted", committed.Upserted).Int64("cursor", committed.Cursor).Msg("ingest: channel polled")
	return res, nil
}

func (p *Poller) handleChannelError(ctx context.Context, key domain.CursorKey, err error, logger zerolog.Logger) error {
	bk := backoff.ChannelKey(key)
	switch {
	case errors.Is(err, domain.ErrSessionRevoked):
		return err
	case errors.Is(err, domain.ErrChannelInaccessible):
		metrics.PollErrors.WithLabelValues("inaccessible").Inc()
		logger.Warn().Err(err).Msg("ingest: channel inaccessible")
		if merr := p.targets.MarkInaccessible(context.WithoutCancel(ctx), key, err.Error()); merr != nil {
			logger.Error().Err(merr).Msg("ingest: mark inaccessible")
		}
		return err
	}
	if wait, ok := domain.AsRateLimit(err); ok {
		metrics.ObserveFloodWait(wait)
		if rerr := p.backoff.RecordRateLimit(ctx, bk, wait); rerr != nil {
			logger.Warn().Err(rerr).Msg("ingest: record rate limit")
		}
		logger.Info().Dur("wait", wait).Msg("ingest: rate limited")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.PollErrors.WithLabelValues("transient").Inc()
	delay, ferr := p.backoff.RecordTransientFailure(ctx, bk)
	if ferr != nil {
		logger.Warn().Err(ferr).Msg("ingest: record failure")
	}
	logger.Warn().Err(err).Dur("retry_in", delay).Msg("ingest: channel poll failed")
	return err
}

type preparedBatch struct {
	items     []domain.IngestItem
	cursor    int64
	rateLimit time.Duration
}

// prepare нормализует сообщения и загружает медиа. Курсор сдвигается только по непрерывному
// префиксу обработанных сообщений: после сбоя медиа он останавливается перед сбойным id.
func (p *Poller) prepare(ctx context.Context, session domain.RemoteSession, target domain.PollTarget, raws []domain.RawMessage, logger zerolog.Logger) (preparedBatch, error) {
	batch := preparedBatch{cursor: target.Cursor}
	sorted := make([]domain.RawMessage, 0, len(raws))
	for _, raw := range raws {
		if raw.ID > target.Cursor {
			sorted = append(sorted, raw)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	frozen := false
	var lastID int64
	for _, raw := range sorted {
		if raw.ID == lastID {
			continue
		}
		lastID = raw.ID
		if ctx.Err() != nil {
			break
		}
		msg, err := normalize.Message(target.Channel.ID, raw)
		if err != nil {
			metrics.SkippedMessages.WithLabelValues("malformed").Inc()
			logger.Warn().Err(err).Int64("msg_id", raw.ID).Msg("ingest: skip malformed message")
			if !frozen {
				batch.cursor = raw.ID
			}
			continue
		}
		item := domain.IngestItem{Message: msg}
		if raw.Media != nil {
			asset, err := p.fetchMedia(ctx, session, target.AccountID, *raw.Media)
			switch {
			case err == nil:
				if asset != nil {
					item.Media = append(item.Media, *asset)
				}
			case errors.Is(err, domain.ErrSessionRevoked):
				return batch, err
			default:
				if wait, ok := domain.AsRateLimit(err); ok {
					batch.rateLimit = wait
					return batch, nil
				}
				if ctx.Err() != nil {
					return batch, nil
				}
				switch p.onMediaFailure(msg, err, logger) {
				case mediaRetry:
					frozen = true
					continue
				case mediaDrop:
					metrics.SkippedMessages.WithLabelValues("media_required").Inc()
					p.clearMediaFailure(msg)
					if !frozen {
						batch.cursor = raw.ID
					}
					continue
				}
			}
		}
		batch.items = append(batch.items, item)
		if !frozen {
			batch.cursor = raw.ID
		}
	}
	return batch, nil
}

// fetchMedia скачивает и отправляет медиа. nil-ассет означает, что медиа пропущено по размеру.
func (p *Poller) fetchMedia(ctx context.Context, session domain.RemoteSession, accountID int64, media domain.RawMedia) (*domain.MediaAsset, error) {
	if p.cfg.MediaMaxBytes > 0 && media.Size > p.cfg.MediaMaxBytes {
		metrics.SkippedMessages.WithLabelValues("media_too_large").Inc()
		return nil, nil
	}
	start := time.Now()
	data, err := session.Download(ctx, media)
	metrics.ObserveNetworkRequest("mtproto", "download", media.Kind, start, err)
	p.reportUsage(ctx, accountID, "download")
	if err != nil {
		return nil, err
	}
	asset, err := p.media.Dispatch(ctx, media.Kind, media.MimeType, data)
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func mediaFailureKey(msg domain.Message) string {
	return fmt.Sprintf("%d:%d", msg.ChannelID, msg.MsgID)
}

type mediaAction int

const (
	mediaRetry mediaAction = iota
	mediaStoreWithout
	mediaDrop
)

// onMediaFailure учитывает сбой медиа и решает судьбу сообщения.
func (p *Poller) onMediaFailure(msg domain.Message, err error, logger zerolog.Logger) mediaAction {
	key := mediaFailureKey(msg)
	p.mu.Lock()
	p.mediaFailures[key]++
	attempts := p.mediaFailures[key]
	p.mu.Unlock()

	metrics.PollErrors.WithLabelValues("media").Inc()
	event := logger.Warn().Err(err).Int64("msg_id", msg.MsgID).Int("attempts", attempts)
	if attempts < p.cfg.MediaMaxAttempts {
		event.Msg("ingest: media failed, message deferred")
		return mediaRetry
	}
	if p.cfg.MediaRequired {
		event.Msg("ingest: media failed, message dropped")
		return mediaDrop
	}
	event.Msg("ingest: media failed, storing message without it")
	return mediaStoreWithout
}

func (p *Poller) clearMediaFailure(msg domain.Message) {
	p.mu.Lock()
	delete(p.mediaFailures, mediaFailureKey(msg))
	p.mu.Unlock()
}

func (p *Poller) reportUsage(ctx context.Context, accountID int64, op string) {
	if p.usage == nil {
		return
	}
	record := domain.UsageRecord{AccountID: accountID, Operation: op, Units: 1, OccurredAt: time.Now().UTC()}
	if err := p.usage.Report(ctx, record); err != nil {
		p.log.Debug().Err(err).Str("operation", op).Msg("ingest: usage report failed")
	}
}
