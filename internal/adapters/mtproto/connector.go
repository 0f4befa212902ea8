package mtproto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// Config описывает параметры MTProto-клиентов.
type Config struct {
	APIID          int
	APIHash        string
	RPS            int
	ConnectTimeout time.Duration
	MaxMediaBytes  int64
}

// Connector открывает живые сессии аккаунтов через gotd.
type Connector struct {
	cfg Config
	log zerolog.Logger
}

var _ domain.RemoteConnector = (*Connector)(nil)

// NewConnector создаёт коннектор.
func NewConnector(cfg Config, log zerolog.Logger) (*Connector, error) {
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, errors.New("mtproto: TG_API_ID и TG_API_HASH обязательны")
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Connector{cfg: cfg, log: log.With().Str("component", "mtproto").Logger()}, nil
}

// Connect поднимает клиента и проверяет авторизацию сессии.
// Отозванная авторизация возвращается как domain.ErrSessionRevoked.
func (c *Connector) Connect(ctx context.Context, account domain.Account, data []byte, persist domain.SessionPersistFunc) (domain.RemoteSession, error) {
	logger := c.log.With().Int64("account_id", account.ID).Logger()
	storage := newMemoryStorage(data, persist, logger)
	client := telegram.NewClient(c.cfg.APIID, c.cfg.APIHash, telegram.Options{
		SessionStorage: storage,
		NoUpdates:      true,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s := &remoteSession{
		api:     client.API(),
		limiter: rate.NewLimiter(rate.Limit(c.cfg.RPS), c.cfg.RPS),
		maxSize: c.cfg.MaxMediaBytes,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     logger,
	}

	ready := make(chan error, 1)
	go func() {
		defer close(s.done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return mapError("auth status", err)
			}
			if !status.Authorized {
				return fmt.Errorf("auth status: %w: not authorized", domain.ErrSessionRevoked)
			}
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		select {
		case ready <- err:
		default:
		}
	}()

	connectTimer := time.NewTimer(c.cfg.ConnectTimeout)
	defer connectTimer.Stop()

	start := time.Now()
	var err error
	select {
	case err = <-ready:
		err = mapError("connect", err)
	case <-connectTimer.C:
		err = fmt.Errorf("connect: timeout after %s", c.cfg.ConnectTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	metrics.ObserveNetworkRequest("mtproto", "connect", "telegram", start, err)
	if err != nil {
		cancel()
		<-s.done
		if errors.Is(err, domain.ErrSessionRevoked) {
			logger.Warn().Str("reason", revocationReason(err)).Msg("mtproto: session revoked")
		}
		return nil, err
	}
	return s, nil
}

// remoteSession держит подключённый клиент одного аккаунта. Все вызовы проходят через лимитер.
type remoteSession struct {
	api     *tg.Client
	limiter *rate.Limiter
	maxSize int64
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	log     zerolog.Logger
}

func (s *remoteSession) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Resolve получает идентификатор и access hash канала в контексте этой сессии.
func (s *remoteSession) Resolve(ctx context.Context, channel domain.Channel) (domain.ResolvedChannel, error) {
	if err := s.wait(ctx); err != nil {
		return domain.ResolvedChannel{}, err
	}
	start := time.Now()
	var (
		chats []tg.ChatClass
		err   error
	)
	if channel.Username != "" {
		var resolved *tg.ContactsResolvedPeer
		resolved, err = s.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: channel.Username})
		if err == nil {
			chats = resolved.Chats
		}
	} else if channel.TGChannelID != 0 {
		var res tg.MessagesChatsClass
		res, err = s.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{&tg.InputChannel{ChannelID: channel.TGChannelID}})
		if err == nil {
			chats = res.GetChats()
		}
	} else {
		err = fmt.Errorf("channel %d has neither username nor telegram id", channel.ID)
	}
	metrics.ObserveNetworkRequest("mtproto", "resolve", "telegram", start, err)
	if err != nil {
		return domain.ResolvedChannel{}, mapError("resolve", err)
	}
	for _, chat := range chats {
		switch ch := chat.(type) {
		case *tg.Channel:
			visibility := domain.VisibilityPrivate
			if ch.Username != "" {
				visibility = domain.VisibilityPublic
			}
			return domain.ResolvedChannel{
				TGChannelID: ch.ID,
				AccessHash:  ch.AccessHash,
				Title:       ch.Title,
				Visibility:  visibility,
			}, nil
		case *tg.ChannelForbidden:
			return domain.ResolvedChannel{}, fmt.Errorf("resolve %d: %w", ch.ID, domain.ErrChannelInaccessible)
		}
	}
	return domain.ResolvedChannel{}, fmt.Errorf("resolve channel %d: %w: peer is not a channel", channel.ID, domain.ErrChannelInaccessible)
}

// Fetch загружает до limit сообщений с ID больше afterID, от старых к новым.
func (s *remoteSession) Fetch(ctx context.Context, target domain.PollTarget, afterID int64, limit int) (domain.FetchResult, error) {
	if err := s.wait(ctx); err != nil {
		return domain.FetchResult{}, err
	}
	start := time.Now()
	result, err := s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer: &tg.InputPeerChannel{
			ChannelID:  target.Channel.TGChannelID,
			AccessHash: target.AccessHash,
		},
		OffsetID:  int(afterID) + 1,
		AddOffset: -limit,
		Limit:     limit,
		MinID:     int(afterID),
	})
	metrics.ObserveNetworkRequest("mtproto", "get_history", "telegram", start, err)
	if err != nil {
		return domain.FetchResult{}, mapError("fetch", err)
	}
	return domain.FetchResult{Messages: convertHistory(result, afterID)}, nil
}

// Download скачивает файл вложения.
func (s *remoteSession) Download(ctx context.Context, media domain.RawMedia) ([]byte, error) {
	loc, ok := media.Location.(tg.InputFileLocationClass)
	if !ok || loc == nil {
		return nil, fmt.Errorf("download: unsupported media location %T", media.Location)
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	var w io.Writer = &buf
	if s.maxSize > 0 {
		w = &limitedWriter{w: &buf, left: s.maxSize}
	}
	start := time.Now()
	_, err := downloader.NewDownloader().Download(s.api, loc).Stream(ctx, w)
	metrics.ObserveNetworkRequest("mtproto", "download", "telegram", start, err)
	if err != nil {
		return nil, mapError("download", err)
	}
	return buf.Bytes(), nil
}

// Close останавливает клиента и ждёт завершения.
func (s *remoteSession) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

var errMediaTooLarge = errors.New("media exceeds size limit")

type limitedWriter struct {
	w    io.Writer
	left int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.left {
		return 0, errMediaTooLarge
	}
	l.left -= int64(len(p))
	return l.w.Write(p)
}
