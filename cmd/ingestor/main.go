package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/adapters/mtproto"
	"tg-trend-engine/internal/adapters/objectstore"
	"tg-trend-engine/internal/adapters/repo"
	"tg-trend-engine/internal/adapters/telegram"
	"tg-trend-engine/internal/adapters/usage"
	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/cache"
	"tg-trend-engine/internal/infra/config"
	"tg-trend-engine/internal/infra/crypto"
	"tg-trend-engine/internal/infra/db"
	applog "tg-trend-engine/internal/infra/log"
	"tg-trend-engine/internal/infra/metrics"
	"tg-trend-engine/internal/infra/queue"
	"tg-trend-engine/internal/usecase/backoff"
	"tg-trend-engine/internal/usecase/channels"
	"tg-trend-engine/internal/usecase/ingest"
	"tg-trend-engine/internal/usecase/media"
	"tg-trend-engine/internal/usecase/orchestrator"
	"tg-trend-engine/internal/usecase/session"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "ingestor")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	if cfg.PGDSN == "" {
		logger.Fatal().Msg("ingestor: не указан PG_DSN")
	}
	if err := db.Migrate(cfg.PGDSN); err != nil {
		logger.Fatal().Err(err).Msg("ingestor: не удалось применить миграции")
	}
	pool, err := db.Connect(cfg.PGDSN, int32(cfg.Poll.MaxConcurrent*2+2))
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestor: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	keys, err := config.ParseSessionKeys(cfg.Sessions.Keys)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestor: ключи сессий")
	}
	keyring, err := crypto.NewKeyring(keys, cfg.Sessions.ActiveKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestor: не удалось подготовить ключи сессий")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = cache.NewClient(cfg.RedisAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("ingestor: нет подключения к Redis")
		}
		defer rdb.Close()
	}

	events, err := queue.NewPublisher(queue.Options{
		Backend:       cfg.Events.Backend,
		RabbitURL:     cfg.Events.RabbitURL,
		ManagementURL: cfg.Events.ManagementURL,
		Exchange:      cfg.Events.Exchange,
		RedisKey:      cfg.Events.RedisKey,
	}, rdb, logger.With().Str("component", "events").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestor: не удалось инициализировать публикацию событий")
	}

	var notifier domain.Notifier
	if cfg.Telegram.BotToken != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			logger.Fatal().Err(err).Msg("ingestor: не удалось создать бота")
		}
		notifier = telegram.NewNotifier(botAPI, logger.With().Str("component", "notifier").Logger())
	} else {
		logger.Warn().Msg("ingestor: TG_BOT_TOKEN не задан, владельцы не будут уведомлены об отключении")
	}

	connector, err := mtproto.NewConnector(mtproto.Config{
		APIID:          cfg.Telegram.APIID,
		APIHash:        cfg.Telegram.APIHash,
		RPS:            cfg.Telegram.RPS,
		ConnectTimeout: 30 * time.Second,
		MaxMediaBytes:  cfg.Media.MaxBytes,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestor: не удалось создать MTProto коннектор")
	}
	qrLogin := mtproto.NewQRLogin(cfg.Telegram.APIID, cfg.Telegram.APIHash, logger)

	sessions := session.NewManager(repoAdapter, qrLogin, connector, keyring, notifier, events,
		session.Config{LoginTTL: cfg.Telegram.LoginTTL},
		logger.With().Str("component", "session").Logger())
	rotateKeys(ctx, sessions, rdb, keyring.Active(), logger)

	store, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		UseSSL:    cfg.S3.UseSSL,
		PublicURL: cfg.S3.PublicURL,
	}, logger.With().Str("component", "objectstore").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestor: объектное хранилище")
	}
	bucketCtx, bucketCancel := context.WithTimeout(ctx, 15*time.Second)
	err = store.EnsureBucket(bucketCtx)
	bucketCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestor: не удалось подготовить бакет")
	}

	var backoffStore backoff.Store = backoff.NewMemoryStore()
	if rdb != nil {
		backoffStore = cache.NewBackoffStore(rdb, cfg.Backoff.Cap)
	}
	ctrl := backoff.New(backoffStore, cfg.Backoff.Base, cfg.Backoff.Cap)

	usageSink, err := usage.NewSink(cfg.UsageURL, logger.With().Str("component", "usage").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestor: клиент учёта расходов")
	}

	poller := ingest.NewPoller(
		sessions,
		channels.NewService(repoAdapter),
		ctrl,
		media.NewDispatcher(repoAdapter, store, logger.With().Str("component", "media").Logger()),
		repoAdapter,
		usageSink,
		logger.With().Str("component", "poller").Logger(),
		ingest.Config{
			BatchSize:        cfg.Poll.BatchSize,
			MediaMaxAttempts: cfg.Media.MaxAttempts,
			MediaRequired:    cfg.Media.Required,
			MediaMaxBytes:    cfg.Media.MaxBytes,
			CommitTimeout:    cfg.Poll.CommitTimeout,
		},
	)

	orch := orchestrator.New(repoAdapter, poller, sessions, cfg.Poll.Interval, cfg.Poll.MaxConcurrent,
		logger.With().Str("component", "orchestrator").Logger())

	logger.Info().Msg("ingestor: старт")
	if err := orch.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("ingestor: оркестратор остановлен с ошибкой")
	}
	if closer, ok := events.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn().Err(err).Msg("ingestor: закрытие публикации событий")
		}
	}
	logger.Info().Msg("ingestor: остановлен")
}

// rotateKeys перешифровывает сессии активным ключом один раз на версию ключа.
func rotateKeys(ctx context.Context, sessions *session.Manager, rdb *redis.Client, active int, logger zerolog.Logger) {
	run := func() error {
		rotateCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		n, err := sessions.RotateKeys(rotateCtx)
		if err != nil {
			return err
		}
		logger.Info().Int("rotated", n).Int("key_version", active).Msg("ingestor: сессии перешифрованы")
		return nil
	}
	var err error
	if rdb != nil {
		err = cache.NewRedis(rdb).Once(fmt.Sprintf("session:rotate:v%d", active), 24*time.Hour, run)
	} else {
		err = run()
	}
	if err != nil {
		logger.Error().Err(err).Msg("ingestor: перешифрование сессий")
	}
}
