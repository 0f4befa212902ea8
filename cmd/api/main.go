package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-trend-engine/internal/adapters/httpapi"
	"tg-trend-engine/internal/adapters/mtproto"
	"tg-trend-engine/internal/adapters/ranker"
	"tg-trend-engine/internal/adapters/repo"
	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/cache"
	"tg-trend-engine/internal/infra/config"
	"tg-trend-engine/internal/infra/crypto"
	"tg-trend-engine/internal/infra/db"
	httpinfra "tg-trend-engine/internal/infra/http"
	applog "tg-trend-engine/internal/infra/log"
	"tg-trend-engine/internal/infra/metrics"
	"tg-trend-engine/internal/infra/queue"
	"tg-trend-engine/internal/usecase/channels"
	"tg-trend-engine/internal/usecase/feed"
	"tg-trend-engine/internal/usecase/ranking"
	"tg-trend-engine/internal/usecase/session"
	"tg-trend-engine/internal/usecase/topics"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN, 8)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	keys, err := config.ParseSessionKeys(cfg.Sessions.Keys)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: ключи сессий")
	}
	keyring, err := crypto.NewKeyring(keys, cfg.Sessions.ActiveKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось подготовить ключи сессий")
	}

	var (
		rdb      *redis.Client
		topCache domain.Cache
	)
	if cfg.RedisAddr != "" {
		rdb, err = cache.NewClient(cfg.RedisAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: нет подключения к Redis")
		}
		defer rdb.Close()
		topCache = cache.NewRedis(rdb)
	}

	events, err := queue.NewPublisher(queue.Options{
		Backend:       cfg.Events.Backend,
		RabbitURL:     cfg.Events.RabbitURL,
		ManagementURL: cfg.Events.ManagementURL,
		Exchange:      cfg.Events.Exchange,
		RedisKey:      cfg.Events.RedisKey,
	}, rdb, logger.With().Str("component", "events").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось инициализировать публикацию событий")
	}

	connector, err := mtproto.NewConnector(mtproto.Config{
		APIID:   cfg.Telegram.APIID,
		APIHash: cfg.Telegram.APIHash,
		RPS:     cfg.Telegram.RPS,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось создать MTProto коннектор")
	}
	sessions := session.NewManager(
		repoAdapter,
		mtproto.NewQRLogin(cfg.Telegram.APIID, cfg.Telegram.APIHash, logger),
		connector,
		keyring,
		nil,
		events,
		session.Config{LoginTTL: cfg.Telegram.LoginTTL},
		logger.With().Str("component", "session").Logger(),
	)

	scorer := ranker.NewDecay(ranker.Weights{
		Views:     cfg.Ranking.ViewsWeight,
		Reactions: cfg.Ranking.ReactionsWeight,
		Forwards:  cfg.Ranking.ForwardsWeight,
		Comments:  cfg.Ranking.CommentsWeight,
	}, nil)
	engine := ranking.NewEngine(repoAdapter, scorer, nil, topCache, nil,
		ranking.Config{CacheTTL: cfg.Ranking.CacheTTL},
		logger.With().Str("component", "ranking").Logger())
	topicService := topics.NewService(repoAdapter, nil, topics.Config{}, 0, 0, logger.With().Str("component", "topics").Logger())

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	httpapi.New(sessions, channels.NewService(repoAdapter), engine, topicService, feed.NewService(repoAdapter), cfg.Ranking.TopLimit,
		logger.With().Str("component", "api").Logger()).
		Mount(server.Router, httpinfra.OwnerAuthMiddleware(cfg.Telegram.BotToken, cfg.Telegram.InitDataMaxAge))

	go func() {
		if err := server.Start(cfg.HTTPAddr); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен")
			stop()
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api: остановка сервера")
	}
	if closer, ok := events.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
