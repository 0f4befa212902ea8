package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/adapters/ranker"
	"tg-trend-engine/internal/adapters/repo"
	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/cache"
	"tg-trend-engine/internal/infra/config"
	"tg-trend-engine/internal/infra/db"
	applog "tg-trend-engine/internal/infra/log"
	"tg-trend-engine/internal/infra/metrics"
	"tg-trend-engine/internal/infra/queue"
	"tg-trend-engine/internal/usecase/ranking"
	"tg-trend-engine/internal/usecase/topics"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "ranker")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	if err := db.Migrate(cfg.PGDSN); err != nil {
		logger.Fatal().Err(err).Msg("ranker: не удалось применить миграции")
	}
	pool, err := db.Connect(cfg.PGDSN, 4)
	if err != nil {
		logger.Fatal().Err(err).Msg("ranker: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("ranker: не указан REDIS_ADDR (блокировки и кэш топа)")
	}
	rdb, err := cache.NewClient(cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("ranker: нет подключения к Redis")
	}
	defer rdb.Close()

	events, err := queue.NewPublisher(queue.Options{
		Backend:       cfg.Events.Backend,
		RabbitURL:     cfg.Events.RabbitURL,
		ManagementURL: cfg.Events.ManagementURL,
		Exchange:      cfg.Events.Exchange,
		RedisKey:      cfg.Events.RedisKey,
	}, rdb, logger.With().Str("component", "events").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("ranker: не удалось инициализировать публикацию событий")
	}

	topicService := topics.NewService(repoAdapter, events, topics.Config{
		Threshold:            cfg.Topics.Threshold,
		TextWeight:           cfg.Topics.TextWeight,
		HashtagWeight:        cfg.Topics.HashtagWeight,
		Inactivity:           cfg.Topics.Inactivity,
		MaxOpenPerScope:      cfg.Topics.MaxOpenPerScope,
		RepresentativeTokens: cfg.Topics.RepresentativeTokens,
	}, cfg.Topics.Lookback, cfg.Topics.BatchLimit, logger.With().Str("component", "topics").Logger()).
		WithLocker(cache.NewLocker(rdb), cfg.Ranking.LockTTL)

	scorer := ranker.NewDecay(ranker.Weights{
		Views:     cfg.Ranking.ViewsWeight,
		Reactions: cfg.Ranking.ReactionsWeight,
		Forwards:  cfg.Ranking.ForwardsWeight,
		Comments:  cfg.Ranking.CommentsWeight,
	}, map[domain.Window]time.Duration{
		domain.Window24h: cfg.Ranking.HalfLife24h,
		domain.Window7d:  cfg.Ranking.HalfLife7d,
	})
	engine := ranking.NewEngine(repoAdapter, scorer, cache.NewLocker(rdb), cache.NewRedis(rdb), events,
		ranking.Config{LockTTL: cfg.Ranking.LockTTL, CacheTTL: cfg.Ranking.CacheTTL},
		logger.With().Str("component", "ranking").Logger())

	logger.Info().
		Dur("topic_interval", cfg.Topics.Interval).
		Dur("ranking_interval", cfg.Ranking.Interval).
		Msg("ranker: старт")

	done := make(chan struct{})
	go func() {
		defer close(done)
		runEvery(ctx, cfg.Topics.Interval, logger, "topics", func(ctx context.Context) error {
			_, err := topicService.RunPass(ctx)
			return err
		})
	}()
	runEvery(ctx, cfg.Ranking.Interval, logger, "ranking", engine.Recompute)
	<-done

	if closer, ok := events.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	logger.Info().Msg("ranker: остановлен")
}

// runEvery выполняет проход сразу и затем по тикеру, пока ctx не отменён.
// Проходы одного вида не пересекаются.
func runEvery(ctx context.Context, interval time.Duration, logger zerolog.Logger, name string, pass func(context.Context) error) {
	if interval <= 0 {
		logger.Warn().Str("pass", name).Msg("ranker: интервал не задан, проход отключён")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := pass(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Str("pass", name).Msg("ranker: проход завершился ошибкой")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
