package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	IngestedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_messages_total",
		Help: "Сохранённые сообщения (включая обновления счётчиков)",
	})
	SkippedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_skipped_messages_total",
		Help: "Сообщения, пропущенные при загрузке",
	}, []string{"reason"})
	PollErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poll_errors_total",
		Help: "Ошибки опроса каналов по типам",
	}, []string{"kind"})
	FloodWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flood_wait_total",
		Help: "Количество ожиданий FLOOD_WAIT от Telegram",
	})
	FloodWaitSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flood_wait_seconds_total",
		Help: "Суммарная длительность ожиданий FLOOD_WAIT",
	})
	AccountCycleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "account_cycle_seconds",
		Help:    "Длительность цикла опроса одного аккаунта",
		Buckets: prometheus.DefBuckets,
	})
	CyclesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "account_cycles_in_flight",
		Help: "Текущее число выполняемых циклов опроса",
	})
	AccountsDeactivated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accounts_deactivated_total",
		Help: "Аккаунты, отключённые из-за отзыва сессии",
	})
	MediaDedupHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_dedup_hits_total",
		Help: "Медиа, найденные по хэшу без повторной загрузки",
	})
	MediaUploads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_uploads_total",
		Help: "Загрузки медиа в объектное хранилище",
	})
	TopicPassSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "topic_pass_seconds",
		Help:    "Длительность прохода кластеризации",
		Buckets: prometheus.DefBuckets,
	})
	OpenTopics = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "topics_open",
		Help: "Количество открытых тем",
	})
	RankingPassSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ranking_pass_seconds",
		Help:    "Длительность пересчёта рейтинга",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "window"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		IngestedMessages,
		SkippedMessages,
		PollErrors,
		FloodWaits,
		FloodWaitSeconds,
		AccountCycleSeconds,
		CyclesInFlight,
		AccountsDeactivated,
		MediaDedupHits,
		MediaUploads,
		TopicPassSeconds,
		OpenTopics,
		RankingPassSeconds,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// Handler возвращает HTTP-обработчик /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveFloodWait учитывает ожидание, запрошенное Telegram.
func ObserveFloodWait(wait time.Duration) {
	FloodWaits.Inc()
	if wait > 0 {
		FloodWaitSeconds.Add(wait.Seconds())
	}
}

// ObserveRankingPass записывает длительность пересчёта окна.
func ObserveRankingPass(kind, window string, start time.Time) {
	RankingPassSeconds.WithLabelValues(kind, window).Observe(time.Since(start).Seconds())
}
