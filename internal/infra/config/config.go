package config

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Telegram struct {
		BotToken       string        `envconfig:"TG_BOT_TOKEN"`
		APIID          int           `envconfig:"TG_API_ID"`
		APIHash        string        `envconfig:"TG_API_HASH"`
		RPS            int           `envconfig:"MTPROTO_SESSION_RPS" default:"5"`
		LoginTTL       time.Duration `envconfig:"QR_LOGIN_TTL" default:"5m"`
		InitDataMaxAge time.Duration `envconfig:"TG_INITDATA_MAX_AGE" default:"24h"`
	} `envconfig:""`

	Sessions struct {
		// Keys в формате "1:secret-one,2:secret-two".
		Keys      string `envconfig:"SESSION_KEYS"`
		ActiveKey int    `envconfig:"SESSION_KEY_ACTIVE" default:"1"`
	} `envconfig:""`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`

	Poll struct {
		Interval      time.Duration `envconfig:"POLL_INTERVAL" default:"1m"`
		MaxConcurrent int           `envconfig:"POLL_MAX_CONCURRENT" default:"4"`
		BatchSize     int           `envconfig:"POLL_BATCH_SIZE" default:"100"`
		CommitTimeout time.Duration `envconfig:"POLL_COMMIT_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Backoff struct {
		Base time.Duration `envconfig:"BACKOFF_BASE" default:"5s"`
		Cap  time.Duration `envconfig:"BACKOFF_CAP" default:"30m"`
	} `envconfig:""`

	Media struct {
		MaxAttempts int   `envconfig:"MEDIA_MAX_ATTEMPTS" default:"3"`
		Required    bool  `envconfig:"MEDIA_REQUIRED" default:"false"`
		MaxBytes    int64 `envconfig:"MEDIA_MAX_BYTES" default:"20971520"`
	} `envconfig:""`

	S3 struct {
		Endpoint  string `envconfig:"S3_ENDPOINT"`
		AccessKey string `envconfig:"S3_ACCESS_KEY"`
		SecretKey string `envconfig:"S3_SECRET_KEY"`
		Bucket    string `envconfig:"S3_BUCKET" default:"media"`
		UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`
		PublicURL string `envconfig:"S3_PUBLIC_URL"`
	} `envconfig:""`

	Topics struct {
		Interval             time.Duration `envconfig:"TOPIC_INTERVAL" default:"1h"`
		Threshold            float64       `envconfig:"TOPIC_THRESHOLD" default:"0.7"`
		TextWeight           float64       `envconfig:"TOPIC_TEXT_WEIGHT" default:"0.7"`
		HashtagWeight        float64       `envconfig:"TOPIC_HASHTAG_WEIGHT" default:"0.3"`
		Inactivity           time.Duration `envconfig:"TOPIC_INACTIVITY" default:"6h"`
		MaxOpenPerScope      int           `envconfig:"TOPIC_MAX_OPEN_PER_SCOPE" default:"200"`
		RepresentativeTokens int           `envconfig:"TOPIC_REPRESENTATIVE_TOKENS" default:"32"`
		Lookback             time.Duration `envconfig:"TOPIC_LOOKBACK" default:"24h"`
		BatchLimit           int           `envconfig:"TOPIC_BATCH_LIMIT" default:"5000"`
	} `envconfig:""`

	Ranking struct {
		Interval        time.Duration `envconfig:"RANKING_INTERVAL" default:"10m"`
		HalfLife24h     time.Duration `envconfig:"RANKING_HALF_LIFE_24H" default:"6h"`
		HalfLife7d      time.Duration `envconfig:"RANKING_HALF_LIFE_7D" default:"48h"`
		ViewsWeight     float64       `envconfig:"RANKING_VIEWS_WEIGHT" default:"1"`
		ReactionsWeight float64       `envconfig:"RANKING_REACTIONS_WEIGHT" default:"20"`
		ForwardsWeight  float64       `envconfig:"RANKING_FORWARDS_WEIGHT" default:"50"`
		CommentsWeight  float64       `envconfig:"RANKING_COMMENTS_WEIGHT" default:"30"`
		LockTTL         time.Duration `envconfig:"RANKING_LOCK_TTL" default:"5m"`
		TopLimit        int           `envconfig:"RANKING_TOP_LIMIT" default:"10"`
		CacheTTL        time.Duration `envconfig:"RANKING_CACHE_TTL" default:"60s"`
	} `envconfig:""`

	Events struct {
		Backend       string `envconfig:"EVENTS_BACKEND" default:"rabbitmq"`
		RabbitURL     string `envconfig:"RABBITMQ_URL"`
		ManagementURL string `envconfig:"RABBITMQ_MANAGEMENT_URL"`
		Exchange      string `envconfig:"EVENTS_EXCHANGE" default:"trend_engine"`
		RedisKey      string `envconfig:"EVENTS_REDIS_KEY" default:"trend_engine_events"`
	} `envconfig:""`

	UsageURL string `envconfig:"USAGE_URL"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// ParseSessionKeys разбирает строку "версия:секрет,..." в карту ключей.
func ParseSessionKeys(raw string) (map[int]string, error) {
	keys := make(map[int]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, ":")
		if idx <= 0 || idx == len(part)-1 {
			return nil, fmt.Errorf("некорректный ключ сессии %q", part)
		}
		version, err := strconv.Atoi(part[:idx])
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("некорректная версия ключа %q", part[:idx])
		}
		if _, dup := keys[version]; dup {
			return nil, fmt.Errorf("версия ключа %d указана дважды", version)
		}
		keys[version] = part[idx+1:]
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("не задано ни одного ключа сессии (SESSION_KEYS)")
	}
	return keys, nil
}
