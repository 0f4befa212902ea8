package domain

import (
	"context"
	"time"
)

// RawMedia описывает медиавложение сообщения до загрузки.
type RawMedia struct {
	Kind     string
	MimeType string
	Size     int64
	// Непрозрачный для ядра адрес файла, понятный RemoteSession.
	Location any
}

// RawMessage описывает сообщение в том виде, в котором его вернул удалённый источник.
type RawMessage struct {
	ID         int64
	Date       time.Time
	Text       string
	AuthorID   string
	PostAuthor string
	Views      int64
	Reactions  int64
	Forwards   int64
	Replies    int64
	EntityURLs []string
	MediaKind  string
	Media      *RawMedia
}

// FetchResult содержит пачку сообщений, отсортированную по возрастанию ID.
// RateLimit > 0 означает, что источник отдал только префикс и попросил паузу.
type FetchResult struct {
	Messages  []RawMessage
	RateLimit time.Duration
}

// ResolvedChannel хранит идентификаторы канала, полученные в контексте сессии.
type ResolvedChannel struct {
	TGChannelID int64
	AccessHash  int64
	Title       string
	Visibility  Visibility
}

// RemoteSession описывает живое подключение аккаунта к удалённой стороне.
type RemoteSession interface {
	Resolve(ctx context.Context, channel Channel) (ResolvedChannel, error)
	Fetch(ctx context.Context, target PollTarget, afterID int64, limit int) (FetchResult, error)
	Download(ctx context.Context, media RawMedia) ([]byte, error)
	Close() error
}

// SessionPersistFunc сохраняет обновлённые байты сессии, которые прислал клиент.
type SessionPersistFunc func(ctx context.Context, data []byte) error

// RemoteConnector открывает RemoteSession по расшифрованной сессии.
type RemoteConnector interface {
	Connect(ctx context.Context, account Account, session []byte, persist SessionPersistFunc) (RemoteSession, error)
}

// LoginResult содержит итог успешного входа по QR.
type LoginResult struct {
	Session []byte
	Phone   string
}

// LoginProvider выполняет вход по QR. show вызывается при каждом новом QR-токене.
// Login блокируется до подтверждения, отказа или отмены ctx.
type LoginProvider interface {
	Login(ctx context.Context, show func(qrURL string)) (LoginResult, error)
}

// AccountRepo управляет аккаунтами.
type AccountRepo interface {
	CreateAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, id int64) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	ListActiveAccounts(ctx context.Context) ([]Account, error)
	UpdateSession(ctx context.Context, id int64, cipher []byte, keyVersion int) error
	DeactivateAccount(ctx context.Context, id int64, reason string) error
}

// ChannelStateRepo отдаёт каналы для опроса и хранит их доступность.
type ChannelStateRepo interface {
	ListPollTargets(ctx context.Context, accountID int64) ([]PollTarget, error)
	MarkInaccessible(ctx context.Context, key CursorKey, reason string) error
	SaveResolved(ctx context.Context, key CursorKey, resolved ResolvedChannel) error
}

// BatchResult описывает результат атомарного коммита пачки.
type BatchResult struct {
	Upserted int
	Cursor   int64
}

// IngestRepo атомарно сохраняет сообщения и продвигает курсор.
type IngestRepo interface {
	CommitBatch(ctx context.Context, key CursorKey, items []IngestItem, cursor int64) (BatchResult, error)
}

// MediaRepo хранит медиаассеты, уникальные по хэшу.
type MediaRepo interface {
	FindMediaAsset(ctx context.Context, contentHash string) (MediaAsset, bool, error)
	// InsertMediaAsset вставляет ассет или возвращает уже существующий с тем же хэшем.
	InsertMediaAsset(ctx context.Context, asset MediaAsset) (MediaAsset, error)
}

// OpenTopicRecord описывает открытую тему с участниками для восстановления кластеризатора.
type OpenTopicRecord struct {
	Topic   Topic
	Members []Message
}

// ClusterChanges накапливает изменения одного прохода кластеризации.
type ClusterChanges struct {
	Topics      []Topic
	Memberships []TopicMembership
}

// TopicRepo хранит темы.
type TopicRepo interface {
	NextTopicID(ctx context.Context) (int64, error)
	ListOpenTopics(ctx context.Context) ([]OpenTopicRecord, error)
	ListUnclustered(ctx context.Context, since time.Time, limit int) ([]Message, error)
	SaveClusterChanges(ctx context.Context, changes ClusterChanges) error
	ListTopicMessages(ctx context.Context, topicID int64) ([]Message, error)
}

// RankingRepo читает снимки вовлечённости и сохраняет оценки.
type RankingRepo interface {
	SnapshotWindow(ctx context.Context, since time.Time) ([]ScoredMessage, []TopicSnapshot, error)
	ApplyRanking(ctx context.Context, kind EntityKind, window Window, entries []RankingEntry, computedAt time.Time) error
	TopRankings(ctx context.Context, kind EntityKind, window Window, limit int) ([]RankingEntry, error)
}

// ObjectStore сохраняет байты медиа и возвращает стабильную ссылку.
type ObjectStore interface {
	Put(ctx context.Context, data []byte, contentHash, contentType string) (string, error)
}

// UsageRecord описывает стоимость одного удалённого вызова.
type UsageRecord struct {
	AccountID  int64
	Operation  string
	Units      int
	OccurredAt time.Time
}

// UsageSink принимает отчёты об использовании; лимиты ядро не применяет.
type UsageSink interface {
	Report(ctx context.Context, record UsageRecord) error
}

// Notifier уведомляет владельца аккаунта об изменении статуса.
type Notifier interface {
	NotifyAccountDeactivated(ctx context.Context, account Account, reason string) error
}

// Locker даёт эксклюзивный доступ к ключу на время ttl.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	InvalidatePrefix(prefix string) error
}

// FeedRepo отдаёт сообщения для чтения.
type FeedRepo interface {
	FeedMessages(ctx context.Context, filter FeedFilter) ([]Message, error)
	MessagesByIDs(ctx context.Context, ids []int64) ([]Message, error)
	TopicsByIDs(ctx context.Context, ids []int64) ([]Topic, error)
}
