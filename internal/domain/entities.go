package domain

import "time"

// Visibility описывает видимость канала.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Account описывает MTProto-сессию пользователя.
type Account struct {
	ID            int64
	OwnerID       int64
	OwnerTGID     int64
	Phone         string
	SessionCipher []byte
	KeyVersion    int
	Active        bool
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Channel описывает отслеживаемый канал Telegram.
type Channel struct {
	ID           int64
	TGChannelID  int64
	Username     string
	Title        string
	Visibility   Visibility
	LastPolledAt *time.Time
}

// PollTarget описывает канал в контексте конкретного аккаунта вместе с курсором.
type PollTarget struct {
	Channel    Channel
	AccountID  int64
	Cursor     int64
	AccessHash int64
	Accessible bool
}

// CursorKey адресует курсор (аккаунт, канал).
type CursorKey struct {
	AccountID int64
	ChannelID int64
}

// Engagement хранит счётчики вовлечённости сообщения.
type Engagement struct {
	Views     int64
	Reactions int64
	Forwards  int64
	Comments  int64
}

// MessageType классифицирует сообщение.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypePhoto    MessageType = "photo"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
	MessageTypePoll     MessageType = "poll"
	MessageTypeLink     MessageType = "link"
	MessageTypeOther    MessageType = "other"
)

// Message описывает каноничную запись сообщения. Ключ дедупликации: (ChannelID, MsgID).
type Message struct {
	ID           int64
	ChannelID    int64
	MsgID        int64
	Date         time.Time
	Text         string
	Author       string
	Engagement   Engagement
	Lang         string
	Type         MessageType
	Hashtags     []string
	Links        []string
	MediaPresent bool
}

// MediaAsset описывает сохранённый медиафайл, уникальный по хэшу содержимого.
type MediaAsset struct {
	ID          int64
	Kind        string
	Reference   string
	ContentHash string
	Size        int64
}

// IngestItem содержит нормализованное сообщение с привязанными медиа, готовое к коммиту.
type IngestItem struct {
	Message Message
	Media   []MediaAsset
}

// TopicState описывает состояние темы.
type TopicState string

const (
	TopicOpen   TopicState = "open"
	TopicClosed TopicState = "closed"
)

// Topic описывает кластер связанных сообщений.
type Topic struct {
	ID             int64
	Scope          string
	Title          string
	State          TopicState
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// TopicMembership связывает тему и сообщение.
type TopicMembership struct {
	TopicID   int64
	MessageID int64
}

// EntityKind задаёт тип ранжируемой сущности.
type EntityKind string

const (
	EntityMessage EntityKind = "message"
	EntityTopic   EntityKind = "topic"
)

// Window задаёт окно ранжирования.
type Window string

const (
	Window24h Window = "24h"
	Window7d  Window = "7d"
)

// Windows перечисляет поддерживаемые окна.
var Windows = []Window{Window24h, Window7d}

// Duration возвращает длительность окна.
func (w Window) Duration() time.Duration {
	switch w {
	case Window24h:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseWindow разбирает строковое имя окна.
func ParseWindow(raw string) (Window, bool) {
	for _, w := range Windows {
		if string(w) == raw {
			return w, true
		}
	}
	return "", false
}

// RankingEntry хранит оценку сущности в окне.
type RankingEntry struct {
	Kind       EntityKind
	EntityID   int64
	Window     Window
	Score      float64
	ComputedAt time.Time
}

// ScoredMessage содержит снимок счётчиков сообщения для ранжирования.
type ScoredMessage struct {
	ID         int64
	Date       time.Time
	Engagement Engagement
}

// TopicSnapshot описывает тему вместе с участниками для ранжирования.
type TopicSnapshot struct {
	TopicID int64
	Members []ScoredMessage
}

// FeedFilter задаёт выборку ленты владельца по его подпискам.
// Нулевые поля не фильтруют.
type FeedFilter struct {
	OwnerID   int64
	ChannelID int64
	Type      MessageType
	Lang      string
	From      time.Time
	To        time.Time
	Limit     int
}
