// Package httpapi содержит тонкий HTTP-слой чтения и входа по QR.
package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"rsc.io/qr"

	"tg-trend-engine/internal/domain"
	httpinfra "tg-trend-engine/internal/infra/http"
	"tg-trend-engine/internal/usecase/feed"
	"tg-trend-engine/internal/usecase/session"
)

// LoginService начинает и опрашивает вход по QR.
type LoginService interface {
	BeginLogin(ctx context.Context, ownerID, ownerTGID int64) (session.LoginTicket, error)
	PollLogin(id string) session.LoginTicket
	Accounts(ctx context.Context) ([]domain.Account, error)
	Deactivate(ctx context.Context, account domain.Account, reason string) error
}

// ChannelReader отдаёт каналы аккаунта.
type ChannelReader interface {
	AccountChannels(ctx context.Context, accountID int64) ([]domain.PollTarget, error)
}

// TopReader отдаёт рейтинг.
type TopReader interface {
	Top(ctx context.Context, kind domain.EntityKind, window domain.Window, limit int) ([]domain.RankingEntry, error)
}

// TopicReader отдаёт сообщения темы.
type TopicReader interface {
	Messages(ctx context.Context, topicID int64) ([]domain.Message, error)
}

// FeedReader отдаёт ленту подписок и разворачивает рейтинг.
type FeedReader interface {
	Feed(ctx context.Context, filter domain.FeedFilter) ([]domain.Message, error)
	Present(ctx context.Context, entries []domain.RankingEntry) ([]feed.TopItem, error)
}

// Handler собирает маршруты /v1.
type Handler struct {
	login    LoginService
	channels ChannelReader
	top      TopReader
	topics   TopicReader
	feed     FeedReader
	topLimit int
	log      zerolog.Logger
}

// New создаёт обработчик. Без feed рейтинг отдаётся без текста сообщений и заголовков тем.
func New(login LoginService, channels ChannelReader, top TopReader, topics TopicReader, feed FeedReader, topLimit int, log zerolog.Logger) *Handler {
	if topLimit <= 0 {
		topLimit = 10
	}
	return &Handler{login: login, channels: channels, top: top, topics: topics, feed: feed, topLimit: topLimit, log: log}
}

// Mount регистрирует маршруты в роутере; auth проверяет владельца.
func (h *Handler) Mount(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/top", h.getTop)
		r.Get("/topics/{id}/messages", h.getTopicMessages)
		r.Group(func(r chi.Router) {
			if auth != nil {
				r.Use(auth)
			}
			r.Post("/auth/qr", h.beginLogin)
			r.Get("/auth/qr/{id}", h.pollLogin)
			r.Get("/accounts", h.listAccounts)
			r.Delete("/accounts/{id}", h.removeAccount)
			r.Get("/accounts/{id}/channels", h.accountChannels)
			if h.feed != nil {
				r.Get("/feed", h.getFeed)
			}
		})
	})
}

type ticketResponse struct {
	Ticket    string    `json:"ticket"`
	State     string    `json:"state"`
	QRURL     string    `json:"qr_url,omitempty"`
	QRPNG     string    `json:"qr_png,omitempty"`
	AccountID int64     `json:"account_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) beginLogin(w http.ResponseWriter, r *http.Request) {
	owner, ok := httpinfra.OwnerFromContext(r.Context())
	if !ok {
		httpinfra.WriteError(w, http.StatusUnauthorized, errors.New("владелец не определён"))
		return
	}
	t, err := h.login.BeginLogin(r.Context(), owner.ID, owner.TGID)
	if err != nil {
		h.log.Error().Err(err).Int64("owner_id", owner.ID).Msg("api: begin qr login")
		httpinfra.WriteError(w, http.StatusBadGateway, errors.New("не удалось начать вход"))
		return
	}
	resp := toTicketResponse(t)
	if t.QRURL != "" {
		png, err := qrPNG(t.QRURL)
		if err != nil {
			h.log.Warn().Err(err).Msg("api: encode qr")
		} else {
			resp.QRPNG = png
		}
	}
	httpinfra.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) pollLogin(w http.ResponseWriter, r *http.Request) {
	owner, _ := httpinfra.OwnerFromContext(r.Context())
	t := h.login.PollLogin(chi.URLParam(r, "id"))
	if t.OwnerID != 0 && t.OwnerID != owner.ID {
		// чужой тикет неотличим от неизвестного
		t = session.LoginTicket{ID: t.ID, State: session.TicketExpired}
	}
	resp := toTicketResponse(t)
	if t.State == session.TicketPending && t.QRURL != "" {
		if png, err := qrPNG(t.QRURL); err == nil {
			resp.QRPNG = png
		}
	}
	httpinfra.WriteJSON(w, http.StatusOK, resp)
}

func toTicketResponse(t session.LoginTicket) ticketResponse {
	resp := ticketResponse{
		Ticket:    t.ID,
		State:     string(t.State),
		AccountID: t.AccountID,
		Error:     t.Error,
		ExpiresAt: t.ExpiresAt,
	}
	if t.State == session.TicketPending {
		resp.QRURL = t.QRURL
	}
	return resp
}

func qrPNG(url string) (string, error) {
	code, err := qr.Encode(url, qr.M)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(code.PNG()), nil
}

type accountResponse struct {
	ID         int64     `json:"id"`
	Phone      string    `json:"phone"`
	Active     bool      `json:"active"`
	LastError  string    `json:"last_error,omitempty"`
	KeyVersion int       `json:"key_version"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *Handler) ownerAccounts(ctx context.Context, ownerID int64) ([]domain.Account, error) {
	all, err := h.login.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Account, 0, len(all))
	for _, acc := range all {
		if acc.OwnerID == ownerID {
			out = append(out, acc)
		}
	}
	return out, nil
}

// ownedAccount ищет аккаунт среди аккаунтов владельца.
func (h *Handler) ownedAccount(ctx context.Context, ownerID, accountID int64) (domain.Account, bool, error) {
	accounts, err := h.ownerAccounts(ctx, ownerID)
	if err != nil {
		return domain.Account{}, false, err
	}
	for _, acc := range accounts {
		if acc.ID == accountID {
			return acc, true, nil
		}
	}
	return domain.Account{}, false, nil
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	owner, _ := httpinfra.OwnerFromContext(r.Context())
	accounts, err := h.ownerAccounts(r.Context(), owner.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("api: list accounts")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось получить аккаунты"))
		return
	}
	resp := make([]accountResponse, 0, len(accounts))
	for _, acc := range accounts {
		resp = append(resp, accountResponse{
			ID:         acc.ID,
			Phone:      acc.Phone,
			Active:     acc.Active,
			LastError:  acc.LastError,
			KeyVersion: acc.KeyVersion,
			CreatedAt:  acc.CreatedAt,
		})
	}
	httpinfra.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) removeAccount(w http.ResponseWriter, r *http.Request) {
	owner, _ := httpinfra.OwnerFromContext(r.Context())
	accountID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || accountID <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректный id аккаунта"))
		return
	}
	acc, found, err := h.ownedAccount(r.Context(), owner.ID, accountID)
	if err != nil {
		h.log.Error().Err(err).Msg("api: list accounts")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось получить аккаунты"))
		return
	}
	if !found {
		httpinfra.WriteError(w, http.StatusNotFound, domain.ErrAccountNotFound)
		return
	}
	if acc.Active {
		if err := h.login.Deactivate(r.Context(), acc, "removed by owner"); err != nil {
			h.log.Error().Err(err).Int64("account_id", accountID).Msg("api: remove account")
			httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось отключить аккаунт"))
			return
		}
		h.log.Info().Int64("account_id", accountID).Int64("owner_id", owner.ID).Msg("api: account removed by owner")
	}
	w.WriteHeader(http.StatusNoContent)
}

type channelResponse struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Title        string     `json:"title,omitempty"`
	Visibility   string     `json:"visibility"`
	Accessible   bool       `json:"accessible"`
	Cursor       int64      `json:"cursor"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
}

func (h *Handler) accountChannels(w http.ResponseWriter, r *http.Request) {
	owner, _ := httpinfra.OwnerFromContext(r.Context())
	accountID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || accountID <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректный id аккаунта"))
		return
	}
	_, found, err := h.ownedAccount(r.Context(), owner.ID, accountID)
	if err != nil {
		h.log.Error().Err(err).Msg("api: list accounts")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось получить аккаунты"))
		return
	}
	if !found {
		httpinfra.WriteError(w, http.StatusNotFound, domain.ErrAccountNotFound)
		return
	}
	targets, err := h.channels.AccountChannels(r.Context(), accountID)
	if err != nil {
		h.log.Error().Err(err).Int64("account_id", accountID).Msg("api: account channels")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось получить каналы"))
		return
	}
	resp := make([]channelResponse, 0, len(targets))
	for _, t := range targets {
		resp = append(resp, channelResponse{
			ID:           t.Channel.ID,
			Username:     t.Channel.Username,
			Title:        t.Channel.Title,
			Visibility:   string(t.Channel.Visibility),
			Accessible:   t.Accessible,
			Cursor:       t.Cursor,
			LastPolledAt: t.Channel.LastPolledAt,
		})
	}
	httpinfra.WriteJSON(w, http.StatusOK, resp)
}

type rankingResponse struct {
	Kind       string    `json:"kind"`
	ID         int64     `json:"id"`
	Window     string    `json:"window"`
	Score      float64   `json:"score"`
	ComputedAt time.Time `json:"computed_at"`
	ChannelID  int64     `json:"channel_id,omitempty"`
	MsgID      int64     `json:"msg_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	Title      string    `json:"title,omitempty"`
}

func (h *Handler) getTop(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawWindow := q.Get("window")
	if rawWindow == "" {
		rawWindow = string(domain.Window24h)
	}
	window, ok := domain.ParseWindow(rawWindow)
	if !ok {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("window должен быть 24h или 7d"))
		return
	}
	kind := domain.EntityMessage
	switch q.Get("by") {
	case "", string(domain.EntityMessage), "messages":
	case string(domain.EntityTopic), "topics":
		kind = domain.EntityTopic
	default:
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("by должен быть message или topic"))
		return
	}
	limit := h.topLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			httpinfra.WriteError(w, http.StatusBadRequest, errors.New("limit должен быть от 1 до 100"))
			return
		}
		limit = n
	}
	entries, err := h.top.Top(r.Context(), kind, window, limit)
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(kind)).Str("window", string(window)).Msg("api: top")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось получить рейтинг"))
		return
	}
	items := make([]feed.TopItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, feed.TopItem{Entry: e})
	}
	if h.feed != nil && len(entries) > 0 {
		presented, err := h.feed.Present(r.Context(), entries)
		if err != nil {
			// рейтинг отдаём и без деталей
			h.log.Warn().Err(err).Msg("api: present top")
		} else {
			items = presented
		}
	}
	resp := make([]rankingResponse, 0, len(items))
	for _, it := range items {
		e := it.Entry
		item := rankingResponse{
			Kind:       string(e.Kind),
			ID:         e.EntityID,
			Window:     string(e.Window),
			Score:      e.Score,
			ComputedAt: e.ComputedAt,
		}
		if it.Message != nil {
			item.ChannelID = it.Message.ChannelID
			item.MsgID = it.Message.MsgID
			item.Text = it.Message.Text
		}
		if it.Topic != nil {
			item.Title = it.Topic.Title
		}
		resp = append(resp, item)
	}
	httpinfra.WriteJSON(w, http.StatusOK, resp)
}

type messageResponse struct {
	ID        int64     `json:"id"`
	ChannelID int64     `json:"channel_id"`
	MsgID     int64     `json:"msg_id"`
	Date      time.Time `json:"date"`
	Text      string    `json:"text"`
	Type      string    `json:"type"`
	Lang      string    `json:"lang,omitempty"`
	Views     int64     `json:"views"`
	Reactions int64     `json:"reactions"`
	Forwards  int64     `json:"forwards"`
	Comments  int64     `json:"comments"`
	Hashtags  []string  `json:"hashtags,omitempty"`
	Links     []string  `json:"links,omitempty"`
}

func (h *Handler) getTopicMessages(w http.ResponseWriter, r *http.Request) {
	topicID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || topicID <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректный id темы"))
		return
	}
	msgs, err := h.topics.Messages(r.Context(), topicID)
	if err != nil {
		h.log.Error().Err(err).Int64("topic_id", topicID).Msg("api: topic messages")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось получить сообщения темы"))
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, toMessageResponses(msgs))
}

func (h *Handler) getFeed(w http.ResponseWriter, r *http.Request) {
	owner, _ := httpinfra.OwnerFromContext(r.Context())
	q := r.URL.Query()
	filter := domain.FeedFilter{
		OwnerID: owner.ID,
		Type:    domain.MessageType(q.Get("type")),
		Lang:    q.Get("lang"),
	}
	if raw := q.Get("channel_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректный channel_id"))
			return
		}
		filter.ChannelID = id
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"date_from", &filter.From}, {"date_to", &filter.To}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		ts, err := parseDate(raw)
		if err != nil {
			httpinfra.WriteError(w, http.StatusBadRequest, fmt.Errorf("%s: ожидали RFC3339 или YYYY-MM-DD", p.name))
			return
		}
		*p.dst = ts
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpinfra.WriteError(w, http.StatusBadRequest, errors.New("limit должен быть положительным"))
			return
		}
		filter.Limit = n
	}
	msgs, err := h.feed.Feed(r.Context(), filter)
	if errors.Is(err, feed.ErrInvalidFilter) {
		httpinfra.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("owner_id", owner.ID).Msg("api: feed")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось получить ленту"))
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, toMessageResponses(msgs))
}

func parseDate(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	return time.Parse(time.DateOnly, raw)
}

func toMessageResponses(msgs []domain.Message) []messageResponse {
	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageResponse{
			ID:        m.ID,
			ChannelID: m.ChannelID,
			MsgID:     m.MsgID,
			Date:      m.Date,
			Text:      m.Text,
			Type:      string(m.Type),
			Lang:      m.Lang,
			Views:     m.Engagement.Views,
			Reactions: m.Engagement.Reactions,
			Forwards:  m.Engagement.Forwards,
			Comments:  m.Engagement.Comments,
			Hashtags:  m.Hashtags,
			Links:     m.Links,
		})
	}
	return resp
}
