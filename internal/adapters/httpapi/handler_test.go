package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
	httpinfra "tg-trend-engine/internal/infra/http"
	"tg-trend-engine/internal/usecase/feed"
	"tg-trend-engine/internal/usecase/session"
)

type stubLogin struct {
	tickets  map[string]session.LoginTicket
	accounts    []domain.Account
	begun       []int64
	deactivated map[int64]string
}

func (s *stubLogin) BeginLogin(_ context.Context, ownerID, _ int64) (session.LoginTicket, error) {
	s.begun = append(s.begun, ownerID)
	return session.LoginTicket{ID: "t-1", OwnerID: ownerID, State: session.TicketPending, QRURL: "tg://login?token=abc", ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (s *stubLogin) PollLogin(id string) session.LoginTicket {
	if t, ok := s.tickets[id]; ok {
		return t
	}
	return session.LoginTicket{ID: id, State: session.TicketExpired}
}

func (s *stubLogin) Accounts(context.Context) ([]domain.Account, error) {
	return s.accounts, nil
}

func (s *stubLogin) Deactivate(_ context.Context, acc domain.Account, reason string) error {
	if s.deactivated == nil {
		s.deactivated = map[int64]string{}
	}
	s.deactivated[acc.ID] = reason
	return nil
}

type stubChannels struct{ targets map[int64][]domain.PollTarget }

func (s stubChannels) AccountChannels(_ context.Context, id int64) ([]domain.PollTarget, error) {
	return s.targets[id], nil
}

type stubTop struct {
	kind   domain.EntityKind
	window domain.Window
	limit  int
}

func (s *stubTop) Top(_ context.Context, kind domain.EntityKind, window domain.Window, limit int) ([]domain.RankingEntry, error) {
	s.kind, s.window, s.limit = kind, window, limit
	return []domain.RankingEntry{{Kind: kind, EntityID: 9, Window: window, Score: 1.5}}, nil
}

type stubTopics struct{}

func (stubTopics) Messages(_ context.Context, id int64) ([]domain.Message, error) {
	return []domain.Message{{ID: 1, ChannelID: 2, MsgID: 3, Text: "привет", Type: domain.MessageTypeText}}, nil
}

type stubFeed struct {
	filter domain.FeedFilter
}

func (s *stubFeed) Feed(_ context.Context, filter domain.FeedFilter) ([]domain.Message, error) {
	s.filter = filter
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, feed.ErrInvalidFilter
	}
	return []domain.Message{{ID: 4, ChannelID: 11, MsgID: 77, Text: "из ленты", Type: domain.MessageTypeText}}, nil
}

func (s *stubFeed) Present(_ context.Context, entries []domain.RankingEntry) ([]feed.TopItem, error) {
	items := make([]feed.TopItem, 0, len(entries))
	for _, e := range entries {
		item := feed.TopItem{Entry: e}
		if e.Kind == domain.EntityMessage {
			item.Message = &domain.Message{ID: e.EntityID, ChannelID: 11, MsgID: 77, Text: "горячая новость"}
		} else {
			item.Topic = &domain.Topic{ID: e.EntityID, Title: "тема дня"}
		}
		items = append(items, item)
	}
	return items, nil
}

func newRouter(login *stubLogin, top *stubTop) http.Handler {
	return newRouterWithFeed(login, top, &stubFeed{})
}

func newRouterWithFeed(login *stubLogin, top *stubTop, fd FeedReader) http.Handler {
	r := chi.NewRouter()
	h := New(login, stubChannels{targets: map[int64][]domain.PollTarget{
		5: {{Channel: domain.Channel{ID: 11, Username: "news", Visibility: domain.VisibilityPublic}, AccountID: 5, Cursor: 42, Accessible: false}},
	}}, top, stubTopics{}, fd, 10, zerolog.Nop())
	h.Mount(r, httpinfra.OwnerAuthMiddleware("", 0))
	return r
}

func do(t *testing.T, h http.Handler, method, path string, owner string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBeginLoginReturnsQR(t *testing.T) {
	login := &stubLogin{}
	rec := do(t, newRouter(login, &stubTop{}), http.MethodPost, "/v1/auth/qr", "7")
	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидали 201, получили %d: %s", rec.Code, rec.Body.String())
	}
	var resp ticketResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	if resp.Ticket != "t-1" || resp.State != "PENDING" || resp.QRPNG == "" {
		t.Fatalf("неожиданный ответ %+v", resp)
	}
	if len(login.begun) != 1 || login.begun[0] != 7 {
		t.Fatalf("вход должен начаться от владельца 7, получили %v", login.begun)
	}
}

func TestBeginLoginRequiresOwner(t *testing.T) {
	rec := do(t, newRouter(&stubLogin{}, &stubTop{}), http.MethodPost, "/v1/auth/qr", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("ожидали 401, получили %d", rec.Code)
	}
}

func TestPollLoginHidesForeignTicket(t *testing.T) {
	login := &stubLogin{tickets: map[string]session.LoginTicket{
		"mine":  {ID: "mine", OwnerID: 7, State: session.TicketAuthorized, AccountID: 5},
		"other": {ID: "other", OwnerID: 8, State: session.TicketAuthorized, AccountID: 6},
	}}
	router := newRouter(login, &stubTop{})

	var resp ticketResponse
	rec := do(t, router, http.MethodGet, "/v1/auth/qr/mine", "7")
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.State != "AUTHORIZED" || resp.AccountID != 5 {
		t.Fatalf("неожиданный ответ %+v", resp)
	}

	resp = ticketResponse{}
	rec = do(t, router, http.MethodGet, "/v1/auth/qr/other", "7")
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.State != "EXPIRED" || resp.AccountID != 0 {
		t.Fatalf("чужой тикет должен выглядеть истёкшим, получили %+v", resp)
	}

	resp = ticketResponse{}
	rec = do(t, router, http.MethodGet, "/v1/auth/qr/unknown", "7")
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.State != "EXPIRED" {
		t.Fatalf("неизвестный тикет должен быть EXPIRED, получили %+v", resp)
	}
}

func TestAccountChannelsScopedToOwner(t *testing.T) {
	login := &stubLogin{accounts: []domain.Account{{ID: 5, OwnerID: 7, Active: true}, {ID: 6, OwnerID: 8}}}
	router := newRouter(login, &stubTop{})

	rec := do(t, router, http.MethodGet, "/v1/accounts/5/channels", "7")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var channels []channelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &channels); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	if len(channels) != 1 || channels[0].Accessible || channels[0].Cursor != 42 {
		t.Fatalf("неожиданные каналы %+v", channels)
	}

	if rec := do(t, router, http.MethodGet, "/v1/accounts/6/channels", "7"); rec.Code != http.StatusNotFound {
		t.Fatalf("чужой аккаунт должен давать 404, получили %d", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/v1/accounts", "7")
	var accounts []accountResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &accounts)
	if len(accounts) != 1 || accounts[0].ID != 5 {
		t.Fatalf("ожидали только аккаунт 5, получили %+v", accounts)
	}
}

func TestTopParsesQuery(t *testing.T) {
	top := &stubTop{}
	router := newRouter(&stubLogin{}, top)

	rec := do(t, router, http.MethodGet, "/v1/top?window=7d&by=topic&limit=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if top.kind != domain.EntityTopic || top.window != domain.Window7d || top.limit != 3 {
		t.Fatalf("неверные параметры %+v", top)
	}

	do(t, router, http.MethodGet, "/v1/top", "")
	if top.kind != domain.EntityMessage || top.window != domain.Window24h || top.limit != 10 {
		t.Fatalf("неверные параметры по умолчанию %+v", top)
	}

	for _, path := range []string{"/v1/top?window=1h", "/v1/top?by=user", "/v1/top?limit=0"} {
		if rec := do(t, router, http.MethodGet, path, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("ожидали 400 для %s, получили %d", path, rec.Code)
		}
	}
}

func TestTopicMessages(t *testing.T) {
	router := newRouter(&stubLogin{}, &stubTop{})
	rec := do(t, router, http.MethodGet, "/v1/topics/3/messages", "")
	var msgs []messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "привет" {
		t.Fatalf("неожиданные сообщения %+v", msgs)
	}
	if rec := do(t, router, http.MethodGet, "/v1/topics/abc/messages", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", rec.Code)
	}
}

func TestRemoveAccountScopedToOwner(t *testing.T) {
	login := &stubLogin{accounts: []domain.Account{
		{ID: 5, OwnerID: 7, Active: true},
		{ID: 6, OwnerID: 8, Active: true},
		{ID: 9, OwnerID: 7, Active: false},
	}}
	router := newRouter(login, &stubTop{})

	if rec := do(t, router, http.MethodDelete, "/v1/accounts/5", "7"); rec.Code != http.StatusNoContent {
		t.Fatalf("ожидали 204, получили %d: %s", rec.Code, rec.Body.String())
	}
	if reason := login.deactivated[5]; reason != "removed by owner" {
		t.Fatalf("аккаунт 5 должен быть отключён владельцем, причина %q", reason)
	}

	if rec := do(t, router, http.MethodDelete, "/v1/accounts/6", "7"); rec.Code != http.StatusNotFound {
		t.Fatalf("чужой аккаунт должен давать 404, получили %d", rec.Code)
	}
	if _, ok := login.deactivated[6]; ok {
		t.Fatal("чужой аккаунт не должен отключаться")
	}

	if rec := do(t, router, http.MethodDelete, "/v1/accounts/9", "7"); rec.Code != http.StatusNoContent {
		t.Fatalf("повторное удаление должно давать 204, получили %d", rec.Code)
	}
	if _, ok := login.deactivated[9]; ok {
		t.Fatal("уже отключённый аккаунт не должен отключаться повторно")
	}

	if rec := do(t, router, http.MethodDelete, "/v1/accounts/5", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("без владельца ожидали 401, получили %d", rec.Code)
	}
}

func TestFeedParsesFilters(t *testing.T) {
	fd := &stubFeed{}
	router := newRouterWithFeed(&stubLogin{}, &stubTop{}, fd)

	rec := do(t, router, http.MethodGet, "/v1/feed?channel_id=11&type=photo&lang=ru&date_from=2024-03-01&date_to=2024-03-02T12:00:00Z&limit=5", "7")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	got := fd.filter
	if got.OwnerID != 7 || got.ChannelID != 11 || got.Type != domain.MessageTypePhoto || got.Lang != "ru" || got.Limit != 5 {
		t.Fatalf("неверный фильтр %+v", got)
	}
	if !got.From.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) || !got.To.Equal(time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("неверные границы дат %v .. %v", got.From, got.To)
	}
	var msgs []messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MsgID != 77 {
		t.Fatalf("неожиданная лента %+v", msgs)
	}

	for _, path := range []string{"/v1/feed?channel_id=x", "/v1/feed?date_from=yesterday", "/v1/feed?limit=-1", "/v1/feed?date_from=2024-03-02&date_to=2024-03-01"} {
		if rec := do(t, router, http.MethodGet, path, "7"); rec.Code != http.StatusBadRequest {
			t.Fatalf("ожидали 400 для %s, получили %d", path, rec.Code)
		}
	}
	if rec := do(t, router, http.MethodGet, "/v1/feed", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("лента без владельца должна давать 401, получили %d", rec.Code)
	}
}

func TestTopIncludesDetails(t *testing.T) {
	router := newRouter(&stubLogin{}, &stubTop{})

	var resp []rankingResponse
	rec := do(t, router, http.MethodGet, "/v1/top", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	if len(resp) != 1 || resp[0].Text != "горячая новость" || resp[0].ChannelID != 11 || resp[0].MsgID != 77 {
		t.Fatalf("запись рейтинга сообщений без деталей: %+v", resp)
	}

	resp = nil
	rec = do(t, router, http.MethodGet, "/v1/top?by=topic", "")
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp) != 1 || resp[0].Title != "тема дня" || resp[0].Text != "" {
		t.Fatalf("запись рейтинга тем без заголовка: %+v", resp)
	}
}
