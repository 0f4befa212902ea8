package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Owner описывает владельца аккаунтов, от имени которого выполняется запрос.
type Owner struct {
	ID   int64
	TGID int64
}

type ownerKey struct{}

// OwnerFromContext достаёт владельца, положенного OwnerAuthMiddleware.
func OwnerFromContext(ctx context.Context) (Owner, bool) {
	owner, ok := ctx.Value(ownerKey{}).(Owner)
	return owner, ok
}

// WithOwner кладёт владельца в контекст.
func WithOwner(ctx context.Context, owner Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

var (
	errNoInitData   = errors.New("init_data отсутствует")
	errBadSignature = errors.New("подпись недействительна")
	errInitExpired  = errors.New("init_data устарела")
)

// OwnerAuthMiddleware проверяет initData Telegram WebApp по токену бота.
// Без токена (dev) владелец берётся из заголовка X-Owner-ID.
func OwnerAuthMiddleware(botToken string, maxAge time.Duration) func(http.Handler) http.Handler {
	secret := webAppSecret(botToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				owner Owner
				err   error
			)
			if botToken == "" {
				owner, err = ownerFromHeader(r)
			} else {
				initData := r.Header.Get("X-Telegram-Init-Data")
				if initData == "" {
					initData = r.URL.Query().Get("init_data")
				}
				owner, err = ValidateInitData(initData, secret, maxAge, time.Now())
			}
			if err != nil {
				WriteError(w, http.StatusUnauthorized, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func webAppSecret(botToken string) []byte {
	h := hmac.New(sha256.New, []byte("WebAppData"))
	h.Write([]byte(botToken))
	return h.Sum(nil)
}

func ownerFromHeader(r *http.Request) (Owner, error) {
	id, err := strconv.ParseInt(r.Header.Get("X-Owner-ID"), 10, 64)
	if err != nil || id <= 0 {
		return Owner{}, errors.New("X-Owner-ID отсутствует")
	}
	return Owner{ID: id, TGID: id}, nil
}

// ValidateInitData проверяет подпись initData и возвращает пользователя.
func ValidateInitData(initData string, secret []byte, maxAge time.Duration, now time.Time) (Owner, error) {
	if initData == "" {
		return Owner{}, errNoInitData
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return Owner{}, errBadSignature
	}
	hash := values.Get("hash")
	if hash == "" {
		return Owner{}, errBadSignature
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strings.Join(lines, "\n")))
	expected, err := hex.DecodeString(hash)
	if err != nil || !hmac.Equal(h.Sum(nil), expected) {
		return Owner{}, errBadSignature
	}
	if maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil || now.Sub(time.Unix(authDate, 0)) > maxAge {
			return Owner{}, errInitExpired
		}
	}
	var user struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID == 0 {
		return Owner{}, errBadSignature
	}
	return Owner{ID: user.ID, TGID: user.ID}, nil
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, ErrorResponse{Error: err.Error()})
}

// WriteJSON отправляет значение в JSON.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
