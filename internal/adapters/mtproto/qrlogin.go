package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
)

// ErrPasswordRequired возвращается, если у аккаунта включена двухфакторная защита.
var ErrPasswordRequired = errors.New("2FA password required")

// QRLogin выполняет вход по QR-коду на отдельном временном клиенте.
type QRLogin struct {
	apiID   int
	apiHash string
	log     zerolog.Logger
}

var _ domain.LoginProvider = (*QRLogin)(nil)

// NewQRLogin создаёт провайдер входа.
func NewQRLogin(apiID int, apiHash string, log zerolog.Logger) *QRLogin {
	return &QRLogin{apiID: apiID, apiHash: apiHash, log: log.With().Str("component", "qr_login").Logger()}
}

// Login блокируется до подтверждения входа; show вызывается для каждого нового токена.
func (q *QRLogin) Login(ctx context.Context, show func(qrURL string)) (domain.LoginResult, error) {
	storage := newMemoryStorage(nil, nil, q.log)
	dispatcher := tg.NewUpdateDispatcher()
	loggedIn := qrlogin.OnLoginToken(dispatcher)
	client := telegram.NewClient(q.apiID, q.apiHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  dispatcher,
	})

	var result domain.LoginResult
	err := client.Run(ctx, func(ctx context.Context) error {
		_, err := client.QR().Auth(ctx, loggedIn, func(ctx context.Context, token qrlogin.Token) error {
			q.log.Debug().Time("expires", token.Expires()).Msg("qr_login: new token")
			show(token.URL())
			return nil
		})
		if err != nil {
			if tgerr.Is(err, "SESSION_PASSWORD_NEEDED") {
				return ErrPasswordRequired
			}
			return fmt.Errorf("qr auth: %w", err)
		}
		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("get self: %w", err)
		}
		result.Phone = self.Phone
		if result.Phone == "" {
			result.Phone = "user_" + strconv.FormatInt(self.ID, 10)
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrPasswordRequired) {
			return domain.LoginResult{}, ctxErr
		}
		return domain.LoginResult{}, err
	}
	result.Session = storage.Bytes()
	if len(result.Session) == 0 {
		return domain.LoginResult{}, errors.New("qr auth: client did not store session")
	}
	return result, nil
}
