package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// Sealer шифрует байты сессии версионированным ключом.
type Sealer interface {
	Seal(plain []byte) ([]byte, int, error)
	Open(sealed []byte, version int) ([]byte, error)
	Active() int
}

// Config задаёт таймауты входа.
type Config struct {
	LoginTTL time.Duration
	// Сколько BeginLogin ждёт первого QR-токена.
	QRWait time.Duration
	// Сколько хранить завершённые тикеты.
	Retention time.Duration
}

// Manager управляет жизненным циклом MTProto-сессий аккаунтов.
type Manager struct {
	accounts  domain.AccountRepo
	login     domain.LoginProvider
	connector domain.RemoteConnector
	sealer    Sealer
	notifier  domain.Notifier
	events    domain.EventPublisher
	log       zerolog.Logger
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	tickets map[string]*ticket
}

// NewManager создаёт менеджер. notifier и events могут быть nil.
func NewManager(accounts domain.AccountRepo, login domain.LoginProvider, connector domain.RemoteConnector, sealer Sealer, notifier domain.Notifier, events domain.EventPublisher, cfg Config, log zerolog.Logger) *Manager {
	if cfg.LoginTTL <= 0 {
		cfg.LoginTTL = 5 * time.Minute
	}
	if cfg.QRWait <= 0 {
		cfg.QRWait = 15 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 2 * cfg.LoginTTL
	}
	return &Manager{
		accounts:  accounts,
		login:     login,
		connector: connector,
		sealer:    sealer,
		notifier:  notifier,
		events:    events,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
		tickets:   make(map[string]*ticket),
	}
}

// BeginLogin выдаёт тикет входа и дожидается первого QR-токена.
func (m *Manager) BeginLogin(ctx context.Context, ownerID, ownerTGID int64) (LoginTicket, error) {
	if m.login == nil {
		return LoginTicket{}, errors.New("session: login provider is not configured")
	}
	m.sweep()
	now := m.now()
	loginCtx, cancel := context.WithTimeout(context.Background(), m.cfg.LoginTTL)
	t := &ticket{
		snapshot: LoginTicket{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			State:     TicketPending,
			ExpiresAt: now.Add(m.cfg.LoginTTL),
		},
		cancel:  cancel,
		qrReady: make(chan struct{}),
	}
	m.mu.Lock()
	m.tickets[t.snapshot.ID] = t
	m.mu.Unlock()

	go m.runLogin(loginCtx, t, ownerID, ownerTGID)

	select {
	case <-t.qrReady:
	case <-ctx.Done():
		return t.view(m.now()), ctx.Err()
	case <-time.After(m.cfg.QRWait):
	}
	return t.view(m.now()), nil
}

func (m *Manager) runLogin(ctx context.Context, t *ticket, ownerID, ownerTGID int64) {
	id := t.snapshot.ID
	logger := m.log.With().Str("ticket", id).Int64("owner_id", ownerID).Logger()
	res, err := m.login.Login(ctx, t.setQR)
	if err != nil {
		state := TicketFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			state = TicketExpired
		}
		t.finish(state, err.Error(), 0, m.now())
		logger.Info().Err(err).Str("state", string(state)).Msg("session: login finished without authorization")
		return
	}
	if !t.authorize() {
		logger.Warn().Msg("session: scan confirmed after ticket finished, session dropped")
		return
	}
	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	account, err := m.store(storeCtx, ownerID, ownerTGID, res.Phone, res.Session)
	if err != nil {
		t.finish(TicketFailed, err.Error(), 0, m.now())
		logger.Error().Err(err).Msg("session: store authorized session")
		return
	}
	t.finish(TicketAuthorized, "", account.ID, m.now())
	logger.Info().Int64("account_id", account.ID).Msg("session: account authorized")
}

// PollLogin возвращает состояние тикета. Неизвестные тикеты считаются истёкшими.
func (m *Manager) PollLogin(id string) LoginTicket {
	m.mu.Lock()
	t, ok := m.tickets[id]
	m.mu.Unlock()
	if !ok {
		return LoginTicket{ID: id, State: TicketExpired}
	}
	return t.view(m.now())
}

func (m *Manager) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tickets {
		view := t.view(now)
		t.mu.Lock()
		doneAt := t.doneAt
		t.mu.Unlock()
		if view.State.Terminal() && now.Sub(doneAt) > m.cfg.Retention {
			delete(m.tickets, id)
		}
	}
}

func (m *Manager) store(ctx context.Context, ownerID, ownerTGID int64, phone string, plain []byte) (domain.Account, error) {
	sealed, version, err := m.sealer.Seal(plain)
	if err != nil {
		return domain.Account{}, fmt.Errorf("session: seal: %w", err)
	}
	account, err := m.accounts.CreateAccount(ctx, domain.Account{
		OwnerID:       ownerID,
		OwnerTGID:     ownerTGID,
		Phone:         phone,
		SessionCipher: sealed,
		KeyVersion:    version,
		Active:        true,
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("session: create account: %w", err)
	}
	return account, nil
}

// ImportSession сохраняет готовую сессию как новый активный аккаунт.
func (m *Manager) ImportSession(ctx context.Context, ownerID, ownerTGID int64, phone string, session []byte) (domain.Account, error) {
	if len(session) == 0 {
		return domain.Account{}, errors.New("session: empty session")
	}
	return m.store(ctx, ownerID, ownerTGID, phone, session)
}

// GetLiveSession расшифровывает сессию аккаунта и подключается к Telegram.
func (m *Manager) GetLiveSession(ctx context.Context, account domain.Account) (domain.RemoteSession, error) {
	if !account.Active {
		return nil, domain.ErrAccountInactive
	}
	plain, err := m.sealer.Open(account.SessionCipher, account.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("session: open account %d: %w", account.ID, err)
	}
	persist := func(ctx context.Context, data []byte) error {
		sealed, version, err := m.sealer.Seal(data)
		if err != nil {
			return fmt.Errorf("session: seal: %w", err)
		}
		return m.accounts.UpdateSession(ctx, account.ID, sealed, version)
	}
	sess, err := m.connector.Connect(ctx, account, plain, persist)
	if err != nil {
		return nil, fmt.Errorf("session: connect account %d: %w", account.ID, err)
	}
	return sess, nil
}

// Deactivate отключает аккаунт и уведомляет владельца.
func (m *Manager) Deactivate(ctx context.Context, account domain.Account, reason string) error {
	if err := m.accounts.DeactivateAccount(ctx, account.ID, reason); err != nil {
		return fmt.Errorf("session: deactivate %d: %w", account.ID, err)
	}
	metrics.AccountsDeactivated.Inc()
	account.Active = false
	account.LastError = reason
	if m.notifier != nil {
		if err := m.notifier.NotifyAccountDeactivated(ctx, account, reason); err != nil {
			m.log.Warn().Err(err).Int64("account_id", account.ID).Msg("session: notify owner")
		}
	}
	if m.events != nil {
		ev := domain.Event{
			ID:         uuid.NewString(),
			Type:       domain.EventAccountDeactivated,
			AccountID:  account.ID,
			Meta:       map[string]any{"reason": reason},
			OccurredAt: m.now().UTC(),
		}
		if err := m.events.Publish(ctx, ev); err != nil {
			m.log.Warn().Err(err).Int64("account_id", account.ID).Msg("session: publish deactivation")
		}
	}
	return nil
}

// RotateKeys перешифровывает сессии, сохранённые не активной версией ключа.
func (m *Manager) RotateKeys(ctx context.Context) (int, error) {
	accounts, err := m.accounts.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: list accounts: %w", err)
	}
	active := m.sealer.Active()
	rotated := 0
	for _, acc := range accounts {
		if acc.KeyVersion == active {
			continue
		}
		plain, err := m.sealer.Open(acc.SessionCipher, acc.KeyVersion)
		if err != nil {
			return rotated, fmt.Errorf("session: open account %d: %w", acc.ID, err)
		}
		sealed, version, err := m.sealer.Seal(plain)
		if err != nil {
			return rotated, fmt.Errorf("session: seal account %d: %w", acc.ID, err)
		}
		if err := m.accounts.UpdateSession(ctx, acc.ID, sealed, version); err != nil {
			return rotated, fmt.Errorf("session: update account %d: %w", acc.ID, err)
		}
		rotated++
	}
	return rotated, nil
}

// Accounts возвращает аккаунты со статусами.
func (m *Manager) Accounts(ctx context.Context) ([]domain.Account, error) {
	return m.accounts.ListAccounts(ctx)
}
