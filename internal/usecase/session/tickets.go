package session

import (
	"context"
	"sync"
	"time"
)

// TicketState описывает состояние входа по QR.
type TicketState string

const (
	TicketPending    TicketState = "PENDING"
	TicketAuthorized TicketState = "AUTHORIZED"
	TicketFailed     TicketState = "FAILED"
	TicketExpired    TicketState = "EXPIRED"
)

// Terminal сообщает, что состояние больше не изменится.
func (s TicketState) Terminal() bool {
	return s != TicketPending
}

// LoginTicket содержит снимок тикета входа.
type LoginTicket struct {
	ID        string
	OwnerID   int64
	State     TicketState
	QRURL     string
	AccountID int64
	Error     string
	ExpiresAt time.Time
}

type ticket struct {
	mu       sync.Mutex
	snapshot LoginTicket
	cancel   context.CancelFunc
	qrReady  chan struct{}
	qrOnce   sync.Once
	doneAt   time.Time
	// Скан подтверждён, аккаунт сохраняется; тикет больше не истекает.
	authorizing bool
}

func (t *ticket) view(now time.Time) LoginTicket {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot.State == TicketPending && !t.authorizing && now.After(t.snapshot.ExpiresAt) {
		t.finishLocked(TicketExpired, "login timed out", now)
	}
	return t.snapshot
}

func (t *ticket) setQR(url string) {
	t.mu.Lock()
	if t.snapshot.State == TicketPending {
		t.snapshot.QRURL = url
	}
	t.mu.Unlock()
	t.qrOnce.Do(func() { close(t.qrReady) })
}

// authorize фиксирует подтверждённый скан. Возвращает false, если тикет уже завершён.
func (t *ticket) authorize() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot.State.Terminal() {
		return false
	}
	t.authorizing = true
	return true
}

// finish переводит тикет в конечное состояние; повторные переходы игнорируются.
func (t *ticket) finish(state TicketState, errText string, accountID int64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot.State.Terminal() {
		return false
	}
	t.snapshot.AccountID = accountID
	t.finishLocked(state, errText, now)
	return true
}

func (t *ticket) finishLocked(state TicketState, errText string, now time.Time) {
	if t.snapshot.State.Terminal() {
		return
	}
	t.snapshot.State = state
	t.snapshot.Error = errText
	t.doneAt = now
	if t.cancel != nil {
		t.cancel()
	}
	t.qrOnce.Do(func() { close(t.qrReady) })
}
