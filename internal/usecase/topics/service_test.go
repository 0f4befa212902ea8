package topics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
)

type memTopicRepo struct {
	counterIDs
	open      []domain.OpenTopicRecord
	pending   []domain.Message
	saved     []domain.ClusterChanges
	listOpen  int
	saveErr   error
	topicMsgs map[int64][]domain.Message
}

func (r *memTopicRepo) ListOpenTopics(context.Context) ([]domain.OpenTopicRecord, error) {
	r.listOpen++
	return r.open, nil
}

func (r *memTopicRepo) ListUnclustered(context.Context, time.Time, int) ([]domain.Message, error) {
	out := r.pending
	r.pending = nil
	return out, nil
}

func (r *memTopicRepo) SaveClusterChanges(_ context.Context, changes domain.ClusterChanges) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saved = append(r.saved, changes)
	return nil
}

func (r *memTopicRepo) ListTopicMessages(_ context.Context, id int64) ([]domain.Message, error) {
	return r.topicMsgs[id], nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestRunPassSavesAndPublishes(t *testing.T) {
	repo := &memTopicRepo{pending: []domain.Message{
		msg(1, 0, "Central bank raises interest rates", "economy"),
		msg(2, 1, "Central bank raises interest rates", "economy"),
	}}
	pub := &recordingPublisher{}
	svc := NewService(repo, pub, defaultConfig(), time.Hour, 100, zerolog.Nop())
	svc.now = func() time.Time { return base.Add(time.Hour) }

	res, err := svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(res.Opened) != 1 {
		t.Fatalf("ожидали одну тему, получили %v", res.Opened)
	}
	if len(repo.saved) != 1 || len(repo.saved[0].Memberships) != 2 {
		t.Fatalf("изменения должны сохраниться одним вызовом: %+v", repo.saved)
	}
	if len(pub.events) != 1 || pub.events[0].Type != domain.EventTopicOpened || len(pub.events[0].MessageIDs) != 2 {
		t.Fatalf("ожидали событие topic.opened с двумя сообщениями: %+v", pub.events)
	}

	if _, err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if repo.listOpen != 1 {
		t.Fatalf("открытые темы читаются один раз, прочитано %d", repo.listOpen)
	}
}

func TestRunPassReloadsAfterSaveFailure(t *testing.T) {
	repo := &memTopicRepo{pending: []domain.Message{msg(1, 0, "Central bank raises interest rates")}, saveErr: errors.New("db down")}
	svc := NewService(repo, nil, defaultConfig(), time.Hour, 100, zerolog.Nop())
	svc.now = func() time.Time { return base.Add(time.Hour) }

	if _, err := svc.RunPass(context.Background()); err == nil {
		t.Fatalf("ожидали ошибку сохранения")
	}
	repo.saveErr = nil
	if _, err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if repo.listOpen != 2 {
		t.Fatalf("после сбоя открытые темы должны перечитываться, прочитано %d", repo.listOpen)
	}
}

type stubLocker struct {
	busy     bool
	acquired int
	released int
}

func (l *stubLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	if key != passLockKey {
		return nil, false, errors.New("неожиданный ключ " + key)
	}
	if l.busy {
		return nil, false, nil
	}
	l.acquired++
	return func() { l.released++ }, true, nil
}

func TestRunPassSkipsWhenLockHeld(t *testing.T) {
	repo := &memTopicRepo{pending: []domain.Message{msg(1, 0, "Central bank raises interest rates", "economy")}}
	locker := &stubLocker{busy: true}
	svc := NewService(repo, nil, defaultConfig(), time.Hour, 100, zerolog.Nop()).WithLocker(locker, time.Minute)
	svc.now = func() time.Time { return base.Add(time.Hour) }

	res, err := svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(res.Opened) != 0 || len(repo.saved) != 0 || len(repo.pending) != 1 {
		t.Fatalf("при занятой блокировке проход не должен ничего делать: %+v, saved=%d", res, len(repo.saved))
	}

	locker.busy = false
	if _, err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if locker.acquired != 2 || locker.released != 2 {
		t.Fatalf("ожидали два захвата и два освобождения, получили %d/%d", locker.acquired, locker.released)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("ожидали одно сохранение, получили %d", len(repo.saved))
	}
	if repo.listOpen != 2 {
		t.Fatalf("под блокировкой открытые темы перечитываются каждый проход, прочитано %d", repo.listOpen)
	}
}
