package mtproto

import (
	"bytes"
	"context"
	"sync"

	"github.com/gotd/td/session"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
)

// memoryStorage держит расшифрованную сессию в памяти процесса и отдаёт обновления наружу.
type memoryStorage struct {
	mu      sync.Mutex
	data    []byte
	persist domain.SessionPersistFunc
	log     zerolog.Logger
}

var _ session.Storage = (*memoryStorage)(nil)

func newMemoryStorage(data []byte, persist domain.SessionPersistFunc, log zerolog.Logger) *memoryStorage {
	return &memoryStorage{data: append([]byte(nil), data...), persist: persist, log: log}
}

// LoadSession загружает сессию.
func (s *memoryStorage) LoadSession(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

// StoreSession сохраняет сессию и передаёт изменения в persist.
func (s *memoryStorage) StoreSession(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if bytes.Equal(s.data, data) {
		s.mu.Unlock()
		return nil
	}
	s.data = append([]byte(nil), data...)
	persist := s.persist
	s.mu.Unlock()

	if persist == nil {
		return nil
	}
	if err := persist(context.WithoutCancel(ctx), data); err != nil {
		s.log.Warn().Err(err).Msg("mtproto: persist refreshed session")
	}
	return nil
}

// Bytes возвращает текущую сессию.
func (s *memoryStorage) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}
