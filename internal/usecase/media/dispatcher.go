package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// ErrEmptyMedia означает, что загрузка вернула пустое содержимое.
var ErrEmptyMedia = errors.New("media: empty payload")

// DefaultUploadTimeout ограничивает общую загрузку одного содержимого.
const DefaultUploadTimeout = 2 * time.Minute

// Dispatcher сохраняет медиа в объектное хранилище без дублей по хэшу.
type Dispatcher struct {
	repo    domain.MediaRepo
	store   domain.ObjectStore
	log     zerolog.Logger
	group   singleflight.Group
	timeout time.Duration
}

// NewDispatcher создаёт диспетчер.
func NewDispatcher(repo domain.MediaRepo, store domain.ObjectStore, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{repo: repo, store: store, log: log, timeout: DefaultUploadTimeout}
}

// ContentHash возвращает sha256 содержимого в hex.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Dispatch возвращает ассет с ссылкой и хэшем. Если ассет с таким хэшем уже есть, повторной загрузки нет.
func (d *Dispatcher) Dispatch(ctx context.Context, kind, contentType string, data []byte) (domain.MediaAsset, error) {
	if len(data) == 0 {
		return domain.MediaAsset{}, ErrEmptyMedia
	}
	hash := ContentHash(data)
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	// Общая загрузка не зависит от отмены контекста первого вызова:
	// её ждут и другие аккаунты с тем же содержимым.
	ch := d.group.DoChan(hash, func() (any, error) {
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		return d.dispatch(workCtx, kind, contentType, hash, data)
	})
	select {
	case <-ctx.Done():
		return domain.MediaAsset{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.MediaAsset{}, res.Err
		}
		if res.Shared {
			metrics.MediaDedupHits.Inc()
		}
		return res.Val.(domain.MediaAsset), nil
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, kind, contentType, hash string, data []byte) (domain.MediaAsset, error) {
	existing, ok, err := d.repo.FindMediaAsset(ctx, hash)
	if err != nil {
		return domain.MediaAsset{}, fmt.Errorf("media: find %s: %w", hash, err)
	}
	if ok {
		metrics.MediaDedupHits.Inc()
		d.log.Debug().Str("hash", hash).Msg("media: dedup hit")
		return existing, nil
	}
	reference, err := d.store.Put(ctx, data, hash, contentType)
	if err != nil {
		return domain.MediaAsset{}, fmt.Errorf("media: put %s: %w", hash, err)
	}
	metrics.MediaUploads.Inc()
	asset, err := d.repo.InsertMediaAsset(ctx, domain.MediaAsset{
		Kind:        kind,
		Reference:   reference,
		ContentHash: hash,
		Size:        int64(len(data)),
	})
	if err != nil {
		return domain.MediaAsset{}, fmt.Errorf("media: insert %s: %w", hash, err)
	}
	return asset, nil
}
