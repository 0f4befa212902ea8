package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
	"tg-trend-engine/internal/usecase/ingest"
)

// AccountSource отдаёт активные аккаунты.
type AccountSource interface {
	ListActiveAccounts(ctx context.Context) ([]domain.Account, error)
}

// AccountPoller выполняет цикл опроса одного аккаунта.
type AccountPoller interface {
	PollAccount(ctx context.Context, account domain.Account) (ingest.Report, error)
}

// Deactivator отключает аккаунт с отозванной сессией.
type Deactivator interface {
	Deactivate(ctx context.Context, account domain.Account, reason string) error
}

// Orchestrator запускает циклы опроса аккаунтов по таймеру с ограничением параллелизма.
type Orchestrator struct {
	accounts    AccountSource
	poller      AccountPoller
	deactivator Deactivator
	interval    time.Duration
	sem         *semaphore.Weighted
	log         zerolog.Logger

	mu       sync.Mutex
	inflight map[int64]struct{}
	offset   int
	wg       sync.WaitGroup
}

// New создаёт оркестратор.
func New(accounts AccountSource, poller AccountPoller, deactivator Deactivator, interval time.Duration, maxConcurrent int, log zerolog.Logger) *Orchestrator {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		accounts:    accounts,
		poller:      poller,
		deactivator: deactivator,
		interval:    interval,
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		log:         log,
		inflight:    make(map[int64]struct{}),
	}
}

// Run запускает циклы до отмены ctx и дожидается завершения начатых циклов.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	o.log.Info().Dur("interval", o.interval).Msg("orchestrator: started")
	o.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("orchestrator: stopping, waiting for in-flight cycles")
			o.wg.Wait()
			o.log.Info().Msg("orchestrator: stopped")
			return nil
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick ставит в очередь циклы для всех активных аккаунтов, которые сейчас не опрашиваются.
// Порядок сдвигается на каждом тике, семафор выдаёт слоты в порядке очереди.
func (o *Orchestrator) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	accounts, err := o.accounts.ListActiveAccounts(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("orchestrator: list accounts")
		return
	}
	queue := o.enqueue(accounts)
	if len(queue) == 0 {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for i, acc := range queue {
			if err := o.sem.Acquire(ctx, 1); err != nil {
				o.release(queue[i:]...)
				return
			}
			o.wg.Add(1)
			go func(acc domain.Account) {
				defer o.wg.Done()
				defer o.sem.Release(1)
				defer o.release(acc)
				o.runCycle(ctx, acc)
			}(acc)
		}
	}()
}

// Wait дожидается завершения всех запущенных циклов.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) enqueue(accounts []domain.Account) []domain.Account {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(accounts)
	if n == 0 {
		return nil
	}
	start := o.offset % n
	o.offset++
	queue := make([]domain.Account, 0, n)
	for i := 0; i < n; i++ {
		acc := accounts[(start+i)%n]
		if _, busy := o.inflight[acc.ID]; busy {
			continue
		}
		o.inflight[acc.ID] = struct{}{}
		queue = append(queue, acc)
	}
	return queue
}

func (o *Orchestrator) release(accounts ...domain.Account) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, acc := range accounts {
		delete(o.inflight, acc.ID)
	}
}

func (o *Orchestrator) runCycle(ctx context.Context, acc domain.Account) {
	start := time.Now()
	metrics.CyclesInFlight.Inc()
	defer func() {
		metrics.CyclesInFlight.Dec()
		metrics.AccountCycleSeconds.Observe(time.Since(start).Seconds())
	}()
	logger := o.log.With().Int64("account_id", acc.ID).Str("cycle_id", uuid.NewString()).Logger()

	report, err := o.poller.PollAccount(ctx, acc)
	switch {
	case err == nil:
		logger.Debug().
			Int("channels", report.Channels).
			Int("upserted", report.Upserted).
			Int("skipped", report.Skipped).
			Int("rate_limited", report.RateLimited).
			Int("failed", report.Failed).
			Dur("took", time.Since(start)).
			Msg("orchestrator: cycle finished")
	case errors.Is(err, domain.ErrSessionRevoked):
		logger.Warn().Err(err).Msg("orchestrator: session revoked, deactivating account")
		if o.deactivator != nil {
			if derr := o.deactivator.Deactivate(context.WithoutCancel(ctx), acc, err.Error()); derr != nil {
				logger.Error().Err(derr).Msg("orchestrator: deactivate account")
			}
		}
	case errors.Is(err, domain.ErrAccountInactive), errors.Is(err, context.Canceled):
		logger.Debug().Err(err).Msg("orchestrator: cycle skipped")
	default:
		logger.Error().Err(err).Msg("orchestrator: cycle failed")
	}
}
