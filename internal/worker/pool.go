// Package worker runs the bounded-concurrency pool that advances item state.
// Each job touches exactly one item; safety under duplicate deliveries comes
// from the store's per-call atomicity and idempotent transitions, not from
// any cross-worker locking.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
)

// Store is the persistence surface the pool needs. *store.Store satisfies it;
// tests substitute an in-memory fake.
type Store interface {
	GetItem(ctx context.Context, id string) (models.Item, error)
	SetStatus(ctx context.Context, id string, status models.ItemStatus) (models.Item, error)
	AppendEvent(ctx context.Context, id, message string, ts time.Time) (models.Item, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	MarkJobSucceeded(ctx context.Context, id string) error
	MarkJobExhausted(ctx context.Context, id string, lastErr string) error
	PurgeFinishedJobs(ctx context.Context, succeededBefore, exhaustedBefore time.Time) (int64, error)
}

// Queue is the consumer surface of the job queue.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (requeued, exhausted []string, err error)
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Limiter gates job starts globally across all workers.
type Limiter interface {
	Wait(ctx context.Context, key string) (int, error)
}

// Handler executes the processing step for one item.
type Handler func(ctx context.Context, job models.Job, item models.Item) error

const startLimiterKey = "rl:job-starts"

// Pool owns N worker goroutines plus one janitor goroutine that promotes
// scheduled jobs, reclaims stalled leases, and purges expired job rows.
type Pool struct {
	cfg            config.Config
	queue          Queue
	store          Store
	limiter        Limiter
	handlers       map[string]Handler
	defaultHandler Handler
	logger         *slog.Logger
}

func New(cfg config.Config, q Queue, st Store, limiter Limiter, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:      cfg,
		queue:    q,
		store:    st,
		limiter:  limiter,
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "worker"),
	}
	p.defaultHandler = p.simulateProcessing
	return p
}

// RegisterHandler binds a handler to a job kind.
func (p *Pool) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts the janitor and worker goroutines and blocks until the context
// is cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runJanitor(ctx)
	}()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runWorker(ctx, slot)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) runWorker(ctx context.Context, slot int) {
	logger := p.logger.With("slot", slot)
	for {
		if ctx.Err() != nil {
			return
		}

		if p.limiter != nil {
			waits, err := p.limiter.Wait(ctx, startLimiterKey)
			telemetry.RateLimitWaits.Add(float64(waits))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("job-start limiter", "error", err)
				p.sleep(ctx)
				continue
			}
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue", "error", err)
			p.sleep(ctx)
			continue
		}
		if jobID == "" {
			p.sleep(ctx)
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.execute(ctx, logger, jobID)
		telemetry.InFlightGauge.Dec()
	}
}

func (p *Pool) sleep(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}

func (p *Pool) handlerFor(kind string) Handler {
	if h, ok := p.handlers[kind]; ok {
		return h
	}
	return p.defaultHandler
}

// isBenignRace reports whether an error means the item vanished underneath a
// running job. The job is then acked as a no-op, never retried.
func isBenignRace(err error) bool {
	return err != nil && errors.Is(err, store.ErrNotFound)
}
