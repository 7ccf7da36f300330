// Package ingest coordinates item creation with fire-and-forget job
// dispatch. The request path only waits on store writes; queue trouble is
// logged and recovered later through manual retry.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
)

// ErrQueueUnavailable marks enqueue infrastructure failures. At the retry
// boundary it is surfaced alongside the already-applied status reset; at the
// ingestion boundary it never leaves this package.
var ErrQueueUnavailable = errors.New("queue unavailable")

// ItemStore is the subset of the store the ingestion service needs.
type ItemStore interface {
	CreateItem(ctx context.Context, p store.CreateItemParams) (models.Item, error)
	GetItem(ctx context.Context, id string) (models.Item, error)
	SetStatus(ctx context.Context, id string, status models.ItemStatus) (models.Item, error)
	AppendEvent(ctx context.Context, id, message string, ts time.Time) (models.Item, error)
	CreateJob(ctx context.Context, itemID, kind string, maxAttempts int, runAt time.Time) (models.Job, error)
}

// Enqueuer is the producer half of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID, itemID, kind string, runAt time.Time) error
}

// NewItem is one entry of an ingestion batch.
type NewItem struct {
	Name       string
	ContentRef string
	SizeBytes  int64
}

// Service implements batch ingestion and manual retry.
type Service struct {
	store  ItemStore
	queue  Enqueuer
	cfg    config.Config
	logger *slog.Logger
}

func New(st ItemStore, q Enqueuer, cfg config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, queue: q, cfg: cfg, logger: logger.With("component", "ingest")}
}

// IngestBatch persists every entry concurrently and dispatches one job per
// created item without awaiting the queue. It returns once all store writes
// have completed; a batch of K items costs roughly one item's latency.
func (s *Service) IngestBatch(ctx context.Context, batch []NewItem) ([]models.Item, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", store.ErrInvalidInput)
	}

	items := make([]models.Item, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range batch {
		i, entry := i, entry
		g.Go(func() error {
			item, err := s.store.CreateItem(gctx, store.CreateItemParams{
				Name:       entry.Name,
				ContentRef: entry.ContentRef,
				SizeBytes:  entry.SizeBytes,
			})
			if err != nil {
				return fmt.Errorf("create item %q: %w", entry.Name, err)
			}
			items[i] = item
			s.dispatchJob(ctx, item.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	telemetry.ItemsIngested.Add(float64(len(items)))
	return items, nil
}

// dispatchJob records a job and enqueues it in the background. The caller's
// response never waits on this; failures go to the log and the enqueue
// failure counter. The item remains recoverable via manual retry.
func (s *Service) dispatchJob(ctx context.Context, itemID string) {
	bg := context.WithoutCancel(ctx)
	go func() {
		job, err := s.store.CreateJob(bg, itemID, models.JobKindProcess, s.cfg.MaxAttempts, time.Time{})
		if err != nil {
			telemetry.EnqueueFailures.Inc()
			s.logger.Error("create job record", "item_id", itemID, "error", err)
			return
		}
		if err := s.queue.Enqueue(bg, job.ID, itemID, job.Kind, job.NextRunAt); err != nil {
			telemetry.EnqueueFailures.Inc()
			s.logger.Error("enqueue job", "job_id", job.ID, "item_id", itemID, "error", err)
		}
	}()
}

// Retry resets an item to uploaded, appends the retry event, and enqueues a
// fresh job with a zero attempt count. When the enqueue fails the reset is
// kept and the returned error wraps ErrQueueUnavailable; the item is simply
// without an active job until the next retry.
func (s *Service) Retry(ctx context.Context, id string) (models.Item, error) {
	if _, err := s.store.GetItem(ctx, id); err != nil {
		return models.Item{}, err
	}
	if _, err := s.store.SetStatus(ctx, id, models.StatusUploaded); err != nil {
		return models.Item{}, err
	}
	item, err := s.store.AppendEvent(ctx, id, "retry requested by user", time.Time{})
	if err != nil {
		return models.Item{}, err
	}

	job, err := s.store.CreateJob(ctx, id, models.JobKindProcess, s.cfg.MaxAttempts, time.Time{})
	if err != nil {
		s.logger.Error("create retry job record", "item_id", id, "error", err)
		return item, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if err := s.queue.Enqueue(ctx, job.ID, id, job.Kind, job.NextRunAt); err != nil {
		s.logger.Error("enqueue retry job", "job_id", job.ID, "item_id", id, "error", err)
		return item, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return item, nil
}
