package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"media-pipeline/internal/models"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
)

// execute drives one delivered job through the processing contract. Every
// step tolerates the item having been deleted: the delivery is acked as a
// successful no-op so the queue never retries work for a gone item.
func (p *Pool) execute(ctx context.Context, logger *slog.Logger, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidInput) {
			p.dropJob(ctx, logger, jobID, "job record gone")
			return
		}
		// Store unreachable: leave the lease alone so stall detection
		// redelivers once the store recovers.
		logger.Error("load job", "job_id", jobID, "error", err)
		return
	}
	if job.Outcome != models.OutcomePending {
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	logger = logger.With("job_id", jobID, "item_id", job.ItemID, "attempt", job.Attempts+1)

	item, err := p.store.GetItem(ctx, job.ItemID)
	if isBenignRace(err) {
		p.finishAsNoop(ctx, logger, jobID, "item deleted before processing")
		return
	}
	if err != nil {
		logger.Error("load item", "error", err)
		return
	}
	// Redelivery of an already-finished item must not revert state or
	// duplicate terminal events.
	if item.Status == models.StatusDone {
		p.finishAsNoop(ctx, logger, jobID, "item already done")
		return
	}

	if _, err := p.store.SetStatus(ctx, job.ItemID, models.StatusProcessing); err != nil {
		if isBenignRace(err) {
			p.finishAsNoop(ctx, logger, jobID, "item deleted before processing")
			return
		}
		p.failAttempt(ctx, logger, job, fmt.Errorf("mark processing: %w", err))
		return
	}
	if _, err := p.store.AppendEvent(ctx, job.ItemID, "processing started", time.Time{}); err != nil {
		if isBenignRace(err) {
			p.finishAsNoop(ctx, logger, jobID, "item deleted during processing")
			return
		}
		p.failAttempt(ctx, logger, job, fmt.Errorf("record start event: %w", err))
		return
	}

	if err := p.handlerFor(job.Kind)(ctx, job, item); err != nil {
		// Best-effort failure event first so the original error is never
		// masked by a logging hiccup.
		if _, evErr := p.store.AppendEvent(ctx, job.ItemID, fmt.Sprintf("processing failed: %s", err), time.Time{}); evErr != nil && !isBenignRace(evErr) {
			logger.Warn("record failure event", "error", evErr)
		}
		p.failAttempt(ctx, logger, job, err)
		return
	}

	if _, err := p.store.SetStatus(ctx, job.ItemID, models.StatusDone); err != nil {
		if isBenignRace(err) {
			p.finishAsNoop(ctx, logger, jobID, "item deleted during processing")
			return
		}
		p.failAttempt(ctx, logger, job, fmt.Errorf("mark done: %w", err))
		return
	}
	if _, err := p.store.AppendEvent(ctx, job.ItemID, "processing completed", time.Time{}); err != nil && !isBenignRace(err) {
		logger.Warn("record completion event", "error", err)
	}

	_ = p.queue.Ack(ctx, jobID)
	_ = p.store.MarkJobSucceeded(ctx, jobID)
	telemetry.JobsCompleted.Inc()
	logger.Info("job completed")
}

// finishAsNoop acknowledges a delivery whose item has disappeared or is
// already terminal. Counted as success so the queue drops it.
func (p *Pool) finishAsNoop(ctx context.Context, logger *slog.Logger, jobID, reason string) {
	_ = p.queue.Ack(ctx, jobID)
	_ = p.store.MarkJobSucceeded(ctx, jobID)
	telemetry.JobsDropped.Inc()
	logger.Info("job finished as no-op", "reason", reason)
}

// dropJob acknowledges a delivery that has no job record behind it.
func (p *Pool) dropJob(ctx context.Context, logger *slog.Logger, jobID, reason string) {
	_ = p.queue.Ack(ctx, jobID)
	telemetry.JobsDropped.Inc()
	logger.Info("job dropped", "job_id", jobID, "reason", reason)
}

// failAttempt applies the retry policy: reschedule with doubled backoff, or
// exhaust the job once the attempt budget is spent.
func (p *Pool) failAttempt(ctx context.Context, logger *slog.Logger, job models.Job, cause error) {
	attempts := job.Attempts + 1
	delay := Backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(delay)
	if err := p.store.UpdateJobAttempts(ctx, job.ID, attempts, nextRun, cause.Error()); err != nil {
		logger.Warn("record attempt", "error", err)
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	if attempts >= maxAttempts {
		_ = p.store.MarkJobExhausted(ctx, job.ID, cause.Error())
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.DLQPush(ctx, job.ID)
		telemetry.JobsExhausted.Inc()
		logger.Error("job exhausted", "attempts", attempts, "error", cause)
		return
	}

	_ = p.queue.Ack(ctx, job.ID)
	if err := p.queue.Schedule(ctx, job.ID, nextRun); err != nil {
		logger.Error("schedule retry", "error", err)
	}
	telemetry.JobsFailed.Inc()
	logger.Warn("job failed, retry scheduled", "attempts", attempts, "next_run", nextRun.UTC().Format(time.RFC3339), "error", cause)
}

// simulateProcessing is the default processing step: an opaque unit of work
// taking a randomized time within the configured range.
func (p *Pool) simulateProcessing(ctx context.Context, job models.Job, _ models.Item) error {
	min := p.cfg.ProcessingMin
	max := p.cfg.ProcessingMax
	if min <= 0 {
		min = 2 * time.Second
	}
	if max < min {
		max = min
	}
	delay := min
	if max > min {
		delay += time.Duration(rand.Int63n(int64(max - min)))
	}
	if p.cfg.StallTimeout > 0 && delay > p.cfg.StallTimeout/2 {
		_ = p.queue.ExtendLease(ctx, job.ID, delay+p.cfg.StallTimeout)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	return nil
}
