package worker

import (
	"context"
	"time"

	"media-pipeline/internal/telemetry"
)

// runJanitor is the pool's housekeeping loop: it promotes due scheduled
// jobs, reclaims stalled leases, exhausts jobs that stalled too often, and
// purges terminal job rows past their retention windows.
func (p *Pool) runJanitor(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastPurge := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		p.tick(ctx, now)

		purgeEvery := p.cfg.PurgeInterval
		if purgeEvery <= 0 {
			purgeEvery = time.Minute
		}
		if now.Sub(lastPurge) >= purgeEvery {
			lastPurge = now
			purged, err := p.store.PurgeFinishedJobs(ctx, now.Add(-p.cfg.DoneRetention), now.Add(-p.cfg.FailRetention))
			if err != nil {
				p.logger.Warn("purge finished jobs", "error", err)
			} else if purged > 0 {
				p.logger.Info("purged finished jobs", "count", purged)
			}
		}
	}
}

func (p *Pool) tick(ctx context.Context, now time.Time) {
	if promoted, err := p.queue.PromoteScheduled(ctx, now, 100); err != nil {
		p.logger.Warn("promote scheduled", "error", err)
	} else if promoted > 0 {
		p.logger.Debug("promoted scheduled jobs", "count", promoted)
	}

	requeued, exhausted, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		p.logger.Warn("requeue expired", "error", err)
	}
	if n := len(requeued); n > 0 {
		telemetry.JobsStalled.Add(float64(n))
		telemetry.InFlightGauge.Sub(float64(n))
		p.logger.Warn("requeued stalled jobs", "count", n)
	}
	for _, jobID := range exhausted {
		p.exhaustStalled(ctx, jobID)
	}

	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// exhaustStalled terminates a job that re-stalled beyond the allowed count.
// It bypasses backoff entirely: the job goes straight to failed-exhausted.
func (p *Pool) exhaustStalled(ctx context.Context, jobID string) {
	telemetry.InFlightGauge.Dec()
	const reason = "job stalled beyond the allowed count"
	if job, err := p.store.GetJob(ctx, jobID); err == nil {
		if _, evErr := p.store.AppendEvent(ctx, job.ItemID, "processing failed: "+reason, time.Time{}); evErr != nil && !isBenignRace(evErr) {
			p.logger.Warn("record stall event", "job_id", jobID, "error", evErr)
		}
	}
	if err := p.store.MarkJobExhausted(ctx, jobID, reason); err != nil {
		p.logger.Warn("mark stalled job exhausted", "job_id", jobID, "error", err)
	}
	_ = p.queue.DLQPush(ctx, jobID)
	_ = p.queue.Ack(ctx, jobID)
	telemetry.JobsExhausted.Inc()
	p.logger.Error("job exhausted after repeated stalls", "job_id", jobID)
}
