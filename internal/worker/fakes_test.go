package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"media-pipeline/internal/models"
	"media-pipeline/internal/store"
)

// fakeStore is an in-memory stand-in for the Postgres store, mirroring its
// NotFound semantics so the executor's benign-race handling is exercised.
type fakeStore struct {
	mu    sync.Mutex
	items map[string]models.Item
	jobs  map[string]models.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items: make(map[string]models.Item),
		jobs:  make(map[string]models.Job),
	}
}

func (f *fakeStore) seedItem(item models.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
}

func (f *fakeStore) seedJob(job models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeStore) GetItem(_ context.Context, id string) (models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return models.Item{}, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	return item, nil
}

func (f *fakeStore) SetStatus(_ context.Context, id string, status models.ItemStatus) (models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return models.Item{}, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	item.Status = status
	item.UpdatedAt = time.Now().UTC()
	f.items[id] = item
	return item, nil
}

func (f *fakeStore) AppendEvent(_ context.Context, id, message string, ts time.Time) (models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return models.Item{}, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	item.Events = append(item.Events, models.Event{Timestamp: ts, Message: message})
	item.UpdatedAt = time.Now().UTC()
	f.items[id] = item
	return item, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return job, nil
}

func (f *fakeStore) UpdateJobAttempts(_ context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	job.Attempts = attempts
	job.NextRunAt = nextRun
	job.LastError = &lastErr
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) MarkJobSucceeded(_ context.Context, id string) error {
	return f.setOutcome(id, models.OutcomeSucceeded)
}

func (f *fakeStore) MarkJobExhausted(_ context.Context, id string, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	job.Outcome = models.OutcomeExhausted
	job.LastError = &lastErr
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) setOutcome(id, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	job.Outcome = outcome
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) PurgeFinishedJobs(_ context.Context, succeededBefore, exhaustedBefore time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var purged int64
	for id, job := range f.jobs {
		if (job.Outcome == models.OutcomeSucceeded && job.UpdatedAt.Before(succeededBefore)) ||
			(job.Outcome == models.OutcomeExhausted && job.UpdatedAt.Before(exhaustedBefore)) {
			delete(f.jobs, id)
			purged++
		}
	}
	return purged, nil
}

func (f *fakeStore) item(id string) models.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[id]
}

func (f *fakeStore) job(id string) models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

// fakeQueue records consumer-side queue interactions in memory.
type fakeQueue struct {
	mu        sync.Mutex
	ready     []string
	acked     []string
	scheduled map[string]time.Time
	dlq       []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{scheduled: make(map[string]time.Time)}
}

func (q *fakeQueue) DequeueWithLease(context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return "", nil
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	return id, nil
}

func (q *fakeQueue) ExtendLease(context.Context, string, time.Duration) error { return nil }

func (q *fakeQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *fakeQueue) Schedule(_ context.Context, jobID string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduled[jobID] = runAt
	return nil
}

func (q *fakeQueue) PromoteScheduled(context.Context, time.Time, int64) (int, error) {
	return 0, nil
}

func (q *fakeQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, []string, error) {
	return nil, nil, nil
}

func (q *fakeQueue) DLQPush(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, jobID)
	return nil
}

func (q *fakeQueue) ReadyDepth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

func (q *fakeQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func (q *fakeQueue) scheduledAt(jobID string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.scheduled[jobID]
	return at, ok
}

func (q *fakeQueue) dlqContents() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.dlq...)
}
