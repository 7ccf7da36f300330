package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence of items, their event logs,
// and durable job records. Each call is atomic on its own; the pipeline
// relies on idempotent transitions rather than cross-call locking.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func parseID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: malformed id %q", ErrInvalidInput, id)
	}
	return parsed.String(), nil
}

// CreateItemParams collects inputs required to insert an item.
type CreateItemParams struct {
	Name       string
	ContentRef string
	SizeBytes  int64
}

// CreateItem inserts an item with status uploaded and its creation event in
// one transaction. Each item is an independent row, so batch callers may
// invoke this concurrently.
func (s *Store) CreateItem(ctx context.Context, p CreateItemParams) (models.Item, error) {
	if p.ContentRef == "" {
		return models.Item{}, fmt.Errorf("%w: content ref is required", ErrInvalidInput)
	}
	name := p.Name
	if name == "" {
		name = p.ContentRef
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Item{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()
	message := fmt.Sprintf("%s uploaded successfully", name)

	_, err = tx.Exec(ctx, `
		INSERT INTO items (id, name, content_ref, size_bytes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, name, p.ContentRef, p.SizeBytes, models.StatusUploaded, now)
	if err != nil {
		return models.Item{}, fmt.Errorf("insert item: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO item_events (item_id, ts, message) VALUES ($1, $2, $3)
	`, id, now, message)
	if err != nil {
		return models.Item{}, fmt.Errorf("insert creation event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Item{}, fmt.Errorf("commit: %w", err)
	}

	return models.Item{
		ID:         id,
		Name:       name,
		ContentRef: p.ContentRef,
		SizeBytes:  p.SizeBytes,
		Status:     models.StatusUploaded,
		Events:     []models.Event{{Timestamp: now, Message: message}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetItem fetches an item with its full event log in insertion order.
func (s *Store) GetItem(ctx context.Context, id string) (models.Item, error) {
	id, err := parseID(id)
	if err != nil {
		return models.Item{}, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, name, content_ref, size_bytes, status, created_at, updated_at
		FROM items WHERE id = $1
	`, id)

	var item models.Item
	if err := row.Scan(&item.ID, &item.Name, &item.ContentRef, &item.SizeBytes, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		return models.Item{}, fmt.Errorf("scan item: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT ts, message FROM item_events WHERE item_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return models.Item{}, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.Timestamp, &ev.Message); err != nil {
			return models.Item{}, fmt.Errorf("scan event: %w", err)
		}
		item.Events = append(item.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return models.Item{}, fmt.Errorf("iterate events: %w", err)
	}
	return item, nil
}

// ListItems returns all items sorted by creation time descending, each with
// its event log attached.
func (s *Store) ListItems(ctx context.Context) ([]models.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, content_ref, size_bytes, status, created_at, updated_at
		FROM items ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := make([]models.Item, 0)
	index := make(map[string]int)
	for rows.Next() {
		var item models.Item
		if err := rows.Scan(&item.ID, &item.Name, &item.ContentRef, &item.SizeBytes, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.Events = []models.Event{}
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	evRows, err := s.pool.Query(ctx, `
		SELECT item_id, ts, message FROM item_events ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer evRows.Close()
	for evRows.Next() {
		var itemID string
		var ev models.Event
		if err := evRows.Scan(&itemID, &ev.Timestamp, &ev.Message); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if i, ok := index[itemID]; ok {
			items[i].Events = append(items[i].Events, ev)
		}
	}
	if err := evRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return items, nil
}

// AppendEvent adds an event and bumps updated_at. Returns ErrNotFound if the
// item was deleted concurrently; background callers treat that as benign.
func (s *Store) AppendEvent(ctx context.Context, id, message string, ts time.Time) (models.Item, error) {
	id, err := parseID(id)
	if err != nil {
		return models.Item{}, err
	}
	if strings.TrimSpace(message) == "" {
		return models.Item{}, fmt.Errorf("%w: event message is required", ErrInvalidInput)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Item{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE items SET updated_at = $2 WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return models.Item{}, fmt.Errorf("touch item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO item_events (item_id, ts, message) VALUES ($1, $2, $3)
	`, id, ts, message)
	if err != nil {
		return models.Item{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Item{}, fmt.Errorf("commit: %w", err)
	}
	return s.GetItem(ctx, id)
}

// SetStatus updates the item status. Callers must construct the status via
// models.ParseItemStatus; last-write-wins is acceptable across concurrent
// deliveries because transitions are idempotent.
func (s *Store) SetStatus(ctx context.Context, id string, status models.ItemStatus) (models.Item, error) {
	id, err := parseID(id)
	if err != nil {
		return models.Item{}, err
	}
	if _, err := models.ParseItemStatus(string(status)); err != nil {
		return models.Item{}, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE items SET status = $2, updated_at = $3 WHERE id = $1
	`, id, status, time.Now().UTC())
	if err != nil {
		return models.Item{}, fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return s.GetItem(ctx, id)
}

// DeleteItem removes the item and, via cascade, its events. The content ref
// is returned so the caller can release backing storage best-effort.
func (s *Store) DeleteItem(ctx context.Context, id string) (string, error) {
	id, err := parseID(id)
	if err != nil {
		return "", err
	}
	var contentRef string
	err = s.pool.QueryRow(ctx, `
		DELETE FROM items WHERE id = $1 RETURNING content_ref
	`, id).Scan(&contentRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("delete item: %w", err)
	}
	return contentRef, nil
}

// DeleteItems removes each id independently. Nonexistent ids are skipped,
// not errored; malformed ids reject the whole call. Returns the number of
// rows deleted plus the content refs to release.
func (s *Store) DeleteItems(ctx context.Context, ids []string) (int64, []string, error) {
	if len(ids) == 0 {
		return 0, nil, fmt.Errorf("%w: id list is empty", ErrInvalidInput)
	}
	parsed := make([]string, 0, len(ids))
	for _, id := range ids {
		p, err := parseID(id)
		if err != nil {
			return 0, nil, err
		}
		parsed = append(parsed, p)
	}

	rows, err := s.pool.Query(ctx, `
		DELETE FROM items WHERE id = ANY($1) RETURNING content_ref
	`, parsed)
	if err != nil {
		return 0, nil, fmt.Errorf("delete items: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return 0, nil, fmt.Errorf("scan content ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate deleted: %w", err)
	}
	return int64(len(refs)), refs, nil
}

// CreateJob inserts a fresh job row with zero attempts. Manual retries get a
// new row; exhausted prior jobs keep their terminal state.
func (s *Store) CreateJob(ctx context.Context, itemID, kind string, maxAttempts int, runAt time.Time) (models.Job, error) {
	itemID, err := parseID(itemID)
	if err != nil {
		return models.Job{}, err
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	if runAt.IsZero() {
		runAt = now
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, item_id, kind, attempts, max_attempts, outcome, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $7)
	`, id, itemID, kind, maxAttempts, models.OutcomePending, runAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:          id,
		ItemID:      itemID,
		Kind:        kind,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		Outcome:     models.OutcomePending,
		NextRunAt:   runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob fetches a job row by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	id, err := parseID(id)
	if err != nil {
		return models.Job{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, item_id, kind, attempts, max_attempts, outcome, next_run_at, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var lastErr pgtype.Text
	if err := row.Scan(&job.ID, &job.ItemID, &job.Kind, &job.Attempts, &job.MaxAttempts, &job.Outcome, &job.NextRunAt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	return job, nil
}

// UpdateJobAttempts records a failed execution: attempts, the backoff
// schedule, and the error that caused it.
func (s *Store) UpdateJobAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET attempts = $2, next_run_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, attempts, nextRun, lastErr)
	return err
}

// MarkJobSucceeded transitions a job to its successful terminal outcome.
func (s *Store) MarkJobSucceeded(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET outcome = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.OutcomeSucceeded)
	return err
}

// MarkJobExhausted flags a job as failed beyond its retry budget.
func (s *Store) MarkJobExhausted(ctx context.Context, id string, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET outcome = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.OutcomeExhausted, lastErr)
	return err
}

// PurgeFinishedJobs deletes terminal job rows past their retention windows.
func (s *Store) PurgeFinishedJobs(ctx context.Context, succeededBefore, exhaustedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE (outcome = $1 AND updated_at < $2)
		   OR (outcome = $3 AND updated_at < $4)
	`, models.OutcomeSucceeded, succeededBefore, models.OutcomeExhausted, exhaustedBefore)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
