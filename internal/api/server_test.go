package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"media-pipeline/internal/config"
	"media-pipeline/internal/ingest"
	"media-pipeline/internal/models"
	"media-pipeline/internal/store"
)

type apiStore struct {
	mu    sync.Mutex
	items map[string]models.Item
}

func newAPIStore() *apiStore {
	return &apiStore{items: make(map[string]models.Item)}
}

func (s *apiStore) add(item models.Item) models.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	s.items[item.ID] = item
	return item
}

func (s *apiStore) GetItem(_ context.Context, id string) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return models.Item{}, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	return item, nil
}

func (s *apiStore) ListItems(_ context.Context) ([]models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	return out, nil
}

func (s *apiStore) SetStatus(_ context.Context, id string, status models.ItemStatus) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return models.Item{}, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	item.Status = status
	item.UpdatedAt = time.Now().UTC()
	s.items[id] = item
	return item, nil
}

func (s *apiStore) AppendEvent(_ context.Context, id, message string, ts time.Time) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return models.Item{}, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	item.Events = append(item.Events, models.Event{Timestamp: ts, Message: message})
	s.items[id] = item
	return item, nil
}

func (s *apiStore) DeleteItem(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return "", fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	delete(s.items, id)
	return item.ContentRef, nil
}

func (s *apiStore) DeleteItems(_ context.Context, ids []string) (int64, []string, error) {
	if len(ids) == 0 {
		return 0, nil, fmt.Errorf("%w: empty id list", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	var refs []string
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			delete(s.items, id)
			if item.ContentRef != "" {
				refs = append(refs, item.ContentRef)
			}
			count++
		}
	}
	return count, refs, nil
}

// apiIngestor fronts the store directly; the queue side is out of scope here.
type apiIngestor struct {
	store    *apiStore
	retryErr error
}

func (g *apiIngestor) IngestBatch(_ context.Context, batch []ingest.NewItem) ([]models.Item, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", store.ErrInvalidInput)
	}
	items := make([]models.Item, 0, len(batch))
	for _, entry := range batch {
		now := time.Now().UTC()
		items = append(items, g.store.add(models.Item{
			Name:       entry.Name,
			ContentRef: entry.ContentRef,
			SizeBytes:  entry.SizeBytes,
			Status:     models.StatusUploaded,
			Events:     []models.Event{{Timestamp: now, Message: entry.Name + " uploaded successfully"}},
			CreatedAt:  now,
			UpdatedAt:  now,
		}))
	}
	return items, nil
}

func (g *apiIngestor) Retry(ctx context.Context, id string) (models.Item, error) {
	item, err := g.store.SetStatus(ctx, id, models.StatusUploaded)
	if err != nil {
		return models.Item{}, err
	}
	item, err = g.store.AppendEvent(ctx, id, "retry requested by user", time.Time{})
	if err != nil {
		return models.Item{}, err
	}
	if g.retryErr != nil {
		return item, fmt.Errorf("%w: %v", ingest.ErrQueueUnavailable, g.retryErr)
	}
	return item, nil
}

type apiDLQ struct{ ids []string }

func (d *apiDLQ) DLQPeek(context.Context, int64) ([]string, error) {
	return d.ids, nil
}

// memContent records Save/Remove calls without touching disk.
type memContent struct {
	mu      sync.Mutex
	saved   map[string][]byte
	removed []string
}

func newMemContent() *memContent {
	return &memContent{saved: make(map[string][]byte)}
}

func (c *memContent) Save(_ context.Context, name, _ string, r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ref := "mem/" + uuid.NewString() + "/" + name
	c.saved[ref] = data
	return ref, int64(len(data)), nil
}

func (c *memContent) Remove(_ context.Context, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.saved, ref)
	c.removed = append(c.removed, ref)
	return nil
}

type testEnv struct {
	store    *apiStore
	ingestor *apiIngestor
	content  *memContent
	dlq      *apiDLQ
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := newAPIStore()
	env := &testEnv{
		store:    st,
		ingestor: &apiIngestor{store: st},
		content:  newMemContent(),
		dlq:      &apiDLQ{},
	}
	cfg := config.Config{
		UploadMaxBytes:    10 << 20,
		RequestRatePerSec: 1000,
		RequestRateBurst:  1000,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, env.store, env.ingestor, env.content, env.dlq, logger)
	env.server = httptest.NewServer(srv.Router())
	t.Cleanup(env.server.Close)
	return env
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestUploadJSONBatch(t *testing.T) {
	env := newTestEnv(t)

	body := `[{"name":"a.jpg","content_ref":"s3/a","size_bytes":10},{"name":"b.jpg","content_ref":"s3/b","size_bytes":20}]`
	resp, err := http.Post(env.server.URL+"/items", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	items := decodeBody[[]models.Item](t, resp)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	for _, item := range items {
		if item.Status != models.StatusUploaded || len(item.Events) != 1 {
			t.Errorf("unexpected created item: %+v", item)
		}
	}
}

func TestUploadMultipartStoresContent(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("photos", "cat.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("jpeg bytes")); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(env.server.URL+"/items", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	items := decodeBody[[]models.Item](t, resp)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Name != "cat.jpg" || items[0].SizeBytes != int64(len("jpeg bytes")) {
		t.Errorf("item = %+v", items[0])
	}
	env.content.mu.Lock()
	stored := len(env.content.saved)
	env.content.mu.Unlock()
	if stored != 1 {
		t.Errorf("content store holds %d blobs, want 1", stored)
	}
}

func TestUploadRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.server.URL+"/items", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetItemNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/items/" + uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func putJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestUpdateStatusAndEvent(t *testing.T) {
	env := newTestEnv(t)
	item := env.store.add(models.Item{Name: "a.jpg", Status: models.StatusUploaded})

	resp := putJSON(t, env.server.URL+"/items/"+item.ID, `{"status":"processing","event":{"message":"processing started"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	updated := decodeBody[models.Item](t, resp)
	if updated.Status != models.StatusProcessing {
		t.Errorf("status = %q, want processing", updated.Status)
	}
	if len(updated.Events) != 1 || updated.Events[0].Message != "processing started" {
		t.Errorf("events = %+v", updated.Events)
	}
}

func TestUpdateRejectsInvalidStatus(t *testing.T) {
	env := newTestEnv(t)
	item := env.store.add(models.Item{Name: "a.jpg", Status: models.StatusUploaded})

	resp := putJSON(t, env.server.URL+"/items/"+item.ID, `{"status":"exploded"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got, _ := env.store.GetItem(context.Background(), item.ID); got.Status != models.StatusUploaded {
		t.Errorf("invalid status leaked into store: %q", got.Status)
	}
}

func TestUpdateRejectsEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	item := env.store.add(models.Item{Name: "a.jpg", Status: models.StatusUploaded})

	resp := putJSON(t, env.server.URL+"/items/"+item.ID, `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteReleasesContent(t *testing.T) {
	env := newTestEnv(t)
	item := env.store.add(models.Item{Name: "a.jpg", ContentRef: "mem/abc/a.jpg", Status: models.StatusDone})

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/items/"+item.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if _, err := env.store.GetItem(context.Background(), item.ID); err == nil {
		t.Error("item still present after delete")
	}
	env.content.mu.Lock()
	removed := append([]string(nil), env.content.removed...)
	env.content.mu.Unlock()
	if len(removed) != 1 || removed[0] != "mem/abc/a.jpg" {
		t.Errorf("removed refs = %v", removed)
	}
}

func TestDeleteManyReportsCount(t *testing.T) {
	env := newTestEnv(t)
	a := env.store.add(models.Item{Name: "a.jpg", ContentRef: "mem/a"})
	b := env.store.add(models.Item{Name: "b.jpg", ContentRef: "mem/b"})

	body := fmt.Sprintf(`{"ids":[%q,%q,%q]}`, a.ID, b.ID, uuid.NewString())
	resp, err := http.Post(env.server.URL+"/items/delete-many", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := decodeBody[map[string]int64](t, resp)
	if result["deleted_count"] != 2 {
		t.Errorf("deleted_count = %d, want 2", result["deleted_count"])
	}
}

func TestDeleteManyRejectsEmptyList(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.server.URL+"/items/delete-many", "application/json", strings.NewReader(`{"ids":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRetryReportsQueueOutage(t *testing.T) {
	env := newTestEnv(t)
	env.ingestor.retryErr = fmt.Errorf("redis down")
	item := env.store.add(models.Item{Name: "a.jpg", Status: models.StatusDone})

	resp, err := http.Post(env.server.URL+"/items/retry/"+item.ID, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := decodeBody[retryResponse](t, resp)
	if result.Queued {
		t.Error("queued = true despite queue outage")
	}
	if result.Item.Status != models.StatusUploaded {
		t.Errorf("item status = %q, want reset kept", result.Item.Status)
	}
}

func TestRetrySuccess(t *testing.T) {
	env := newTestEnv(t)
	item := env.store.add(models.Item{Name: "a.jpg", Status: models.StatusDone})

	resp, err := http.Post(env.server.URL+"/items/retry/"+item.ID, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := decodeBody[retryResponse](t, resp)
	if !result.Queued {
		t.Error("queued = false, want true")
	}
}

func TestDLQListing(t *testing.T) {
	env := newTestEnv(t)
	env.dlq.ids = []string{"job-1", "job-2"}

	resp, err := http.Get(env.server.URL + "/dlq")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := decodeBody[map[string][]string](t, resp)
	if len(result["items"]) != 2 {
		t.Errorf("dlq items = %v", result["items"])
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	st := newAPIStore()
	cfg := config.Config{
		UploadMaxBytes:    1 << 20,
		RequestRatePerSec: 1,
		RequestRateBurst:  1,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, st, &apiIngestor{store: st}, newMemContent(), &apiDLQ{}, logger)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	first, err := http.Get(ts.URL + "/items")
	if err != nil {
		t.Fatal(err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.StatusCode)
	}

	second, err := http.Get(ts.URL + "/items")
	if err != nil {
		t.Fatal(err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
