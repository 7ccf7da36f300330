package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"media-pipeline/internal/config"
	"media-pipeline/internal/content"
	"media-pipeline/internal/ingest"
	"media-pipeline/internal/models"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
)

// ItemStore is the read/update/delete surface the transport needs.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (models.Item, error)
	ListItems(ctx context.Context) ([]models.Item, error)
	SetStatus(ctx context.Context, id string, status models.ItemStatus) (models.Item, error)
	AppendEvent(ctx context.Context, id, message string, ts time.Time) (models.Item, error)
	DeleteItem(ctx context.Context, id string) (string, error)
	DeleteItems(ctx context.Context, ids []string) (int64, []string, error)
}

// Ingestor accepts upload batches and manual retries.
type Ingestor interface {
	IngestBatch(ctx context.Context, batch []ingest.NewItem) ([]models.Item, error)
	Retry(ctx context.Context, id string) (models.Item, error)
}

// DLQReader exposes the dead-letter list for operators.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the item API.
type Server struct {
	cfg     config.Config
	store   ItemStore
	ingest  Ingestor
	content content.Store
	dlq     DLQReader
	logger  *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st ItemStore, ing Ingestor, cs content.Store, dlq DLQReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		ingest:  ing,
		content: cs,
		dlq:     dlq,
		logger:  logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RateLimit(s.cfg.RequestRatePerSec, s.cfg.RequestRateBurst))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/items", s.handleUpload)
	r.Get("/items", s.handleList)
	r.Get("/items/{id}", s.handleGet)
	r.Put("/items/{id}", s.handleUpdate)
	r.Delete("/items/{id}", s.handleDelete)
	r.Post("/items/delete-many", s.handleDeleteMany)
	r.Post("/items/retry/{id}", s.handleRetry)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type newItemRequest struct {
	Name       string `json:"name"`
	ContentRef string `json:"content_ref"`
	SizeBytes  int64  `json:"size_bytes"`
}

// handleUpload accepts either a multipart batch of files (form field
// "photos") or a JSON array of already-stored content refs. The response is
// sent as soon as every item row exists; job dispatch is fire-and-forget.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes)

	var batch []ingest.NewItem
	ct := r.Header.Get("Content-Type")
	if len(ct) >= 19 && ct[:19] == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.cfg.UploadMaxBytes); err != nil {
			http.Error(w, "invalid multipart body", http.StatusBadRequest)
			return
		}
		files := r.MultipartForm.File["photos"]
		if len(files) == 0 {
			http.Error(w, "no files uploaded", http.StatusBadRequest)
			return
		}
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				http.Error(w, "unreadable upload", http.StatusBadRequest)
				return
			}
			ref, size, err := s.content.Save(r.Context(), fh.Filename, fh.Header.Get("Content-Type"), f)
			_ = f.Close()
			if err != nil {
				s.logger.Error("save upload", "name", fh.Filename, "error", err)
				http.Error(w, "failed to store upload", http.StatusInternalServerError)
				return
			}
			batch = append(batch, ingest.NewItem{Name: fh.Filename, ContentRef: ref, SizeBytes: size})
		}
	} else {
		var reqs []newItemRequest
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		for _, req := range reqs {
			batch = append(batch, ingest.NewItem{Name: req.Name, ContentRef: req.ContentRef, SizeBytes: req.SizeBytes})
		}
	}

	items, err := s.ingest.IngestBatch(r.Context(), batch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, items)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListItems(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type updateRequest struct {
	Status string `json:"status,omitempty"`
	Event  *struct {
		Message   string     `json:"message"`
		Timestamp *time.Time `json:"timestamp,omitempty"`
	} `json:"event,omitempty"`
}

// handleUpdate applies a combined status change and/or event append.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Status == "" && req.Event == nil {
		http.Error(w, "nothing to update: provide status and/or event", http.StatusBadRequest)
		return
	}

	var item models.Item
	if req.Status != "" {
		status, err := models.ParseItemStatus(req.Status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		updated, err := s.store.SetStatus(r.Context(), id, status)
		if err != nil {
			s.writeError(w, err)
			return
		}
		item = updated
	}
	if req.Event != nil {
		ts := time.Time{}
		if req.Event.Timestamp != nil {
			ts = *req.Event.Timestamp
		}
		updated, err := s.store.AppendEvent(r.Context(), id, req.Event.Message, ts)
		if err != nil {
			s.writeError(w, err)
			return
		}
		item = updated
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ref, err := s.store.DeleteItem(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.releaseContent(r.Context(), ref)
	writeJSON(w, http.StatusOK, map[string]string{"message": "item deleted"})
}

type deleteManyRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleDeleteMany(w http.ResponseWriter, r *http.Request) {
	var req deleteManyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	count, refs, err := s.store.DeleteItems(r.Context(), req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, ref := range refs {
		s.releaseContent(r.Context(), ref)
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted_count": count})
}

type retryResponse struct {
	Item   models.Item `json:"item"`
	Queued bool        `json:"queued"`
}

// handleRetry resets the item and enqueues a fresh job. A queue failure is
// reported in the response but the reset itself is kept; the item can be
// retried again later.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	item, err := s.ingest.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ingest.ErrQueueUnavailable) {
			s.logger.Error("retry enqueue", "item_id", item.ID, "error", err)
			writeJSON(w, http.StatusOK, retryResponse{Item: item, Queued: false})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{Item: item, Queued: true})
}

// handleDLQ returns dead-lettered job ids for inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	ids, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ids})
}

// releaseContent frees backing bytes after a record delete, best-effort.
func (s *Server) releaseContent(ctx context.Context, ref string) {
	if ref == "" || s.content == nil {
		return
	}
	if err := s.content.Remove(ctx, ref); err != nil {
		s.logger.Warn("release content", "ref", ref, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, store.ErrInvalidStatus):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
