// Package handlers provides HTTP handlers for the operator API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carelink/fhirbridge/internal/config"
	"github.com/carelink/fhirbridge/internal/queue"
	"github.com/carelink/fhirbridge/internal/syncer"
)

// ConfigSource resolves named sync config profiles.
type ConfigSource interface {
	GetByName(ctx context.Context, name string) (*config.SyncConfig, error)
}

// SyncHandler exposes queue operations to operators: manual drains, retry
// sweeps, per-item requeue/cancel, bulk sync, and connection tests.
type SyncHandler struct {
	manager *queue.Manager
	configs ConfigSource
	logger  *zap.Logger
}

// NewSyncHandler creates a handler. configs may be nil when profile testing
// is not exposed.
func NewSyncHandler(manager *queue.Manager, configs ConfigSource, logger *zap.Logger) *SyncHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncHandler{manager: manager, configs: configs, logger: logger}
}

// Routes returns the handler routes
func (h *SyncHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/queue", func(r chi.Router) {
		r.Post("/process", h.ProcessQueue)
		r.Post("/retry", h.RetryFailed)
		r.Get("/stats", h.Stats)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/requeue", h.Requeue)
			r.Post("/cancel", h.Cancel)
			r.Get("/logs", h.Logs)
		})
	})
	r.Post("/sync/full", h.FullSync)
	r.Get("/config/{name}/test", h.TestConfig)
	return r
}

// ProcessQueue handles POST /queue/process
func (h *SyncHandler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	result, err := h.manager.ProcessQueue(r.Context(), req.Limit)
	if err != nil {
		h.logger.Error("manual drain failed", zap.Error(err))
		h.jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RetryFailed handles POST /queue/retry
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxRetries int `json:"max_retries"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	result, err := h.manager.RetryFailedItems(r.Context(), req.MaxRetries)
	if err != nil {
		h.logger.Error("retry sweep failed", zap.Error(err))
		h.jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Stats handles GET /queue/stats
func (h *SyncHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Statistics(r.Context())
	if err != nil {
		h.logger.Error("stats failed", zap.Error(err))
		h.jsonError(w, "failed to read queue statistics", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// Requeue handles POST /queue/{id}/requeue
func (h *SyncHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	if err := h.manager.RequeueItem(r.Context(), id); err != nil {
		h.itemError(w, id, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(queue.StatusPending)})
}

// Cancel handles POST /queue/{id}/cancel
func (h *SyncHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	if err := h.manager.CancelItem(r.Context(), id); err != nil {
		h.itemError(w, id, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(queue.StatusCancelled)})
}

type logEntry struct {
	ID        int64           `json:"id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Logs handles GET /queue/{id}/logs
func (h *SyncHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	logs, err := h.manager.ItemLogs(r.Context(), id)
	if err != nil {
		h.itemError(w, id, err)
		return
	}

	entries := make([]logEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, logEntry{
			ID: l.ID, Level: l.Level, Message: l.Message,
			Details: l.Details, CreatedAt: l.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// FullSync handles POST /sync/full
func (h *SyncHandler) FullSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceTypes []string `json:"resource_types"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	result, err := h.manager.FullSync(r.Context(), req.ResourceTypes...)
	if err != nil {
		h.logger.Error("full sync failed", zap.Error(err))
		h.jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// TestConfig handles GET /config/{name}/test
func (h *SyncHandler) TestConfig(w http.ResponseWriter, r *http.Request) {
	if h.configs == nil {
		h.jsonError(w, "config testing not available", http.StatusNotFound)
		return
	}
	name := chi.URLParam(r, "name")

	cfg, err := h.configs.GetByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			h.jsonError(w, "sync config not found", http.StatusNotFound)
			return
		}
		h.logger.Error("config lookup failed", zap.String("name", name), zap.Error(err))
		h.jsonError(w, "failed to load sync config", http.StatusInternalServerError)
		return
	}

	result := syncer.TestConfigConnection(r.Context(), cfg)
	h.writeJSON(w, http.StatusOK, result)
}

func (h *SyncHandler) itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.jsonError(w, "invalid item id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *SyncHandler) itemError(w http.ResponseWriter, id int64, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		h.jsonError(w, "queue item not found", http.StatusNotFound)
		return
	}
	// Invalid state transitions (cancelling a finished item, etc).
	h.jsonError(w, err.Error(), http.StatusConflict)
}

func (h *SyncHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *SyncHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
