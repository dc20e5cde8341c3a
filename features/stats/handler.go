package stats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentcloud/vector-proxy/features/datasource"
	"agentcloud/vector-proxy/internal/middleware"
)

type CounterReader interface {
	GetRecordCount(ctx context.Context, id string) (*datasource.RecordCount, error)
}

type DocumentCounter interface {
	Count(ctx context.Context, sourceID string) (int, error)
}

type Handler struct {
	counters  CounterReader
	documents DocumentCounter
}

// NewHandler serves record counters. d may be nil, in which case the
// document count is omitted.
func NewHandler(c CounterReader, d DocumentCounter) *Handler {
	return &Handler{counters: c, documents: d}
}

type StatsResponse struct {
	DatasourceID string `json:"datasource_id"`
	Success      int64  `json:"success"`
	Failure      int64  `json:"failure"`
	Documents    *int   `json:"documents,omitempty"`
}

// GetStats serves GET /datasources/{id}/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "datasource id is required", http.StatusBadRequest)
		return
	}

	rc, err := h.counters.GetRecordCount(ctx, id)
	if errors.Is(err, datasource.ErrNotFound) {
		h.writeError(ctx, w, "NOT_FOUND", "datasource not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to read record counters", "error", err, "datasource_id", id)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to read record counters", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{DatasourceID: id, Success: rc.Success, Failure: rc.Failure}

	if h.documents != nil {
		// The collection may not exist yet; counters are still worth returning.
		if n, err := h.documents.Count(ctx, id); err != nil {
			slog.WarnContext(ctx, "failed to count documents", "error", err, "datasource_id", id)
		} else {
			resp.Documents = &n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
