package alerting

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Handler exposes notification delivery state over HTTP.
type Handler struct {
	router *Router
}

// NewHandler creates a new notification handler.
func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

// RegisterRoutes registers notification routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/notifications/stats", h.HandleStats)
	mux.HandleFunc("GET /v1/notifications/dead-letter", h.HandleDeadLetter)
	mux.HandleFunc("POST /v1/notifications/dead-letter/{id}/retry", h.HandleRetry)
}

// HandleStats handles GET /v1/notifications/stats requests.
func (h *Handler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.router.Dispatcher().Stats())
}

// HandleDeadLetter handles GET /v1/notifications/dead-letter requests.
func (h *Handler) HandleDeadLetter(w http.ResponseWriter, _ *http.Request) {
	records := h.router.Dispatcher().DeadLetterQueue()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}

// HandleRetry handles POST /v1/notifications/dead-letter/{id}/retry requests.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid delivery record ID")
		return
	}
	if err := h.router.RetryDeadLetter(r.Context(), id); err != nil {
		h.writeError(w, http.StatusBadGateway, "RETRY_FAILED", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
