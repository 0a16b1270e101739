package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/markjakearzadon/notipay-terminal.git/internal/db"
)

type HealthHandler struct {
	store   db.Store
	backend string
}

func NewHealthHandler(store db.Store, backend string) *HealthHandler {
	return &HealthHandler{store: store, backend: backend}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"store":  h.backend,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "store": h.backend})
}
