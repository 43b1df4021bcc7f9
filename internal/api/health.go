package api

import (
	"net/http"
	"time"

	respond "github.com/mycelian/shardtracker/internal/api/respond"
)

// HealthSource reports cached service health.
type HealthSource interface {
	IsHealthy() bool
	Components() map[string]bool
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	src HealthSource
}

func NewHealthHandler(src HealthSource) *HealthHandler { return &HealthHandler{src: src} }

// CheckHealth handles GET /api/health
// Always returns 200; body reports healthy/unhealthy. 500 indicates handler failure only.
func (h *HealthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status := "unhealthy"
	var components map[string]bool
	if h.src != nil {
		if h.src.IsHealthy() {
			status = "healthy"
		}
		components = h.src.Components()
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}
