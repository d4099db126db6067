// Package api exposes the HTTP surface: upload coordination, asset status,
// playback token issuance, and token-gated media delivery.
package api

import (
	"log/slog"
	"net/http"

	"mediaforge/internal/objectstore"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/playback"
	"mediaforge/internal/status"
	"mediaforge/internal/upload"
)

type Handler struct {
	Coordinator *upload.Coordinator
	Store       status.Store
	Playback    *playback.Service
	Objects     objectstore.Client
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

func NewHandler(coordinator *upload.Coordinator, store status.Store, playbackSvc *playback.Service, objects objectstore.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Coordinator: coordinator,
		Store:       store,
		Playback:    playbackSvc,
		Objects:     objects,
		Logger:      logger,
		Metrics:     metrics.Default(),
	}
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
