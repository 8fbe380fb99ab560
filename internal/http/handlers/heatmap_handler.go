// README: Heatmap snapshot handler.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"ridepulse/internal/modules/heatmap"
)

type SnapshotReader interface {
	Snapshot(ctx context.Context, lookbackSeconds int) (heatmap.Snapshot, error)
}

type HeatmapHandler struct {
	heatmap        SnapshotReader
	defaultSeconds int
	log            *slog.Logger
}

func NewHeatmapHandler(svc SnapshotReader, defaultSeconds int, log *slog.Logger) *HeatmapHandler {
	if defaultSeconds <= 0 {
		defaultSeconds = heatmap.DefaultLookbackSeconds
	}
	if log == nil {
		log = slog.Default()
	}
	return &HeatmapHandler{heatmap: svc, defaultSeconds: defaultSeconds, log: log}
}

type heatmapResponse struct {
	OK            bool           `json:"ok"`
	Tiles         []heatmap.Tile `json:"tiles"`
	WindowSeconds int            `json:"window_seconds"`
}

// Get accepts window_seconds (or its short alias window); out-of-range values are clamped.
func (h *HeatmapHandler) Get(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("window_seconds"))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("window"))
	}
	seconds := h.defaultSeconds
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "window_seconds must be an integer")
			return
		}
		seconds = n
	}

	snap, err := h.heatmap.Snapshot(c.Request.Context(), heatmap.ClampLookback(seconds))
	if err != nil {
		h.log.Error("heatmap snapshot", "error", err)
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	tiles := snap.Tiles
	if tiles == nil {
		tiles = []heatmap.Tile{}
	}
	writeJSON(c, http.StatusOK, heatmapResponse{OK: true, Tiles: tiles, WindowSeconds: snap.WindowSeconds})
}
