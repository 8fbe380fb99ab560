// README: Ping ingest handler.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridepulse/internal/modules/location"
)

type PingSubmitter interface {
	SubmitPing(ctx context.Context, req location.PingRequest) (location.SubmitResult, error)
}

type LocationHandler struct {
	location PingSubmitter
}

func NewLocationHandler(svc PingSubmitter) *LocationHandler {
	return &LocationHandler{location: svc}
}

type pingResponse struct {
	OK      bool   `json:"ok"`
	Dedup   bool   `json:"dedup"`
	AreaKey string `json:"area_key"`
}

func (h *LocationHandler) Submit(c *gin.Context) {
	var req location.PingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := h.location.SubmitPing(c.Request.Context(), req)
	if err != nil {
		writePingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pingResponse{OK: true, Dedup: res.Deduped, AreaKey: res.TileKey})
}
