// README: Realtime board read endpoints and websocket upgrade.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ridepulse/internal/modules/realtime"
	"ridepulse/internal/types"
)

type PointBoard interface {
	Points() []realtime.CoarsePoint
	Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]realtime.CoarsePoint, error)
}

type RealtimeHandler struct {
	board PointBoard
	ws    http.Handler
}

func NewRealtimeHandler(board PointBoard, ws http.Handler) *RealtimeHandler {
	return &RealtimeHandler{board: board, ws: ws}
}

type pointsResponse struct {
	OK     bool                   `json:"ok"`
	Points []realtime.CoarsePoint `json:"points"`
}

// Points returns the board, optionally filtered by lat, lng and radius_km.
func (h *RealtimeHandler) Points(c *gin.Context) {
	var (
		pts []realtime.CoarsePoint
		err error
	)
	if c.Query("lat") == "" && c.Query("lng") == "" {
		pts = h.board.Points()
	} else {
		lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
		lng, err2 := strconv.ParseFloat(c.Query("lng"), 64)
		radius := 5.0
		var err3 error
		if v := c.Query("radius_km"); v != "" {
			radius, err3 = strconv.ParseFloat(v, 64)
		}
		if err1 != nil || err2 != nil || err3 != nil || radius <= 0 || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			writeError(c, http.StatusBadRequest, "lat, lng and radius_km must be valid numbers")
			return
		}
		pts, err = h.board.Nearby(c.Request.Context(), types.Point{Lat: lat, Lng: lng}, radius)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "internal error")
			return
		}
	}
	if pts == nil {
		pts = []realtime.CoarsePoint{}
	}
	writeJSON(c, http.StatusOK, pointsResponse{OK: true, Points: pts})
}

func (h *RealtimeHandler) Stream(c *gin.Context) {
	h.ws.ServeHTTP(c.Writer, c.Request)
}
