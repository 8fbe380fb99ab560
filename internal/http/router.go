// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridepulse/internal/http/handlers"
	"ridepulse/internal/http/middleware"
)

// RouterDeps are the services behind the API. Realtime may be nil when the
// realtime path is disabled.
type RouterDeps struct {
	Location       handlers.PingSubmitter
	Heatmap        handlers.SnapshotReader
	DefaultWindow  int
	RealtimeBoard  handlers.PointBoard
	RealtimeStream http.Handler
	Log            *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Logging(deps.Log), middleware.Recovery(deps.Log))
	r.NoMethod(handlers.MethodNotAllowed)
	r.NoRoute(handlers.NotFound)

	locationHandler := handlers.NewLocationHandler(deps.Location)
	r.POST("/api/pings", locationHandler.Submit)

	heatmapHandler := handlers.NewHeatmapHandler(deps.Heatmap, deps.DefaultWindow, deps.Log)
	r.GET("/api/heatmap", heatmapHandler.Get)

	if deps.RealtimeBoard != nil {
		rt := handlers.NewRealtimeHandler(deps.RealtimeBoard, deps.RealtimeStream)
		r.GET("/api/realtime/points", rt.Points)
		if deps.RealtimeStream != nil {
			r.GET("/api/realtime/ws", rt.Stream)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	return r
}
