// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ridepulse/internal/modules/location"
)

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{OK: false, Error: msg})
}

func writePingError(c *gin.Context, err error) {
	var rl *location.RateLimitError
	switch {
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		writeError(c, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, location.ErrInvalidPing):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// MethodNotAllowed answers known routes hit with the wrong verb.
func MethodNotAllowed(c *gin.Context) {
	writeError(c, http.StatusMethodNotAllowed, "method not allowed")
}

func NotFound(c *gin.Context) {
	writeError(c, http.StatusNotFound, "not found")
}
