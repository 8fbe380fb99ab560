// README: Websocket fan-out of board points to nearby clients.
package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/olahol/melody"
)

type hubAction string

const (
	actionPopulate hubAction = "populate"
	actionPoint    hubAction = "point"
)

type hubMessage struct {
	Action hubAction     `json:"action"`
	Points []CoarsePoint `json:"points"`
}

// Hub pushes the board snapshot to each new client and then every point the
// board accepts.
type Hub struct {
	m     *melody.Melody
	board *Board
	log   *slog.Logger
}

func NewHub(board *Board, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{m: melody.New(), board: board, log: log}

	h.m.HandleConnect(func(s *melody.Session) {
		h.log.Debug("websocket connected", "remote", s.Request.RemoteAddr)
		data, err := json.Marshal(hubMessage{Action: actionPopulate, Points: board.Points()})
		if err != nil {
			return
		}
		if err := s.Write(data); err != nil {
			h.log.Warn("websocket populate", "remote", s.Request.RemoteAddr, "error", err)
		}
	})
	h.m.HandleDisconnect(func(s *melody.Session) {
		h.log.Debug("websocket disconnected", "remote", s.Request.RemoteAddr)
	})
	h.m.HandleError(func(s *melody.Session, err error) {
		h.log.Debug("websocket error", "remote", s.Request.RemoteAddr, "error", err)
	})

	board.OnPoint(h.Broadcast)
	return h
}

func (h *Hub) Broadcast(p CoarsePoint) {
	data, err := json.Marshal(hubMessage{Action: actionPoint, Points: []CoarsePoint{p}})
	if err != nil {
		return
	}
	if err := h.m.Broadcast(data); err != nil && !errors.Is(err, melody.ErrClosed) {
		h.log.Warn("websocket broadcast", "error", err)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.m.HandleRequest(w, r); err != nil {
		h.log.Debug("websocket upgrade", "error", err)
	}
}

func (h *Hub) Sessions() int {
	return h.m.Len()
}

func (h *Hub) Close() error {
	return h.m.Close()
}
