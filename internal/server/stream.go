package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const streamWriteTimeout = 10 * time.Second

// streamBuildJobLogs upgrades to a websocket, replays the retained log
// history, then relays live lines until the job's stream closes or the
// client goes away. A client that cannot keep up is disconnected.
func (s *Server) streamBuildJobLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Builds.Get(id); err != nil {
		s.writeError(w, err)
		return
	}

	// Subscribe before replaying history so no line falls in the gap.
	live, cancel := s.deps.Builds.Logs().Subscribe(id)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reader goroutine: the client sends nothing we care about, but reads
	// surface close frames and broken connections.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, line := range s.deps.Builds.Logs().History(id) {
		if !s.writeLine(conn, line) {
			return
		}
	}
	for {
		select {
		case line, ok := <-live:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "log stream ended"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			if !s.writeLine(conn, line) {
				return
			}
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeLine(conn *websocket.Conn, v any) bool {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Debug("log stream client dropped", zap.Error(err))
		return false
	}
	return true
}
