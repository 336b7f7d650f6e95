package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The socket is read-only status fan-out behind the API surface; no
	// cross-origin state changes are possible over it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatusSocket upgrades the connection and streams execution status
// events until the client disconnects. Clients never send payload frames;
// the read loop exists to detect disconnects and answer pings.
func (s *Server) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub.ID())
	defer conn.Close()

	s.logger.Info("status client connected",
		"client_id", sub.ID(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("status write failed", "client_id", sub.ID(), "error", err)
				return
			}
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
