package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is same-host only; the desktop shell connects from a
	// WebView with a file/custom-scheme origin.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// Events upgrades the connection to a websocket and streams status events
// (server lifecycle transitions and machine provisioning progress) until
// the client disconnects.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.eventBroker.Subscribe()
	defer h.eventBroker.Unsubscribe(sub)

	// Reader goroutine: the client sends nothing meaningful, but reading
	// is what detects disconnects and handles control frames.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
