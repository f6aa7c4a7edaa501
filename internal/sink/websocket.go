package sink

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/tagbeat/internal/monitoring"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocketHandler streams every published frame to the client as a JSON
// text message.
func WebSocketHandler(b *Broadcaster) http.Handler {
	logf := monitoring.Component("Sink")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf("WebSocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		sub := b.Subscribe()
		defer b.Unsubscribe(sub.ID)

		// The client never sends frames; reading only services control
		// messages and notices the close.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case f, ok := <-sub.C:
				if !ok {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(time.Second))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(f); err != nil {
					logf("WebSocket write to %s failed: %v", r.RemoteAddr, err)
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
