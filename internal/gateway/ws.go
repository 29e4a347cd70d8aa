// ABOUTME: WebSocket push channel delivering the ordered bridge event stream
// ABOUTME: Sends a snapshot frame on connect, then tagged events until the client leaves

package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairlink/pairlink/internal/hub"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The control surface is trusted local tooling.
		return true
	},
}

// wsFrame is one frame on the push channel. Snapshot frames carry the
// late-join state; event frames mirror the hub's tagged events.
type wsFrame struct {
	Type     string        `json:"type"`
	Snapshot *hub.Snapshot `json:"snapshot,omitempty"`
	Event    *hub.Event    `json:"event,omitempty"`
}

// handleWS handles GET /ws. The client receives one snapshot frame
// immediately, then every hub event in publish order. Session failures
// arrive as status events; the channel itself stays open.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub, snapshot := g.events.Subscribe(r.Context())
	g.logger.Debug("websocket subscriber joined", "subscriber_id", sub.ID)

	defer func() {
		g.events.Unsubscribe(sub.ID)
		conn.Close()
		g.logger.Debug("websocket subscriber left", "subscriber_id", sub.ID)
	}()

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(wsFrame{Type: "snapshot", Snapshot: &snapshot}); err != nil {
		return
	}

	// The reader goroutine only detects the client going away; the push
	// channel carries no client-to-server protocol.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(wsReadLimit)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readerDone:
			return

		case ev, ok := <-sub.Events():
			if !ok {
				// Evicted or hub closed; tell the client why before hanging up.
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				reason := "closed"
				if sub.Err() != nil {
					reason = sub.Err().Error()
				}
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsFrame{Type: "event", Event: &ev}); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
