package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteTimeout = 10 * time.Second

type streamFrame struct {
	Type string `json:"type"` // "snapshot"
	listView
}

// streamDevices pushes the current device list and then every new one until
// the client goes away. Slow clients skip intermediate lists.
func (a *App) streamDevices(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "websocket upgrade required"})
		return
	}
	up := websocket.Upgrader{
		// The listener is loopback only; UI views may be served from any origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := a.backend.Subscribe(1)
	defer a.backend.Unsubscribe(sub)

	// Reads only serve to notice the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(f streamFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteJSON(f) == nil
	}

	if snap := a.backend.Snapshot(); snap.Initialized() {
		if !send(streamFrame{Type: "snapshot", listView: newListView(snap)}) {
			return
		}
	}
	for {
		select {
		case list, ok := <-sub:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if !send(streamFrame{Type: "snapshot", listView: newListView(list)}) {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
