package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readLimit    = 4096
	readDeadline = 60 * time.Second
)

// Upgrader upgrades viewer HTTP requests to websockets.
var Upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

var pongMsg = []byte(`{"type":"pong"}`)

// Serve registers conn as a viewer of sessionID and reads from it until the
// socket closes, then unregisters it. onAttach runs right after
// registration. A {"type":"ping"} text frame is answered with
// {"type":"pong"}; other frames are ignored.
func (b *Broadcaster) Serve(conn *websocket.Conn, sessionID string, onAttach func(*Viewer)) {
	v := b.Register(sessionID, conn)
	defer b.Unregister(v)
	if onAttach != nil {
		onAttach(v)
	}

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var base struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &base) != nil {
			continue
		}
		if base.Type == "ping" {
			b.SendRaw(v, pongMsg)
		}
	}
}
