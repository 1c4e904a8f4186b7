package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Conn is the write side of a viewer connection. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Viewer is one downstream connection attached to a session. Events are
// queued on a bounded channel and written by the viewer's own goroutine,
// so the feed never blocks on a slow or dead socket.
type Viewer struct {
	ID        uint64
	SessionID string

	conn Conn
	send chan []byte

	failures atomic.Int32 // consecutive failed deliveries
	dead     atomic.Bool  // a write has failed; conn is unusable

	closeOnce sync.Once
	done      chan struct{}
}

func newViewer(id uint64, sessionID string, conn Conn) *Viewer {
	return &Viewer{
		ID:        id,
		SessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// Failures returns the current consecutive failure count.
func (v *Viewer) Failures() int {
	return int(v.failures.Load())
}

// Done is closed once the write pump has exited and the conn is closed.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

// enqueue queues msg without blocking. A full buffer or a dead connection
// counts as a failure. Caller holds the broadcaster read lock.
func (v *Viewer) enqueue(msg []byte) bool {
	if v.dead.Load() {
		v.failures.Add(1)
		return false
	}
	select {
	case v.send <- msg:
		return true
	default:
		v.failures.Add(1)
		return false
	}
}

// close stops the write pump. Caller holds the broadcaster write lock.
func (v *Viewer) close() {
	v.closeOnce.Do(func() { close(v.send) })
}

func (v *Viewer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		v.conn.Close()
		close(v.done)
	}()

	for {
		select {
		case msg, ok := <-v.send:
			if !ok {
				if !v.dead.Load() {
					v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				}
				return
			}
			if v.dead.Load() {
				continue // drain until unregistered
			}
			v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				v.dead.Store(true)
				v.failures.Add(1)
				continue
			}
			v.failures.Store(0)
		case <-ticker.C:
			if v.dead.Load() {
				continue
			}
			v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				v.dead.Store(true)
				v.failures.Add(1)
			}
		}
	}
}
