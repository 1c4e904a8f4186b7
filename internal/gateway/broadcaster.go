package gateway

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"trading-alertsv1/internal/metrics"
	"trading-alertsv1/internal/model"
)

// Broadcaster fans session events out to every viewer attached to the
// session. One viewer failing never blocks delivery to the others.
//
// Viewers are tracked independently of the upstream feed: removing the last
// viewer of a session leaves its feed running.
type Broadcaster struct {
	mu      sync.RWMutex
	viewers map[string]map[*Viewer]struct{} // session id -> viewers
	nextID  uint64

	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(m *metrics.Metrics, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		viewers: make(map[string]map[*Viewer]struct{}),
		metrics: m,
		log:     log.With("component", "broadcaster"),
	}
}

// Register attaches conn to sessionID and starts its write pump.
// Any number of viewers may share a session.
func (b *Broadcaster) Register(sessionID string, conn Conn) *Viewer {
	b.mu.Lock()
	b.nextID++
	v := newViewer(b.nextID, sessionID, conn)
	set, ok := b.viewers[sessionID]
	if !ok {
		set = make(map[*Viewer]struct{})
		b.viewers[sessionID] = set
	}
	set[v] = struct{}{}
	count := len(set)
	b.mu.Unlock()

	go v.writePump()
	b.metrics.ViewerDelta(1)
	b.log.Info("viewer attached", "session_id", sessionID, "viewer", v.ID, "viewers", count)
	return v
}

// Unregister detaches v and closes its connection. Safe to call twice.
func (b *Broadcaster) Unregister(v *Viewer) {
	b.mu.Lock()
	set, ok := b.viewers[v.SessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, ok := set[v]; !ok {
		b.mu.Unlock()
		return
	}
	delete(set, v)
	if len(set) == 0 {
		delete(b.viewers, v.SessionID)
	}
	v.close()
	b.mu.Unlock()

	b.metrics.ViewerDelta(-1)
	b.log.Info("viewer detached", "session_id", v.SessionID, "viewer", v.ID)
}

// Dispatch delivers ev to every viewer of sessionID. It never blocks:
// a viewer whose buffer is full or whose socket died misses the event and
// has its failure count incremented.
func (b *Broadcaster) Dispatch(sessionID string, ev model.Event) {
	msg, err := ev.JSON()
	if err != nil {
		b.log.Error("event encode failed", "session_id", sessionID, "type", ev.Type, "error", err)
		return
	}
	start := time.Now()

	b.mu.RLock()
	for v := range b.viewers[sessionID] {
		if !v.enqueue(msg) {
			b.metrics.ViewerDropped()
		}
	}
	b.mu.RUnlock()

	b.metrics.ObserveDispatch(time.Since(start))
}

// Send delivers ev to a single viewer.
func (b *Broadcaster) Send(v *Viewer, ev model.Event) bool {
	msg, err := ev.JSON()
	if err != nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.viewers[v.SessionID][v]; !ok {
		return false
	}
	return v.enqueue(msg)
}

// SendRaw delivers a pre-encoded message to a single viewer.
func (b *Broadcaster) SendRaw(v *Viewer, msg []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.viewers[v.SessionID][v]; !ok {
		return false
	}
	return v.enqueue(msg)
}

// Heartbeat sends ev to every viewer of every session and evicts viewers
// that have failed maxFailures consecutive deliveries. Returns the number
// of viewers evicted.
func (b *Broadcaster) Heartbeat(ev model.Event, maxFailures int) int {
	msg, err := ev.JSON()
	if err != nil {
		b.log.Error("heartbeat encode failed", "error", err)
		return 0
	}

	var stale []*Viewer
	b.mu.RLock()
	for _, set := range b.viewers {
		for v := range set {
			v.enqueue(msg)
			if v.Failures() >= maxFailures {
				stale = append(stale, v)
			}
		}
	}
	b.mu.RUnlock()

	for _, v := range stale {
		b.log.Warn("evicting unresponsive viewer", "session_id", v.SessionID, "viewer", v.ID, "failures", v.Failures())
		b.Unregister(v)
		b.metrics.ViewerEvicted()
	}
	return len(stale)
}

// ViewerCount returns the number of viewers attached to sessionID.
func (b *Broadcaster) ViewerCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.viewers[sessionID])
}

// TotalViewers returns the number of viewers across all sessions.
func (b *Broadcaster) TotalViewers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.viewers {
		n += len(set)
	}
	return n
}

// Sessions returns the ids of sessions with at least one viewer.
func (b *Broadcaster) Sessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.viewers))
	for id := range b.viewers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseAll detaches every viewer (used at shutdown).
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	var n int
	for id, set := range b.viewers {
		for v := range set {
			v.close()
			n++
		}
		delete(b.viewers, id)
	}
	b.mu.Unlock()
	b.metrics.ViewerDelta(-n)
}
