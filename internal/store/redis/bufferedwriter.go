package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"trading-alertsv1/internal/metrics"
	"trading-alertsv1/internal/session"
)

// SnapshotWriter is the storage side of the Saver. *Writer implements it.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, snap session.Snapshot) error
}

// SessionSource resolves a session id. *session.Store implements it.
type SessionSource interface {
	Get(id string) (*session.Session, bool)
}

// Saver implements model.SessionSaver. Save returns immediately; at most one
// write per session is in flight, and saves requested meanwhile collapse
// into a single follow-up write of the latest state. Sessions whose write
// failed or was refused by the breaker are remembered and written again
// when the breaker closes.
type Saver struct {
	w       SnapshotWriter
	src     SessionSource
	cb      *CircuitBreaker
	metrics *metrics.Metrics
	log     *slog.Logger
	ctx     context.Context
	timeout time.Duration

	mu      sync.Mutex
	active  map[string]bool
	pending map[string]bool
	dirty   map[string]struct{}
	wg      sync.WaitGroup
}

// NewSaver creates a saver. cb may be nil.
func NewSaver(ctx context.Context, w SnapshotWriter, src SessionSource, cb *CircuitBreaker, m *metrics.Metrics, log *slog.Logger) *Saver {
	if log == nil {
		log = slog.Default()
	}
	if cb == nil {
		cb = NewCircuitBreaker(5, 10*time.Second)
	}
	sv := &Saver{
		w:       w,
		src:     src,
		cb:      cb,
		metrics: m,
		log:     log.With("component", "snapshot-saver"),
		ctx:     ctx,
		timeout: 3 * time.Second,
		active:  make(map[string]bool),
		pending: make(map[string]bool),
		dirty:   make(map[string]struct{}),
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		m.SetBreakerState(int(to))
		if to == StateClosed {
			go sv.flushDirty()
		}
	}
	return sv
}

// Save schedules a background write of the session's current state.
func (sv *Saver) Save(sessionID string) {
	sv.mu.Lock()
	if sv.active[sessionID] {
		sv.pending[sessionID] = true
		sv.mu.Unlock()
		return
	}
	sv.active[sessionID] = true
	sv.wg.Add(1)
	sv.mu.Unlock()

	go sv.loop(sessionID)
}

func (sv *Saver) loop(sessionID string) {
	defer sv.wg.Done()
	for {
		sv.saveOnce(sessionID)

		sv.mu.Lock()
		if sv.pending[sessionID] {
			delete(sv.pending, sessionID)
			sv.mu.Unlock()
			continue
		}
		delete(sv.active, sessionID)
		sv.mu.Unlock()
		return
	}
}

func (sv *Saver) saveOnce(sessionID string) {
	s, ok := sv.src.Get(sessionID)
	if !ok {
		return
	}
	snap := s.Snapshot()

	err := sv.cb.Execute(func() error {
		ctx, cancel := context.WithTimeout(sv.ctx, sv.timeout)
		defer cancel()
		return sv.w.WriteSnapshot(ctx, snap)
	})
	switch {
	case err == nil:
		sv.metrics.SnapshotSave("ok")
		sv.mu.Lock()
		delete(sv.dirty, sessionID)
		sv.mu.Unlock()
	case errors.Is(err, ErrCircuitOpen):
		sv.metrics.SnapshotSave("deferred")
		sv.markDirty(sessionID)
	default:
		sv.metrics.SnapshotSave("error")
		sv.markDirty(sessionID)
		sv.log.Warn("snapshot save failed", "session_id", sessionID, "error", err)
	}
}

func (sv *Saver) markDirty(sessionID string) {
	sv.mu.Lock()
	sv.dirty[sessionID] = struct{}{}
	sv.mu.Unlock()
}

func (sv *Saver) flushDirty() {
	sv.mu.Lock()
	ids := make([]string, 0, len(sv.dirty))
	for id := range sv.dirty {
		ids = append(ids, id)
	}
	sv.mu.Unlock()
	if len(ids) > 0 {
		sv.log.Info("replaying deferred snapshots", "count", len(ids))
	}
	for _, id := range ids {
		sv.Save(id)
	}
}

// Dirty returns how many sessions still await a successful write.
func (sv *Saver) Dirty() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.dirty)
}

// SaveNow writes s synchronously, bypassing coalescing. Used at shutdown.
func (sv *Saver) SaveNow(ctx context.Context, s *session.Session) error {
	return sv.w.WriteSnapshot(ctx, s.Snapshot())
}

// Wait blocks until in-flight saves finish.
func (sv *Saver) Wait() {
	sv.wg.Wait()
}
