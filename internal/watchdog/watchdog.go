// Package watchdog runs the periodic heartbeat: a liveness event to every
// viewer, eviction of viewers that keep failing, and the end-of-day paper
// square-off for sessions with a live feed.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"trading-alertsv1/internal/markethours"
	"trading-alertsv1/internal/model"
	"trading-alertsv1/internal/session"
)

// Viewers is the downstream side. gateway.Broadcaster implements it.
type Viewers interface {
	Heartbeat(ev model.Event, maxFailures int) int
}

// Feeds is the upstream side. feed.Manager implements it.
type Feeds interface {
	Sessions() []string
	Session(sessionID string) (*session.Session, bool)
	Emit(sessionID string, ev model.Event) error
}

// SquareOffer closes positions at end of day. paper.Engine implements it.
type SquareOffer interface {
	CheckAndSquareOff(s *session.Session, now time.Time) []model.VirtualTrade
	Snapshot(s *session.Session) []model.VirtualTrade
}

// Config for the watchdog.
type Config struct {
	Interval    time.Duration
	MaxFailures int
}

// Watchdog is the single periodic worker.
type Watchdog struct {
	cfg     Config
	viewers Viewers
	feeds   Feeds
	paper   SquareOffer
	log     *slog.Logger
	now     func() time.Time
}

// New creates a watchdog. Interval defaults to 5s and MaxFailures to 5.
func New(cfg Config, viewers Viewers, feeds Feeds, paper SquareOffer, log *slog.Logger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{
		cfg:     cfg,
		viewers: viewers,
		feeds:   feeds,
		paper:   paper,
		log:     log.With("component", "watchdog"),
		now:     time.Now,
	}
}

// Run ticks until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.log.Info("watchdog started", "interval", w.cfg.Interval, "max_failures", w.cfg.MaxFailures)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(w.now())
		}
	}
}

// Tick performs one heartbeat round. Returns the number of viewers evicted.
func (w *Watchdog) Tick(now time.Time) int {
	hb := model.NewEvent(model.Heartbeat{
		Timestamp:    now,
		MarketOpen:   markethours.IsMarketOpen(now),
		MarketStatus: markethours.StatusString(now),
	})
	evicted := 0
	if w.viewers != nil {
		evicted = w.viewers.Heartbeat(hb, w.cfg.MaxFailures)
		if evicted > 0 {
			w.log.Info("evicted stale viewers", "count", evicted)
		}
	}
	if w.feeds == nil || w.paper == nil {
		return evicted
	}
	for _, id := range w.feeds.Sessions() {
		s, ok := w.feeds.Session(id)
		if !ok {
			continue
		}
		closed := w.paper.CheckAndSquareOff(s, now)
		if len(closed) == 0 {
			continue
		}
		w.log.Info("square-off executed", "session_id", id, "closed", len(closed))
		trades := w.paper.Snapshot(s)
		for _, t := range closed {
			w.feeds.Emit(id, model.NewEvent(model.PriceUpdate{
				Token:  t.Token,
				Symbol: t.Symbol,
				LTP:    t.LastPrice,
				Trades: trades,
			}))
		}
	}
	return evicted
}
