package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the alert feed.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TicksTotal        prometheus.Counter
	DecodeDrops       prometheus.Counter
	UnknownTokenTicks prometheus.Counter
	FeedStatus        *prometheus.CounterVec // labels: status
	FeedSessions      prometheus.Gauge

	AlertsFired  *prometheus.CounterVec // labels: type=manual|auto
	TradesOpened *prometheus.CounterVec // labels: side
	TradesClosed *prometheus.CounterVec // labels: reason
	TradeRejects *prometheus.CounterVec // labels: op
	SquareOffs   prometheus.Counter

	Viewers         prometheus.Gauge
	ViewerDrops     prometheus.Counter // events dropped on full viewer buffers
	ViewerEvictions prometheus.Counter
	DispatchDur     prometheus.Histogram

	SnapshotSaves     *prometheus.CounterVec // labels: result=ok|error|coalesced
	HistoryWrites     *prometheus.CounterVec // labels: result
	RedisBreakerState prometheus.Gauge       // 0=closed, 1=open, 2=half-open
}

// NewMetrics creates the metrics and registers them on reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertfeed_ticks_total",
			Help: "Ticks decoded from the upstream feed",
		}),
		DecodeDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertfeed_decode_drops_total",
			Help: "Upstream frames that produced no tick",
		}),
		UnknownTokenTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertfeed_unknown_token_ticks_total",
			Help: "Ticks for tokens not in the session registry",
		}),
		FeedStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertfeed_feed_status_total",
			Help: "Upstream connection status transitions",
		}, []string{"status"}),
		FeedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertfeed_feed_sessions",
			Help: "Sessions with a running upstream connection",
		}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertfeed_alerts_fired_total",
			Help: "Alerts fired by the trigger evaluator",
		}, []string{"type"}),
		TradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertfeed_paper_trades_opened_total",
			Help: "Paper positions opened",
		}, []string{"side"}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertfeed_paper_trades_closed_total",
			Help: "Paper positions closed",
		}, []string{"reason"}),
		TradeRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertfeed_paper_rejects_total",
			Help: "Paper operations rejected",
		}, []string{"op"}),
		SquareOffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertfeed_eod_squareoffs_total",
			Help: "End-of-day square-off runs",
		}),
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertfeed_viewers",
			Help: "Connected downstream viewers",
		}),
		ViewerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertfeed_viewer_drops_total",
			Help: "Events dropped because a viewer buffer was full",
		}),
		ViewerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertfeed_viewer_evictions_total",
			Help: "Viewers evicted after repeated heartbeat failures",
		}),
		DispatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertfeed_dispatch_duration_seconds",
			Help:    "Time to fan one event out to a session's viewers",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		SnapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertfeed_snapshot_saves_total",
			Help: "Session snapshot writes",
		}, []string{"result"}),
		HistoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertfeed_history_writes_total",
			Help: "Closed trades written to the trade history",
		}, []string{"result"}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertfeed_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DecodeDrops,
		m.UnknownTokenTicks,
		m.FeedStatus,
		m.FeedSessions,
		m.AlertsFired,
		m.TradesOpened,
		m.TradesClosed,
		m.TradeRejects,
		m.SquareOffs,
		m.Viewers,
		m.ViewerDrops,
		m.ViewerEvictions,
		m.DispatchDur,
		m.SnapshotSaves,
		m.HistoryWrites,
		m.RedisBreakerState,
	)

	return m
}

func (m *Metrics) Tick() {
	if m != nil {
		m.TicksTotal.Inc()
	}
}

func (m *Metrics) DecodeDrop() {
	if m != nil {
		m.DecodeDrops.Inc()
	}
}

func (m *Metrics) UnknownToken() {
	if m != nil {
		m.UnknownTokenTicks.Inc()
	}
}

func (m *Metrics) Status(status string) {
	if m != nil {
		m.FeedStatus.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SetFeedSessions(n int) {
	if m != nil {
		m.FeedSessions.Set(float64(n))
	}
}

func (m *Metrics) AlertFired(auto bool) {
	if m == nil {
		return
	}
	kind := "manual"
	if auto {
		kind = "auto"
	}
	m.AlertsFired.WithLabelValues(kind).Inc()
}

func (m *Metrics) TradeOpened(side string) {
	if m != nil {
		m.TradesOpened.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) TradeClosed(reason string) {
	if m != nil {
		m.TradesClosed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) TradeRejected(op string) {
	if m != nil {
		m.TradeRejects.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) SquareOff() {
	if m != nil {
		m.SquareOffs.Inc()
	}
}

func (m *Metrics) ViewerDelta(d int) {
	if m != nil {
		m.Viewers.Add(float64(d))
	}
}

func (m *Metrics) ViewerDropped() {
	if m != nil {
		m.ViewerDrops.Inc()
	}
}

func (m *Metrics) ViewerEvicted() {
	if m != nil {
		m.ViewerEvictions.Inc()
	}
}

func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m != nil {
		m.DispatchDur.Observe(d.Seconds())
	}
}

func (m *Metrics) SnapshotSave(result string) {
	if m != nil {
		m.SnapshotSaves.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) HistoryWrite(result string) {
	if m != nil {
		m.HistoryWrites.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetBreakerState(state int) {
	if m != nil {
		m.RedisBreakerState.Set(float64(state))
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedSessions   int       `json:"feed_sessions"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedSessions(n int) {
	h.mu.Lock()
	h.FeedSessions = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the trade history database.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. Storage outages degrade the
// status but the feed itself keeps serving from memory.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.RedisConnected || !h.SQLiteOK {
		overall = "degraded"
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedSessions    int     `json:"feed_sessions"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedSessions:    h.FeedSessions,
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server backed by gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
