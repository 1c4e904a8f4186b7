// Package feed owns the upstream SmartStream connection of each session.
// It decodes frames into ticks, updates the session registry, drives the
// alert evaluator and paper engine, and emits events to the session's
// viewers through a swappable callback.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"trading-alertsv1/internal/alerts"
	"trading-alertsv1/internal/marketdata/decoder"
	"trading-alertsv1/internal/metrics"
	"trading-alertsv1/internal/model"
	"trading-alertsv1/internal/paper"
	"trading-alertsv1/internal/session"
	"trading-alertsv1/pkg/smartconnect"
)

// Transport is an upstream socket. smartconnect.Stream implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(correlationID string, mode int, tokenList []smartconnect.TokenListEntry) error
	Unsubscribe(correlationID string, mode int, tokenList []smartconnect.TokenListEntry) error
	Close() error
}

// TransportFactory builds an unconnected transport wired to h.
type TransportFactory func(creds model.Credentials, h smartconnect.Handlers) (Transport, error)

// SmartStreamFactory returns a factory producing SmartStream sockets.
func SmartStreamFactory(cfg smartconnect.StreamConfig, log *slog.Logger) TransportFactory {
	return func(creds model.Credentials, h smartconnect.Handlers) (Transport, error) {
		return smartconnect.NewStream(cfg, smartconnect.FeedCredentials{
			AuthToken:  creds.JWTToken,
			APIKey:     creds.APIKey,
			ClientCode: creds.ClientCode,
			FeedToken:  creds.FeedToken,
		}, h, log)
	}
}

// EventFunc receives every event produced for one session.
type EventFunc func(ev model.Event)

// Index is an always-on instrument subscribed for every session.
type Index struct {
	Token    string
	Symbol   string
	Exchange string
}

// DefaultIndices are the benchmark indices every feed carries.
var DefaultIndices = []Index{
	{Token: "99926000", Symbol: "NIFTY 50", Exchange: model.ExchangeNSE},
	{Token: "99926009", Symbol: "NIFTY BANK", Exchange: model.ExchangeNSE},
	{Token: "99926012", Symbol: "NIFTY FIN SERVICE", Exchange: model.ExchangeNSE},
	{Token: "99919000", Symbol: "SENSEX", Exchange: model.ExchangeBSE},
}

var ErrNotRunning = errors.New("feed: no upstream connection for session")

// conn is the per-session upstream state.
type conn struct {
	s         *session.Session
	transport Transport
	onEvent   atomic.Pointer[EventFunc]
	status    atomic.Value // model.FeedStatus
	log       *slog.Logger
}

func (c *conn) emit(ev model.Event) {
	if fn := c.onEvent.Load(); fn != nil && *fn != nil {
		(*fn)(ev)
	}
}

func (c *conn) state() model.FeedStatus {
	if v, ok := c.status.Load().(model.FeedStatus); ok {
		return v
	}
	return model.FeedDisconnected
}

// Manager holds at most one upstream connection per session.
type Manager struct {
	ctx       context.Context
	factory   TransportFactory
	evaluator *alerts.Evaluator
	engine    *paper.Engine
	indices   []Index
	metrics   *metrics.Metrics
	log       *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewManager creates a manager. ctx bounds the lifetime of every transport
// it opens; request contexts are never used for upstream sockets.
func NewManager(ctx context.Context, factory TransportFactory, evaluator *alerts.Evaluator, engine *paper.Engine, indices []Index, m *metrics.Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if indices == nil {
		indices = DefaultIndices
	}
	return &Manager{
		ctx:       ctx,
		factory:   factory,
		evaluator: evaluator,
		engine:    engine,
		indices:   indices,
		metrics:   m,
		log:       log.With("component", "feed"),
		conns:     make(map[string]*conn),
	}
}

// Start opens the session's upstream connection. If one already exists only
// the event callback is replaced, so a reattaching viewer picks up the
// running feed. Connection failures are reported as a status event.
func (m *Manager) Start(s *session.Session, onEvent EventFunc) {
	m.mu.Lock()
	if c, ok := m.conns[s.ID]; ok {
		c.onEvent.Store(&onEvent)
		m.mu.Unlock()
		return
	}
	c := &conn{s: s, log: m.log.With("session_id", s.ID)}
	c.onEvent.Store(&onEvent)
	m.conns[s.ID] = c
	m.mu.Unlock()

	s.Lock()
	creds := s.Credentials
	s.Unlock()

	m.setStatus(c, model.FeedConnecting, "")
	t, err := m.factory(creds, smartconnect.Handlers{
		OnOpen:  func() { m.onOpen(c) },
		OnFrame: func(binary bool, payload []byte) { m.onFrame(c, binary, payload) },
		OnClose: func(err error) { m.onClose(c, err) },
	})
	if err != nil {
		m.fail(c, err)
		return
	}
	m.mu.Lock()
	if m.conns[s.ID] != c {
		// Stopped while dialing.
		m.mu.Unlock()
		if err := t.Close(); err != nil {
			c.log.Debug("transport close", "error", err)
		}
		return
	}
	c.transport = t
	m.mu.Unlock()
	m.metrics.SetFeedSessions(m.count())

	go func() {
		if err := t.Connect(m.ctx); err != nil {
			m.fail(c, err)
		}
	}()
}

// fail reports a connection failure and forgets the session so a later
// Start can retry. Failures of a stopped connection are only logged.
func (m *Manager) fail(c *conn, err error) {
	c.log.Warn("upstream connect failed", "error", err)
	m.mu.Lock()
	owned := m.conns[c.s.ID] == c
	if owned {
		delete(m.conns, c.s.ID)
	}
	m.mu.Unlock()
	if !owned {
		return
	}
	m.metrics.SetFeedSessions(m.count())
	m.setStatus(c, model.FeedDisconnected, err.Error())
}

func (m *Manager) setStatus(c *conn, st model.FeedStatus, reason string) {
	c.status.Store(st)
	m.metrics.Status(string(st))
	c.emit(model.NewEvent(model.Status{Status: st, Reason: reason}))
}

// onOpen registers the index tokens and subscribes one request per segment.
func (m *Manager) onOpen(c *conn) {
	s := c.s
	s.Lock()
	for _, idx := range m.indices {
		s.Registry.Ensure(idx.Token, idx.Symbol, idx.Exchange)
	}
	byExch := s.Registry.ByExchange()
	s.Unlock()

	exchs := make([]string, 0, len(byExch))
	for ex := range byExch {
		exchs = append(exchs, ex)
	}
	sort.Strings(exchs)
	_, t := m.live(s.ID)
	for _, ex := range exchs {
		if t == nil {
			break
		}
		code, ok := smartconnect.ExchangeType(ex)
		if !ok {
			c.log.Warn("unknown exchange segment", "exchange", ex)
			continue
		}
		tl := []smartconnect.TokenListEntry{{ExchangeType: code, Tokens: byExch[ex]}}
		if err := t.Subscribe(s.ID, smartconnect.ModeLTP, tl); err != nil {
			c.log.Warn("subscribe failed", "exchange", ex, "error", err)
		}
	}
	c.log.Info("upstream connected", "segments", len(exchs))
	m.setStatus(c, model.FeedConnected, "")
}

// onFrame is the tick path. It runs on the transport's read goroutine.
func (m *Manager) onFrame(c *conn, binary bool, payload []byte) {
	ticks := decoder.Decode(binary, payload)
	if len(ticks) == 0 {
		m.metrics.DecodeDrop()
		c.log.Debug("frame dropped", "binary", binary, "bytes", len(payload))
		return
	}
	for _, tk := range ticks {
		m.apply(c, tk)
	}
}

func (m *Manager) apply(c *conn, tk model.Tick) {
	s := c.s
	s.Lock()
	inst := s.Registry.Update(tk.Token, tk.Price)
	var cp model.Instrument
	if inst != nil {
		cp = *inst
	}
	s.Unlock()
	if inst == nil {
		m.metrics.UnknownToken()
		c.log.Debug("tick for unknown token", "token", tk.Token)
		return
	}
	m.metrics.Tick()

	if m.evaluator != nil {
		m.evaluator.Evaluate(s, cp, c.emit)
	}
	var trades []model.VirtualTrade
	if m.engine != nil {
		m.engine.UpdateLivePnl(s)
		trades = m.engine.Snapshot(s)
	}
	c.emit(model.NewEvent(model.PriceUpdate{
		Token:  cp.Token,
		Symbol: cp.Symbol,
		LTP:    cp.LTP,
		Trades: trades,
	}))
}

func (m *Manager) onClose(c *conn, err error) {
	if !m.current(c) {
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.log.Info("upstream closed", "error", err)
	m.setStatus(c, model.FeedDisconnected, reason)
}

// current reports whether c is still the session's registered connection.
func (m *Manager) current(c *conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[c.s.ID] == c
}

// Stop closes the session's upstream connection.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	c, ok := m.conns[sessionID]
	delete(m.conns, sessionID)
	var t Transport
	if ok {
		t = c.transport
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if t != nil {
		if err := t.Close(); err != nil {
			c.log.Debug("transport close", "error", err)
		}
	}
	m.setStatus(c, model.FeedDisconnected, "")
	m.metrics.SetFeedSessions(m.count())
	return true
}

// StopAll closes every upstream connection.
func (m *Manager) StopAll() {
	for _, id := range m.Sessions() {
		m.Stop(id)
	}
}

func (m *Manager) lookup(sessionID string) (*conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[sessionID]
	return c, ok
}

// live returns the session's connection and its transport once built.
func (m *Manager) live(sessionID string) (*conn, Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[sessionID]
	if !ok {
		return nil, nil
	}
	return c, c.transport
}

// Subscribe registers inst with the session and, when a feed is running,
// adds it to the live subscription. Without a feed the instrument is picked
// up on the next Start.
func (m *Manager) Subscribe(s *session.Session, inst model.Instrument) error {
	s.Lock()
	s.Registry.Ensure(inst.Token, inst.Symbol, inst.Exchange)
	s.Unlock()

	c, t := m.live(s.ID)
	if t == nil {
		return nil
	}
	code, ok := smartconnect.ExchangeType(exchangeOrNSE(inst.Exchange))
	if !ok {
		code = smartconnect.NSE_CM
	}
	err := t.Subscribe(s.ID, smartconnect.ModeLTP, []smartconnect.TokenListEntry{{ExchangeType: code, Tokens: []string{inst.Token}}})
	if err != nil {
		c.log.Warn("live subscribe failed", "token", inst.Token, "error", err)
	}
	return nil
}

// Unsubscribe drops token from the live subscription. Index tokens stay.
func (m *Manager) Unsubscribe(s *session.Session, token, exchange string) {
	if idx, ok := m.index(token); ok {
		// The upstream subscription stays; put the placeholder back so
		// ticks keep resolving after the watchlist entry is gone.
		s.Lock()
		s.Registry.Ensure(idx.Token, idx.Symbol, idx.Exchange)
		s.Unlock()
		return
	}
	c, t := m.live(s.ID)
	if t == nil {
		return
	}
	code, ok := smartconnect.ExchangeType(exchangeOrNSE(exchange))
	if !ok {
		code = smartconnect.NSE_CM
	}
	if err := t.Unsubscribe(s.ID, smartconnect.ModeLTP, []smartconnect.TokenListEntry{{ExchangeType: code, Tokens: []string{token}}}); err != nil {
		c.log.Debug("live unsubscribe failed", "token", token, "error", err)
	}
}

func (m *Manager) index(token string) (Index, bool) {
	for _, idx := range m.indices {
		if idx.Token == token {
			return idx, true
		}
	}
	return Index{}, false
}

func exchangeOrNSE(ex string) string {
	if ex == "" {
		return model.ExchangeNSE
	}
	return ex
}

// IsRunning reports whether the session has an upstream connection.
func (m *Manager) IsRunning(sessionID string) bool {
	_, ok := m.lookup(sessionID)
	return ok
}

// State returns the session's upstream status.
func (m *Manager) State(sessionID string) model.FeedStatus {
	c, ok := m.lookup(sessionID)
	if !ok {
		return model.FeedDisconnected
	}
	return c.state()
}

// Emit sends ev through the session's current callback.
func (m *Manager) Emit(sessionID string, ev model.Event) error {
	c, ok := m.lookup(sessionID)
	if !ok {
		return ErrNotRunning
	}
	c.emit(ev)
	return nil
}

// Sessions lists sessions with an upstream connection, sorted.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Session returns the session behind a running feed.
func (m *Manager) Session(sessionID string) (*session.Session, bool) {
	c, ok := m.lookup(sessionID)
	if !ok {
		return nil, false
	}
	return c.s, true
}

func (m *Manager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
