package smartconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	RootURI           = "wss://smartapisocket.angelone.in/smart-stream"
	HeartBeatMessage  = "ping"
	HeartBeatInterval = 10 * time.Second
	QuotaDepthLimit   = 50

	writeWait = 5 * time.Second
)

// Subscription action / modes / exchanges
const (
	SubscribeAction   = 1
	UnsubscribeAction = 0

	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3
	ModeDepth     = 4

	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
	NCX_FO = 7
	CDE_FO = 13
)

var SubscriptionModeMap = map[int]string{
	1: "LTP",
	2: "QUOTE",
	3: "SNAP_QUOTE",
	4: "DEPTH",
}

var exchangeTypes = map[string]int{
	"NSE": NSE_CM,
	"NFO": NSE_FO,
	"BSE": BSE_CM,
	"BFO": BSE_FO,
	"MCX": MCX_FO,
	"NCX": NCX_FO,
	"CDS": CDE_FO,
}

// ExchangeType maps a scrip-master segment ("NSE", "NFO", ...) to the
// SmartStream exchangeType code.
func ExchangeType(segment string) (int, bool) {
	v, ok := exchangeTypes[segment]
	return v, ok
}

var (
	ErrNotConnected     = errors.New("smartconnect: stream not connected")
	ErrStreamClosed     = errors.New("smartconnect: stream closed")
	ErrMissingCreds     = errors.New("smartconnect: provide valid value for all the tokens")
	ErrRetriesExhausted = errors.New("smartconnect: max retry attempts reached")
)

// TokenListEntry represents exchangeType + tokens for subscribe/unsubscribe
type TokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

type subscribeParams struct {
	Mode      int              `json:"mode"`
	TokenList []TokenListEntry `json:"tokenList"`
}

type subscribeRequest struct {
	CorrelationID string          `json:"correlationID,omitempty"`
	Action        int             `json:"action"`
	Params        subscribeParams `json:"params"`
}

// FeedCredentials are the headers SmartStream authenticates a socket with.
type FeedCredentials struct {
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string
}

// StreamConfig tunes the socket. Zero values take defaults.
type StreamConfig struct {
	URL        string
	MaxRetries int           // reconnect attempts per drop; 0 retries forever
	RetryEvery time.Duration // minimum spacing between reconnect attempts
	Heartbeat  time.Duration // text "ping" interval
	Dialer     *websocket.Dialer
}

func (c *StreamConfig) defaults() {
	if c.URL == "" {
		c.URL = RootURI
	}
	if c.RetryEvery <= 0 {
		c.RetryEvery = 2 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = HeartBeatInterval
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Handlers receive stream callbacks. They run on the stream's read goroutine
// and must not call Close.
type Handlers struct {
	OnOpen  func()
	OnFrame func(binary bool, payload []byte)
	OnClose func(err error)
}

// Stream is a reconnecting SmartStream v2 socket. Frames are handed to
// OnFrame undecoded. Subscriptions are remembered and replayed after every
// reconnect, before OnOpen fires.
type Stream struct {
	cfg   StreamConfig
	creds FeedCredentials
	h     Handlers
	log   *slog.Logger

	limiter *rate.Limiter

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[int]map[int]map[string]struct{} // mode -> exchangeType -> tokens
	closed bool
	cancel context.CancelFunc

	wmu sync.Mutex // serializes writes on conn

	lastPong time.Time
}

// NewStream validates credentials and prepares a stream. Nothing is dialed
// until Connect.
func NewStream(cfg StreamConfig, creds FeedCredentials, h Handlers, log *slog.Logger) (*Stream, error) {
	if creds.AuthToken == "" || creds.APIKey == "" || creds.ClientCode == "" || creds.FeedToken == "" {
		return nil, ErrMissingCreds
	}
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Stream{
		cfg:     cfg,
		creds:   creds,
		h:       h,
		log:     log.With("component", "smartstream", "client_code", creds.ClientCode),
		limiter: rate.NewLimiter(rate.Every(cfg.RetryEvery), 1),
		subs:    make(map[int]map[int]map[string]struct{}),
	}, nil
}

func (s *Stream) header() http.Header {
	h := http.Header{}
	h.Add("Authorization", s.creds.AuthToken)
	h.Add("x-api-key", s.creds.APIKey)
	h.Add("x-client-code", s.creds.ClientCode)
	h.Add("x-feed-token", s.creds.FeedToken)
	return h
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, s.header())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("smartconnect: dial %s: %s: %w", s.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("smartconnect: dial %s: %w", s.cfg.URL, err)
	}
	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastPong = time.Now()
		s.mu.Unlock()
		return nil
	})
	return conn, nil
}

// Connect dials once and, on success, starts the read loop which keeps the
// stream alive until Close or ctx is done. A failed first dial is returned
// to the caller and nothing is retried.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		conn.Close()
		return ErrStreamClosed
	}
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("stream connected", "url", s.cfg.URL)
	if err := s.Resubscribe(); err != nil {
		s.log.Warn("resubscribe failed", "error", err)
	}
	if s.h.OnOpen != nil {
		s.h.OnOpen()
	}
	go s.run(runCtx, conn)
	return nil
}

// run owns the read side. On every drop it reports OnClose(err) and redials,
// paced by the limiter.
func (s *Stream) run(ctx context.Context, conn *websocket.Conn) {
	for {
		hbDone := make(chan struct{})
		go s.heartbeatLoop(ctx, conn, hbDone)
		err := s.readLoop(conn)
		close(hbDone)

		s.mu.Lock()
		closed := s.closed
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()

		if closed || ctx.Err() != nil {
			if s.h.OnClose != nil {
				s.h.OnClose(nil)
			}
			return
		}
		s.log.Warn("stream dropped", "error", err)
		if s.h.OnClose != nil {
			s.h.OnClose(err)
		}

		next, rerr := s.reconnect(ctx)
		if rerr != nil {
			s.log.Error("stream gave up", "error", rerr)
			return
		}
		conn = next
	}
}

func (s *Stream) reconnect(ctx context.Context) (*websocket.Conn, error) {
	for attempt := 1; s.cfg.MaxRetries == 0 || attempt <= s.cfg.MaxRetries; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		conn, err := s.dial(ctx)
		if err != nil {
			s.log.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil, ErrStreamClosed
		}
		s.conn = conn
		s.mu.Unlock()

		s.log.Info("stream reconnected", "attempt", attempt)
		if err := s.Resubscribe(); err != nil {
			s.log.Warn("resubscribe failed", "error", err)
		}
		if s.h.OnOpen != nil {
			s.h.OnOpen()
		}
		return conn, nil
	}
	return nil, ErrRetriesExhausted
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch mt {
		case websocket.BinaryMessage:
			if s.h.OnFrame != nil {
				s.h.OnFrame(true, msg)
			}
		case websocket.TextMessage:
			if string(msg) == "pong" {
				s.mu.Lock()
				s.lastPong = time.Now()
				s.mu.Unlock()
				continue
			}
			if s.h.OnFrame != nil {
				s.h.OnFrame(false, msg)
			}
		}
	}
}

// heartbeatLoop sends the text "ping" SmartStream expects.
func (s *Stream) heartbeatLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(conn, websocket.TextMessage, []byte(HeartBeatMessage)); err != nil {
				s.log.Debug("heartbeat write failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) write(conn *websocket.Conn, mt int, data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(mt, data)
}

func (s *Stream) writeJSON(conn *websocket.Conn, v any) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// Subscribe records the tokens and sends a subscribe request for those not
// already subscribed in mode. Tokens recorded while disconnected are sent
// on the next connect.
func (s *Stream) Subscribe(correlationID string, mode int, tokenList []TokenListEntry) error {
	if mode == ModeDepth {
		total := 0
		for _, t := range tokenList {
			total += len(t.Tokens)
		}
		if total > QuotaDepthLimit {
			return fmt.Errorf("smartconnect: quota exceeded: you can subscribe to a maximum of %d tokens only", QuotaDepthLimit)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	byExch := s.subs[mode]
	if byExch == nil {
		byExch = make(map[int]map[string]struct{})
		s.subs[mode] = byExch
	}
	var fresh []TokenListEntry
	for _, tl := range tokenList {
		set := byExch[tl.ExchangeType]
		if set == nil {
			set = make(map[string]struct{})
			byExch[tl.ExchangeType] = set
		}
		var add []string
		for _, tok := range tl.Tokens {
			if _, ok := set[tok]; ok {
				continue
			}
			set[tok] = struct{}{}
			add = append(add, tok)
		}
		if len(add) > 0 {
			fresh = append(fresh, TokenListEntry{ExchangeType: tl.ExchangeType, Tokens: add})
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if len(fresh) == 0 || conn == nil {
		return nil
	}
	return s.writeJSON(conn, subscribeRequest{
		CorrelationID: correlationID,
		Action:        SubscribeAction,
		Params:        subscribeParams{Mode: mode, TokenList: fresh},
	})
}

// Unsubscribe forgets the tokens and tells the server.
func (s *Stream) Unsubscribe(correlationID string, mode int, tokenList []TokenListEntry) error {
	s.mu.Lock()
	if byExch := s.subs[mode]; byExch != nil {
		for _, tl := range tokenList {
			set := byExch[tl.ExchangeType]
			for _, tok := range tl.Tokens {
				delete(set, tok)
			}
			if len(set) == 0 {
				delete(byExch, tl.ExchangeType)
			}
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return s.writeJSON(conn, subscribeRequest{
		CorrelationID: correlationID,
		Action:        UnsubscribeAction,
		Params:        subscribeParams{Mode: mode, TokenList: tokenList},
	})
}

// Subscriptions returns the remembered token set for mode, tokens sorted.
func (s *Stream) Subscriptions(mode int) []TokenListEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tokenList(s.subs[mode])
}

func tokenList(byExch map[int]map[string]struct{}) []TokenListEntry {
	exchs := make([]int, 0, len(byExch))
	for ex := range byExch {
		exchs = append(exchs, ex)
	}
	sort.Ints(exchs)
	out := make([]TokenListEntry, 0, len(exchs))
	for _, ex := range exchs {
		toks := make([]string, 0, len(byExch[ex]))
		for tok := range byExch[ex] {
			toks = append(toks, tok)
		}
		sort.Strings(toks)
		out = append(out, TokenListEntry{ExchangeType: ex, Tokens: toks})
	}
	return out
}

// Resubscribe resends every remembered subscription.
func (s *Stream) Resubscribe() error {
	s.mu.Lock()
	conn := s.conn
	reqs := make([]subscribeRequest, 0, len(s.subs))
	for mode, byExch := range s.subs {
		tl := tokenList(byExch)
		if len(tl) == 0 {
			continue
		}
		reqs = append(reqs, subscribeRequest{Action: SubscribeAction, Params: subscribeParams{Mode: mode, TokenList: tl}})
	}
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	for _, req := range reqs {
		if err := s.writeJSON(conn, req); err != nil {
			return err
		}
	}
	return nil
}

// LastPong returns when the server last answered a heartbeat.
func (s *Stream) LastPong() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

// Close stops the stream for good. OnClose(nil) fires from the read loop.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	_ = s.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
