// cmd/tickserver is a staging stand-in for the SmartStream feed.
// It speaks the same protocol subset the alert feed uses: clients send
// subscribe/unsubscribe JSON and "ping" text, and receive 51-byte
// little-endian LTP frames for the tokens they subscribed.
//
// Frame layout:
//
//	[0]      subscription mode (1 = LTP)
//	[1]      exchange type
//	[2:27]   token, NUL padded
//	[27:35]  sequence number
//	[35:43]  exchange timestamp, epoch ms
//	[43:51]  last traded price in paise
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_TOKENS       TOKEN:PRICE seeds, rupees (default "99926000:25660")
//	TICK_INTERVAL_MS  broadcast interval in milliseconds (default 250)
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"trading-alertsv1/internal/logger"
	"trading-alertsv1/pkg/smartconnect"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const frameLen = 51

// defaultPaise seeds tokens that are subscribed without a configured price.
const defaultPaise = 1000_00

type request struct {
	Action int `json:"action"`
	Params struct {
		Mode      int                           `json:"mode"`
		TokenList []smartconnect.TokenListEntry `json:"tokenList"`
	} `json:"params"`
}

type quote struct {
	exchType int
	paise    int64
}

// market holds simulated prices and the connected clients.
type market struct {
	mu      sync.Mutex
	quotes  map[string]*quote
	clients map[*client]struct{}
	seq     uint64
}

type client struct {
	out  chan []byte
	mu   sync.Mutex
	subs map[string]bool
}

func newMarket(seeds map[string]int64) *market {
	m := &market{quotes: make(map[string]*quote), clients: make(map[*client]struct{})}
	for tok, p := range seeds {
		m.quotes[tok] = &quote{exchType: smartconnect.NSE_CM, paise: p}
	}
	return m
}

func (m *market) attach() *client {
	c := &client{out: make(chan []byte, 256), subs: make(map[string]bool)}
	m.mu.Lock()
	m.clients[c] = struct{}{}
	m.mu.Unlock()
	return c
}

func (m *market) detach(c *client) {
	m.mu.Lock()
	delete(m.clients, c)
	m.mu.Unlock()
}

// apply handles one subscribe (action 1) or unsubscribe (action 0) request.
func (m *market) apply(c *client, req request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range req.Params.TokenList {
		for _, tok := range entry.Tokens {
			if req.Action == smartconnect.UnsubscribeAction {
				delete(c.subs, tok)
				continue
			}
			c.subs[tok] = true
			q, ok := m.quotes[tok]
			if !ok {
				q = &quote{paise: defaultPaise}
				m.quotes[tok] = q
			}
			q.exchType = entry.ExchangeType
		}
	}
}

// step moves every price and fans the frames out to subscribed clients.
// Slow clients drop frames.
func (m *market) step(rng *rand.Rand, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, q := range m.quotes {
		q.paise = walk(rng, q.paise)
		m.seq++
		frame := encodeFrame(tok, q.exchType, m.seq, now, q.paise)
		for c := range m.clients {
			c.mu.Lock()
			want := c.subs[tok]
			c.mu.Unlock()
			if !want {
				continue
			}
			select {
			case c.out <- frame:
			default:
			}
		}
	}
}

// walk applies a random move of at most 0.1%.
func walk(rng *rand.Rand, paise int64) int64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := paise + int64(float64(paise)*pct)
	if next < 100 {
		next = 100
	}
	return next
}

func encodeFrame(token string, exchType int, seq uint64, ts time.Time, paise int64) []byte {
	b := make([]byte, frameLen)
	b[0] = smartconnect.ModeLTP
	b[1] = byte(exchType)
	copy(b[2:27], token)
	binary.LittleEndian.PutUint64(b[27:35], seq)
	binary.LittleEndian.PutUint64(b[35:43], uint64(ts.UnixMilli()))
	binary.LittleEndian.PutUint64(b[43:51], uint64(paise))
	return b
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func wsHandler(m *market, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "error", err)
			return
		}
		c := m.attach()
		log.Info("client connected", "remote", r.RemoteAddr, "client_code", r.Header.Get("x-client-code"))

		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range c.out {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				mt := websocket.BinaryMessage
				if len(msg) != frameLen {
					mt = websocket.TextMessage
				}
				if err := conn.WriteMessage(mt, msg); err != nil {
					return
				}
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if string(msg) == smartconnect.HeartBeatMessage {
				select {
				case c.out <- []byte("pong"):
				default:
				}
				continue
			}
			var req request
			if json.Unmarshal(msg, &req) != nil {
				continue
			}
			m.apply(c, req)
		}

		m.detach(c)
		close(c.out)
		<-done
		conn.Close()
		log.Info("client disconnected", "remote", r.RemoteAddr)
	}
}

func main() {
	log := logger.Init("tickserver", logger.ParseLevel(envOrDefault("LOG_LEVEL", "info")))

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	seeds := parseSeeds(envOrDefault("TICK_TOKENS", "99926000:25660"))
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 250)) * time.Millisecond

	m := newMarket(seeds)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.step(rng, now)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(m, log))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("tick server listening", "addr", addr, "interval", interval, "seeds", len(seeds))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

// parseSeeds parses "TOKEN:PRICE" pairs with prices in rupees.
func parseSeeds(s string) map[string]int64 {
	out := make(map[string]int64)
	for _, part := range strings.Split(s, ",") {
		seg := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(seg) != 2 || seg[0] == "" {
			continue
		}
		p, err := decimal.NewFromString(strings.TrimSpace(seg[1]))
		if err != nil || !p.IsPositive() {
			continue
		}
		out[strings.TrimSpace(seg[0])] = p.Shift(2).IntPart()
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
