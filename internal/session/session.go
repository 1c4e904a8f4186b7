// Package session holds the in-memory trading context of one authenticated
// client: watchlist, alerts, paper trades, virtual balance and activity log.
//
// A Session embeds its own mutex. It is the single lock that guards every
// mutable field, including the instrument registry; sessions never contend
// with each other. Methods documented as "caller holds the lock" do not lock.
package session

import (
	"sync"
	"time"

	"trading-alertsv1/internal/marketdata/registry"
	"trading-alertsv1/internal/model"

	"github.com/shopspring/decimal"
)

// MaxLogs bounds the in-memory activity log.
const MaxLogs = 200

// Session is one authenticated trading context.
type Session struct {
	sync.Mutex

	ID          string
	ClientID    string
	Credentials model.Credentials

	Watchlist      []*model.Instrument
	Alerts         []model.Alert
	Logs           []model.LogEntry
	PaperTrades    []*model.VirtualTrade
	VirtualBalance decimal.Decimal

	IsPaused       bool
	AutoPaperTrade bool

	// LastAutoSquareOffDate is the IST date ("2006-01-02") of the last
	// end-of-day square-off, or "".
	LastAutoSquareOffDate string

	Registry *registry.Registry

	CreatedAt    time.Time
	LastActivity time.Time
}

// New creates an empty session.
func New(id, clientID string, creds model.Credentials, balance decimal.Decimal) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		ClientID:       clientID,
		Credentials:    creds,
		VirtualBalance: balance,
		Registry:       registry.New(),
		CreatedAt:      now,
		LastActivity:   now,
	}
}

// AppendLog prepends e to the activity log. Caller holds the lock.
func (s *Session) AppendLog(e model.LogEntry) {
	s.Logs = append([]model.LogEntry{e}, s.Logs...)
	if len(s.Logs) > MaxLogs {
		s.Logs = s.Logs[:MaxLogs]
	}
}

// OpenTradeFor returns the open trade on token, if any. Caller holds the lock.
func (s *Session) OpenTradeFor(token string) *model.VirtualTrade {
	for _, t := range s.PaperTrades {
		if t.Token == token && t.IsOpen() {
			return t
		}
	}
	return nil
}

// FindTrade returns the trade with id. Caller holds the lock.
func (s *Session) FindTrade(id string) *model.VirtualTrade {
	for _, t := range s.PaperTrades {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// HasOpenTrades reports whether any position is open. Caller holds the lock.
func (s *Session) HasOpenTrades() bool {
	for _, t := range s.PaperTrades {
		if t.IsOpen() {
			return true
		}
	}
	return false
}

// TradesSnapshot deep-copies the paper trades, newest first.
// Caller holds the lock.
func (s *Session) TradesSnapshot() []model.VirtualTrade {
	out := make([]model.VirtualTrade, len(s.PaperTrades))
	for i, t := range s.PaperTrades {
		out[i] = t.Clone()
	}
	return out
}

// WatchlistIndex returns the position of token in the watchlist or -1.
// Caller holds the lock.
func (s *Session) WatchlistIndex(token string) int {
	for i, inst := range s.Watchlist {
		if inst.Token == token {
			return i
		}
	}
	return -1
}

// Watch appends inst to the watchlist and registers it for price updates.
// Returns false if the token is already watched. Caller holds the lock.
func (s *Session) Watch(inst *model.Instrument) bool {
	if s.WatchlistIndex(inst.Token) >= 0 {
		return false
	}
	s.Watchlist = append(s.Watchlist, inst)
	s.Registry.Add(inst)
	return true
}

// Unwatch removes token from the watchlist and the registry.
// Caller holds the lock.
func (s *Session) Unwatch(token string) bool {
	i := s.WatchlistIndex(token)
	if i < 0 {
		return false
	}
	s.Watchlist = append(s.Watchlist[:i], s.Watchlist[i+1:]...)
	s.Registry.Remove(token)
	return true
}

// Touch records activity. Caller holds the lock.
func (s *Session) Touch() {
	s.LastActivity = time.Now()
}
