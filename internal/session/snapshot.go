package session

import (
	"time"

	"trading-alertsv1/internal/marketdata/registry"
	"trading-alertsv1/internal/model"

	"github.com/shopspring/decimal"
)

// persistedLogs is how many log entries a snapshot keeps.
const persistedLogs = 50

// Snapshot is the serializable state of a session.
type Snapshot struct {
	SessionID             string               `json:"session_id"`
	ClientID              string               `json:"client_id"`
	Credentials           model.Credentials    `json:"credentials"`
	Watchlist             []model.Instrument   `json:"watchlist"`
	Alerts                []model.Alert        `json:"alerts"`
	Logs                  []model.LogEntry     `json:"logs"`
	PaperTrades           []model.VirtualTrade `json:"paper_trades"`
	VirtualBalance        decimal.Decimal      `json:"virtual_balance"`
	IsPaused              bool                 `json:"is_paused"`
	AutoPaperTrade        bool                 `json:"auto_paper_trade"`
	LastAutoSquareOffDate string               `json:"last_auto_square_off_date,omitempty"`
	LastActivity          time.Time            `json:"last_activity"`
}

// Snapshot copies the session under its lock.
func (s *Session) Snapshot() Snapshot {
	s.Lock()
	defer s.Unlock()

	wl := make([]model.Instrument, len(s.Watchlist))
	for i, inst := range s.Watchlist {
		wl[i] = *inst
	}
	logs := s.Logs
	if len(logs) > persistedLogs {
		logs = logs[:persistedLogs]
	}
	return Snapshot{
		SessionID:             s.ID,
		ClientID:              s.ClientID,
		Credentials:           s.Credentials,
		Watchlist:             wl,
		Alerts:                append([]model.Alert(nil), s.Alerts...),
		Logs:                  append([]model.LogEntry(nil), logs...),
		PaperTrades:           s.TradesSnapshot(),
		VirtualBalance:        s.VirtualBalance,
		IsPaused:              s.IsPaused,
		AutoPaperTrade:        s.AutoPaperTrade,
		LastAutoSquareOffDate: s.LastAutoSquareOffDate,
		LastActivity:          s.LastActivity,
	}
}

// FromSnapshot rebuilds a session, registering the watchlist.
func FromSnapshot(snap Snapshot) *Session {
	s := &Session{
		ID:                    snap.SessionID,
		ClientID:              snap.ClientID,
		Credentials:           snap.Credentials,
		Alerts:                append([]model.Alert(nil), snap.Alerts...),
		Logs:                  append([]model.LogEntry(nil), snap.Logs...),
		VirtualBalance:        snap.VirtualBalance,
		IsPaused:              snap.IsPaused,
		AutoPaperTrade:        snap.AutoPaperTrade,
		LastAutoSquareOffDate: snap.LastAutoSquareOffDate,
		Registry:              registry.New(),
		CreatedAt:             time.Now(),
		LastActivity:          snap.LastActivity,
	}
	for i := range snap.Watchlist {
		inst := snap.Watchlist[i]
		s.Watch(&inst)
	}
	for i := range snap.PaperTrades {
		t := snap.PaperTrades[i]
		s.PaperTrades = append(s.PaperTrades, &t)
	}
	return s
}
