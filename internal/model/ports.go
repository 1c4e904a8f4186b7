package model

// ── Collaborator Ports ──
// The core mutates session state in memory and signals these collaborators;
// it never waits on them from the tick path.

// SessionSaver persists a session snapshot. Save must return quickly;
// the write happens in the background and is best-effort.
type SessionSaver interface {
	Save(sessionID string)
}

// TradeRecorder appends a closed trade to the permanent trade history.
// Fire-and-forget from the caller's perspective.
type TradeRecorder interface {
	RecordClosedTrade(clientID string, trade VirtualTrade)
}

// Credentials are the opaque upstream feed credentials of a session.
type Credentials struct {
	ClientCode string `json:"client_id"`
	JWTToken   string `json:"jwt_token"`
	FeedToken  string `json:"feed_token"`
	APIKey     string `json:"api_key"`
}

// NopSaver discards save signals.
type NopSaver struct{}

func (NopSaver) Save(string) {}

// NopRecorder discards closed trades.
type NopRecorder struct{}

func (NopRecorder) RecordClosedTrade(string, VirtualTrade) {}
