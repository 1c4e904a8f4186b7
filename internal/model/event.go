package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EventType tags the variant carried by an Event.
type EventType string

const (
	EventPriceUpdate    EventType = "price_update"
	EventAlertTriggered EventType = "alert_triggered"
	EventStatus         EventType = "status"
	EventHeartbeat      EventType = "heartbeat"
)

// Payload is implemented by every event variant.
type Payload interface {
	EventType() EventType
}

// Event is the tagged union delivered to viewers: {"type": ..., "data": ...}.
type Event struct {
	Type EventType `json:"type"`
	Data Payload   `json:"data"`
}

// NewEvent wraps a payload with its tag.
func NewEvent(p Payload) Event {
	return Event{Type: p.EventType(), Data: p}
}

// JSON returns the wire encoding of the event.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// PriceUpdate carries the instrument's new LTP plus the paper-trade snapshot.
type PriceUpdate struct {
	Token  string          `json:"token"`
	Symbol string          `json:"symbol"`
	LTP    decimal.Decimal `json:"ltp"`
	Trades []VirtualTrade  `json:"paper_trades"`
}

func (PriceUpdate) EventType() EventType { return EventPriceUpdate }

// AlertTriggered is emitted once per fired alert.
type AlertTriggered struct {
	Alert  Alert          `json:"alert"`
	Log    LogEntry       `json:"log"`
	Trades []VirtualTrade `json:"paper_trades"`
}

func (AlertTriggered) EventType() EventType { return EventAlertTriggered }

// FeedStatus is the upstream connection state of a session.
type FeedStatus string

const (
	FeedDisconnected FeedStatus = "DISCONNECTED"
	FeedConnecting   FeedStatus = "CONNECTING"
	FeedConnected    FeedStatus = "CONNECTED"
)

// Status reports an upstream connection transition.
type Status struct {
	Status FeedStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

func (Status) EventType() EventType { return EventStatus }

// Heartbeat is the periodic liveness pulse.
type Heartbeat struct {
	Timestamp    time.Time `json:"timestamp"`
	MarketOpen   bool      `json:"marketOpen"`
	MarketStatus string    `json:"marketStatus"`
}

func (Heartbeat) EventType() EventType { return EventHeartbeat }
