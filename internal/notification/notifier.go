// Package notification delivers fired price alerts and paper-trade events
// to external channels (Telegram, webhooks, logs).
package notification

import (
	"context"
	"errors"
	"log/slog"
)

// Level represents the severity of a notification.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Message is a notification to be sent. Alert is set for fired alerts.
type Message struct {
	Level    Level      `json:"level"`
	ClientID string     `json:"client_id,omitempty"`
	Title    string     `json:"title"`
	Body     string     `json:"message"`
	Alert    *AlertInfo `json:"alert,omitempty"`
}

// AlertInfo is the machine-readable part of a fired alert.
type AlertInfo struct {
	AlertID   string     `json:"alert_id"`
	Symbol    string     `json:"symbol"`
	Token     string     `json:"token"`
	Condition string     `json:"condition"`
	Level     string     `json:"level_price"`
	Type      string     `json:"type"`
	LTP       string     `json:"ltp"`
	Trade     *TradeInfo `json:"paper_trade,omitempty"`
}

// TradeInfo describes the paper trade a fired alert opened or averaged.
type TradeInfo struct {
	TradeID  string `json:"trade_id"`
	Side     string `json:"side"`
	Quantity int64  `json:"quantity"`
	Entry    string `json:"entry_price"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers a message. Returns error if delivery fails.
	Send(ctx context.Context, msg Message) error
}

// LogNotifier logs messages (useful for development).
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	n.log.InfoContext(ctx, "notify", "level", msg.Level, "client_id", msg.ClientID, "title", msg.Title, "message", msg.Body)
	return nil
}

// Multi sends to every backend and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
