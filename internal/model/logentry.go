package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Log entry kinds.
const (
	LogAlertTriggered = "alert_triggered"
	LogPaperOpen      = "paper_trade"
	LogPaperAverage   = "paper_trade_average"
	LogPaperClose     = "paper_trade_close"
	LogAlertsCreated  = "alerts_generated"
)

// LogEntry is one line of the session activity log (newest first).
type LogEntry struct {
	Time    time.Time        `json:"time"`
	Type    string           `json:"type"`
	Symbol  string           `json:"symbol"`
	Price   decimal.Decimal  `json:"price"`
	AlertID string           `json:"alert_id,omitempty"`
	TradeID string           `json:"trade_id,omitempty"`
	PnL     *decimal.Decimal `json:"pnl,omitempty"`
	Message string           `json:"msg"`
}
