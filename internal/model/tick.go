package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a normalized last-traded-price update from the upstream feed.
// Price is in rupees; binary frames carry paise and are scaled exactly.
type Tick struct {
	Token    string          `json:"token"`
	Price    decimal.Decimal `json:"price"`
	Received time.Time       `json:"received"`
}
