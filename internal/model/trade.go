package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a virtual position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the reversing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TradeStatus is the lifecycle state of a VirtualTrade: OPEN -> CLOSED (terminal).
type TradeStatus string

const (
	StatusOpen   TradeStatus = "OPEN"
	StatusClosed TradeStatus = "CLOSED"
)

// Close reasons.
const (
	ReasonManual       = "MANUAL"
	ReasonStopLoss     = "STOPLOSS"
	ReasonTargetHit    = "TARGET_HIT"
	ReasonEODSquareOff = "EOD_SQUARE_OFF"
	ReasonSARPrefix    = "SAR_"
)

// avgPricePlaces is the precision kept for a weighted average entry price.
const avgPricePlaces = 4

// VirtualTrade is a paper position. Margin is the cash reserved at entry
// (plus every averaging leg) and is credited back in full on close.
type VirtualTrade struct {
	ID           string           `json:"id"`
	Symbol       string           `json:"symbol"`
	Token        string           `json:"token"`
	Side         Side             `json:"side"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	ExitPrice    *decimal.Decimal `json:"exit_price"`
	Quantity     int64            `json:"quantity"`
	StopLoss     *decimal.Decimal `json:"stop_loss"`
	Target       *decimal.Decimal `json:"target"`
	Status       TradeStatus      `json:"status"`
	PnL          decimal.Decimal  `json:"pnl"`
	Margin       decimal.Decimal  `json:"margin"`
	LastPrice    decimal.Decimal  `json:"last_price"`
	CreatedAt    time.Time        `json:"created_at"`
	ClosedAt     *time.Time       `json:"closed_at"`
	TriggerLabel string           `json:"trigger_level"`
	CloseReason  string           `json:"close_reason,omitempty"`
}

// RequiredMargin is the cash reserved for qty units at price.
func RequiredMargin(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty))
}

// NewVirtualTrade opens a position at price. The caller deducts the margin.
func NewVirtualTrade(id string, inst Instrument, side Side, price decimal.Decimal, qty int64, label string, now time.Time) *VirtualTrade {
	return &VirtualTrade{
		ID:           id,
		Symbol:       inst.Symbol,
		Token:        inst.Token,
		Side:         side,
		EntryPrice:   price,
		Quantity:     qty,
		Status:       StatusOpen,
		PnL:          decimal.Zero,
		Margin:       RequiredMargin(price, qty),
		LastPrice:    price,
		CreatedAt:    now,
		TriggerLabel: label,
	}
}

// IsOpen reports whether the trade can still be mutated.
func (t *VirtualTrade) IsOpen() bool {
	return t.Status == StatusOpen
}

// PnLAt returns the PnL the position would realize at price.
// BUY: price*qty - cost, SELL: cost - price*qty, where cost is the exact
// margin reserved across all legs (entry*qty when none was recorded).
// The rounded average entry never feeds the ledger.
func (t *VirtualTrade) PnLAt(price decimal.Decimal) decimal.Decimal {
	value := RequiredMargin(price, t.Quantity)
	cost := t.Margin
	if cost.IsZero() {
		cost = RequiredMargin(t.EntryPrice, t.Quantity)
	}
	if t.Side == SideSell {
		return cost.Sub(value)
	}
	return value.Sub(cost)
}

// Average adds qty units at price to an open position on the same side.
// Returns the additional margin reserved for the new leg.
func (t *VirtualTrade) Average(price decimal.Decimal, qty int64, label string) decimal.Decimal {
	oldQty := decimal.NewFromInt(t.Quantity)
	newQty := decimal.NewFromInt(qty)
	total := oldQty.Add(newQty)

	t.EntryPrice = t.EntryPrice.Mul(oldQty).Add(price.Mul(newQty)).DivRound(total, avgPricePlaces)
	t.Quantity += qty
	leg := RequiredMargin(price, qty)
	t.Margin = t.Margin.Add(leg)
	if label != "" {
		t.TriggerLabel = t.TriggerLabel + "+" + label
	}
	t.MarkToMarket(price)
	return leg
}

// MarkToMarket refreshes the floating PnL without touching the ledger.
func (t *VirtualTrade) MarkToMarket(price decimal.Decimal) {
	t.LastPrice = price
	t.PnL = t.PnLAt(price)
}

// ExitSignal reports whether price crossed the stop-loss or target.
// Stop-loss wins when both are crossed by the same price.
func (t *VirtualTrade) ExitSignal(price decimal.Decimal) (string, bool) {
	if t.Side == SideSell {
		if t.StopLoss != nil && price.GreaterThanOrEqual(*t.StopLoss) {
			return ReasonStopLoss, true
		}
		if t.Target != nil && price.LessThanOrEqual(*t.Target) {
			return ReasonTargetHit, true
		}
		return "", false
	}
	if t.StopLoss != nil && price.LessThanOrEqual(*t.StopLoss) {
		return ReasonStopLoss, true
	}
	if t.Target != nil && price.GreaterThanOrEqual(*t.Target) {
		return ReasonTargetHit, true
	}
	return "", false
}

// Close realizes the position at exit and returns the amount to credit
// back to the balance (reserved margin plus realized PnL).
func (t *VirtualTrade) Close(exit decimal.Decimal, reason string, at time.Time) decimal.Decimal {
	pnl := t.PnLAt(exit)
	t.PnL = pnl
	t.LastPrice = exit
	t.ExitPrice = &exit
	t.ClosedAt = &at
	t.CloseReason = reason
	t.Status = StatusClosed
	return t.Margin.Add(pnl)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (t *VirtualTrade) Clone() VirtualTrade {
	cp := *t
	if t.ExitPrice != nil {
		v := *t.ExitPrice
		cp.ExitPrice = &v
	}
	if t.StopLoss != nil {
		v := *t.StopLoss
		cp.StopLoss = &v
	}
	if t.Target != nil {
		v := *t.Target
		cp.Target = &v
	}
	if t.ClosedAt != nil {
		v := *t.ClosedAt
		cp.ClosedAt = &v
	}
	return cp
}
