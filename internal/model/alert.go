package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Condition is the direction an alert watches for.
type Condition string

const (
	ConditionAbove Condition = "ABOVE"
	ConditionBelow Condition = "BELOW"
)

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	return c == ConditionAbove || c == ConditionBelow
}

// Alert type tags. Auto-generated alerts carry "AUTO_<LABEL>", e.g. AUTO_HIGH, AUTO_S1.
const (
	AlertTypeManual   = "MANUAL"
	AlertTypeAutoPref = "AUTO_"
)

// Alert is a one-shot price alert for a single instrument token.
type Alert struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Token     string          `json:"token"`
	Condition Condition       `json:"condition"`
	Price     decimal.Decimal `json:"price"`
	Type      string          `json:"type"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

// IsAuto reports whether the alert came from level generation.
func (a *Alert) IsAuto() bool {
	return strings.HasPrefix(a.Type, AlertTypeAutoPref)
}

// Label returns the level label of an auto alert ("HIGH", "S1", ...), or "".
func (a *Alert) Label() string {
	if !a.IsAuto() {
		return ""
	}
	return strings.ToUpper(strings.TrimPrefix(a.Type, AlertTypeAutoPref))
}

// Triggered reports whether price satisfies the alert condition.
// ABOVE fires at or over the threshold, BELOW at or under it.
func (a *Alert) Triggered(price decimal.Decimal) bool {
	switch a.Condition {
	case ConditionAbove:
		return price.GreaterThanOrEqual(a.Price)
	case ConditionBelow:
		return price.LessThanOrEqual(a.Price)
	}
	return false
}
