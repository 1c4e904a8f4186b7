package alerts

import (
	"sort"
	"strings"

	"trading-alertsv1/internal/model"

	"github.com/shopspring/decimal"
)

// Level labels produced by GenerateLevels.
const (
	LabelHigh = "HIGH"
	LabelLow  = "LOW"
	LabelR1   = "R1"
	LabelS1   = "S1"
)

// DefaultLevels is the level set generated when a request names none.
var DefaultLevels = []string{LabelHigh, LabelLow, LabelR1, LabelS1}

// OHLC is one reference candle (usually the previous trading day).
type OHLC struct {
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// Level is a generated price level and the direction that crosses it.
type Level struct {
	Label     string
	Price     decimal.Decimal
	Condition model.Condition
}

// GenerateLevels derives HIGH, LOW and classic floor pivots R1/S1 from c.
// A level above ltp is watched with ABOVE, one below with BELOW; a level
// equal to ltp is skipped. Only labels in want are returned.
func GenerateLevels(c OHLC, ltp decimal.Decimal, want []string) []Level {
	three := decimal.NewFromInt(3)
	two := decimal.NewFromInt(2)
	pivot := c.High.Add(c.Low).Add(c.Close).Div(three)

	all := []Level{
		{Label: LabelHigh, Price: c.High},
		{Label: LabelLow, Price: c.Low},
		{Label: LabelR1, Price: pivot.Mul(two).Sub(c.Low).Round(2)},
		{Label: LabelS1, Price: pivot.Mul(two).Sub(c.High).Round(2)},
	}

	var out []Level
	for _, l := range all {
		if !contains(want, l.Label) || !l.Price.IsPositive() {
			continue
		}
		switch {
		case l.Price.GreaterThan(ltp):
			l.Condition = model.ConditionAbove
		case l.Price.LessThan(ltp):
			l.Condition = model.ConditionBelow
		default:
			continue
		}
		out = append(out, l)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// TradeSide maps a fired alert to a paper-trade direction. Support levels
// buy and resistance levels sell; unlabeled alerts follow the condition
// (ABOVE buys the breakout, BELOW sells the breakdown).
func TradeSide(a model.Alert) model.Side {
	switch l := a.Label(); {
	case l == LabelLow || l == "SUPPORT" || l == "PDL" || isPivot(l, 'S'):
		return model.SideBuy
	case l == LabelHigh || l == "RESISTANCE" || l == "PDH" || isPivot(l, 'R'):
		return model.SideSell
	}
	if a.Condition == model.ConditionBelow {
		return model.SideSell
	}
	return model.SideBuy
}

// isPivot matches labels like S1, S2, R3.
func isPivot(label string, prefix byte) bool {
	if len(label) < 2 || label[0] != prefix {
		return false
	}
	for i := 1; i < len(label); i++ {
		if label[i] < '0' || label[i] > '9' {
			return false
		}
	}
	return true
}

// TargetFor derives a target from the spacing between the fired level and
// the nearest other auto level on the same token: the neighbour in the
// trade's direction, else the one behind it. Entry moves by that spacing in
// the trade's favour. Returns nil when no neighbour exists.
func TargetFor(fired model.Alert, side model.Side, entry decimal.Decimal, book []model.Alert) *decimal.Decimal {
	var levels []decimal.Decimal
	for _, a := range book {
		if a.ID == fired.ID || a.Token != fired.Token || !a.IsAuto() || a.Price.Equal(fired.Price) {
			continue
		}
		levels = append(levels, a.Price)
	}
	if len(levels) == 0 {
		return nil
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].LessThan(levels[j]) })

	var above, below *decimal.Decimal
	for i := range levels {
		if levels[i].GreaterThan(fired.Price) {
			above = &levels[i]
			break
		}
		below = &levels[i]
	}

	ahead, behind := above, below
	if side == model.SideSell {
		ahead, behind = below, above
	}
	var spacing decimal.Decimal
	switch {
	case ahead != nil:
		spacing = ahead.Sub(fired.Price).Abs()
	case behind != nil:
		spacing = fired.Price.Sub(*behind).Abs()
	}
	if !spacing.IsPositive() {
		return nil
	}

	target := entry.Add(spacing)
	if side == model.SideSell {
		target = entry.Sub(spacing)
	}
	if !target.IsPositive() {
		return nil
	}
	return &target
}
