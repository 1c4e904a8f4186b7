package paper

import (
	"trading-alertsv1/internal/session"

	"github.com/shopspring/decimal"
)

// Summary is an account overview of a session's paper book.
type Summary struct {
	Balance       decimal.Decimal `json:"virtual_balance"`
	MarginInUse   decimal.Decimal `json:"margin_in_use"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Equity        decimal.Decimal `json:"equity"`
	OpenTrades    int             `json:"open_trades"`
	ClosedTrades  int             `json:"closed_trades"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	AutoTrade     bool            `json:"auto_paper_trade"`
}

// WinRate is wins over closed trades in percent, 0 with no closed trades.
func (s Summary) WinRate() decimal.Decimal {
	if s.ClosedTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Wins)*100).DivRound(decimal.NewFromInt(int64(s.ClosedTrades)), 2)
}

// Summary computes the account overview. Equity is balance plus reserved
// margin plus floating PnL.
func (e *Engine) Summary(s *session.Session) Summary {
	s.Lock()
	defer s.Unlock()

	sum := Summary{
		Balance:       s.VirtualBalance,
		MarginInUse:   decimal.Zero,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		AutoTrade:     s.AutoPaperTrade,
	}
	for _, t := range s.PaperTrades {
		if t.IsOpen() {
			sum.OpenTrades++
			sum.MarginInUse = sum.MarginInUse.Add(t.Margin)
			sum.UnrealizedPnL = sum.UnrealizedPnL.Add(t.PnL)
			continue
		}
		sum.ClosedTrades++
		sum.RealizedPnL = sum.RealizedPnL.Add(t.PnL)
		switch {
		case t.PnL.IsPositive():
			sum.Wins++
		case t.PnL.IsNegative():
			sum.Losses++
		}
	}
	sum.Equity = sum.Balance.Add(sum.MarginInUse).Add(sum.UnrealizedPnL)
	return sum
}
