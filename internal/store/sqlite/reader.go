package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is one row of the closed-trade history.
type TradeRecord struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id"`
	Symbol       string          `json:"symbol"`
	Token        string          `json:"token"`
	Side         string          `json:"side"`
	Quantity     int64           `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	ExitPrice    decimal.Decimal `json:"exit_price"`
	PnL          decimal.Decimal `json:"pnl"`
	TriggerLabel string          `json:"trigger_level"`
	CloseReason  string          `json:"close_reason"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     time.Time       `json:"closed_at"`
}

// GetTrades returns the client's last limit closed trades, newest first.
func (h *History) GetTrades(ctx context.Context, clientID string, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, client_id, symbol, token, side, quantity, entry_price, exit_price, pnl,
		       COALESCE(trigger_label, ''), COALESCE(close_reason, ''), opened_at, closed_at
		FROM paper_trades
		WHERE client_id = ?
		ORDER BY closed_at DESC, id DESC
		LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			r                  TradeRecord
			entry, exit, pnl   string
			openedAt, closedAt string
		)
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Symbol, &r.Token, &r.Side, &r.Quantity,
			&entry, &exit, &pnl, &r.TriggerLabel, &r.CloseReason, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("sqlite scan trade: %w", err)
		}
		r.EntryPrice, _ = decimal.NewFromString(entry)
		r.ExitPrice, _ = decimal.NewFromString(exit)
		r.PnL, _ = decimal.NewFromString(pnl)
		r.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
		r.ClosedAt, _ = time.Parse(time.RFC3339Nano, closedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates a client's closed trades.
type Stats struct {
	Trades   int             `json:"trades"`
	Wins     int             `json:"wins"`
	Losses   int             `json:"losses"`
	TotalPnL decimal.Decimal `json:"total_pnl"`
}

// GetStats sums PnL in decimal rather than in SQL, which would go through
// floating point.
func (h *History) GetStats(ctx context.Context, clientID string) (Stats, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT pnl FROM paper_trades WHERE client_id = ?`, clientID)
	if err != nil {
		return Stats{}, fmt.Errorf("sqlite query stats: %w", err)
	}
	defer rows.Close()

	st := Stats{TotalPnL: decimal.Zero}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return Stats{}, fmt.Errorf("sqlite scan pnl: %w", err)
		}
		p, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		st.Trades++
		switch {
		case p.IsPositive():
			st.Wins++
		case p.IsNegative():
			st.Losses++
		}
		st.TotalPnL = st.TotalPnL.Add(p)
	}
	return st, rows.Err()
}
