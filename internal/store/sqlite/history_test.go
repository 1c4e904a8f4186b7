package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trading-alertsv1/internal/model"

	"github.com/shopspring/decimal"
)

func openTemp(t *testing.T) *History {
	t.Helper()
	h, err := New(WriterConfig{DBPath: filepath.Join(t.TempDir(), "trades.db")}, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return h
}

func closedTradeAt(id string, entry, exit int64, side model.Side, at time.Time) model.VirtualTrade {
	inst := model.Instrument{Token: "T1", Symbol: "TEST"}
	tr := model.NewVirtualTrade(id, inst, side, decimal.NewFromInt(entry), 10, "MANUAL", at.Add(-time.Hour))
	tr.Close(decimal.NewFromInt(exit), model.ReasonManual, at)
	return tr.Clone()
}

func waitRows(t *testing.T, h *History, clientID string, n int) []TradeRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := h.GetTrades(context.Background(), clientID, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) >= n || time.Now().After(deadline) {
			return rows
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecordAndReadBack(t *testing.T) {
	h := openTemp(t)
	defer h.Close(context.Background())

	base := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	h.RecordClosedTrade("C1", closedTradeAt("t1", 100, 110, model.SideBuy, base))
	h.RecordClosedTrade("C1", closedTradeAt("t2", 100, 104, model.SideSell, base.Add(time.Minute)))
	h.RecordClosedTrade("C2", closedTradeAt("t3", 50, 40, model.SideBuy, base))

	rows := waitRows(t, h, "C1", 2)
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].ID != "t2" {
		t.Errorf("newest first: got %s", rows[0].ID)
	}
	if !rows[0].PnL.Equal(decimal.NewFromInt(-40)) || rows[1].PnL.String() != "100" {
		t.Errorf("pnl = %s, %s", rows[0].PnL, rows[1].PnL)
	}
	if rows[1].ExitPrice.String() != "110" || rows[1].CloseReason != model.ReasonManual || !rows[1].ClosedAt.Equal(base) {
		t.Errorf("row = %+v", rows[1])
	}

	st, err := h.GetStats(context.Background(), "C1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Trades != 2 || st.Wins != 1 || st.Losses != 1 || !st.TotalPnL.Equal(decimal.NewFromInt(60)) {
		t.Errorf("stats = %+v", st)
	}
}

func TestCloseFlushesQueuedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.db")
	h, err := New(WriterConfig{DBPath: path}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 10, 16, 11, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		h.RecordClosedTrade("C1", closedTradeAt(id, 10, 11, model.SideBuy, at))
	}
	if err := h.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.RecordClosedTrade("C1", closedTradeAt("late", 10, 11, model.SideBuy, at)) // dropped, must not panic

	h2, err := New(WriterConfig{DBPath: path}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Close(context.Background())
	rows, err := h2.GetTrades(context.Background(), "C1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Errorf("rows after reopen = %d, want 3", len(rows))
	}
}

func TestRecordingSameTradeTwiceKeepsOneRow(t *testing.T) {
	h := openTemp(t)
	defer h.Close(context.Background())
	tr := closedTradeAt("dup", 100, 101, model.SideBuy, time.Now())
	h.RecordClosedTrade("C1", tr)
	h.RecordClosedTrade("C1", tr)
	time.Sleep(2 * defaultFlushDelay)
	rows := waitRows(t, h, "C1", 1)
	if len(rows) != 1 {
		t.Errorf("rows = %d", len(rows))
	}
}
