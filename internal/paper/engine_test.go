package paper

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trading-alertsv1/internal/markethours"
	"trading-alertsv1/internal/model"
	"trading-alertsv1/internal/session"

	"github.com/shopspring/decimal"
)

type fakeSaver struct {
	mu    sync.Mutex
	saves []string
}

func (f *fakeSaver) Save(id string) {
	f.mu.Lock()
	f.saves = append(f.saves, id)
	f.mu.Unlock()
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

type fakeHistory struct {
	mu     sync.Mutex
	trades []model.VirtualTrade
}

func (f *fakeHistory) RecordClosedTrade(_ string, t model.VirtualTrade) {
	f.mu.Lock()
	f.trades = append(f.trades, t)
	f.mu.Unlock()
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

var fixedNow = time.Date(2026, 10, 16, 11, 0, 0, 0, markethours.IST)

func newTestEngine() (*Engine, *fakeSaver, *fakeHistory) {
	saver := &fakeSaver{}
	hist := &fakeHistory{}
	e := NewEngine(DefaultConfig(), saver, hist, nil, nil)
	seq := 0
	e.newID = func() string {
		seq++
		return fmt.Sprintf("t%d", seq)
	}
	e.now = func() time.Time { return fixedNow }
	return e, saver, hist
}

func newTestSession(balance string) *session.Session {
	return session.New("s1", "C1", model.Credentials{}, d(balance))
}

// tick simulates a registry price update for token.
func tick(s *session.Session, token, price string) model.Instrument {
	s.Lock()
	defer s.Unlock()
	inst, _ := s.Registry.Ensure(token, token, model.ExchangeNSE)
	s.Registry.Update(token, d(price))
	return *inst
}

func TestOpen_DeductsMargin(t *testing.T) {
	e, saver, _ := newTestEngine()
	s := newTestSession("10000")
	inst := tick(s, "T1", "101")

	tr, err := e.OpenOrAverage(s, inst, model.SideBuy, "AUTO_S1", 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if tr.Quantity != 1 || !tr.EntryPrice.Equal(d("101")) || tr.Status != model.StatusOpen {
		t.Errorf("unexpected trade: %+v", tr)
	}
	if !s.VirtualBalance.Equal(d("9899")) {
		t.Errorf("balance: got %s, want 9899", s.VirtualBalance)
	}
	if len(s.Logs) != 1 || s.Logs[0].Type != model.LogPaperOpen {
		t.Errorf("logs: %+v", s.Logs)
	}
	if saver.count() != 1 {
		t.Errorf("saves: got %d, want 1", saver.count())
	}
}

func TestOpen_Rejections(t *testing.T) {
	e, _, _ := newTestEngine()

	tests := []struct {
		name    string
		balance string
		price   string
		side    model.Side
		qty     int64
		want    error
	}{
		{"insufficient_margin", "1000", "101", model.SideBuy, 10, ErrInsufficientMargin},
		{"zero_balance", "0", "101", model.SideBuy, 1, ErrNoBalance},
		{"negative_qty", "1000", "101", model.SideBuy, -1, ErrInvalidQuantity},
		{"bad_side", "1000", "101", model.Side("HOLD"), 1, ErrInvalidSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(tt.balance)
			inst := tick(s, "T1", tt.price)
			_, err := e.OpenOrAverage(s, inst, tt.side, "", tt.qty, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err: got %v, want %v", err, tt.want)
			}
			var re *RejectError
			if !errors.As(err, &re) {
				t.Errorf("expected *RejectError, got %T", err)
			}
			if len(s.PaperTrades) != 0 || !s.VirtualBalance.Equal(d(tt.balance)) {
				t.Errorf("state mutated on rejection: trades=%d balance=%s", len(s.PaperTrades), s.VirtualBalance)
			}
		})
	}
}

func TestOpen_NoPrice(t *testing.T) {
	e, _, _ := newTestEngine()
	s := newTestSession("1000")
	_, err := e.OpenOrAverage(s, model.Instrument{Token: "X", Symbol: "X"}, model.SideBuy, "", 1, nil)
	if !errors.Is(err, ErrNoPrice) {
		t.Fatalf("err: got %v, want ErrNoPrice", err)
	}
}

func TestAverage_WeightedEntry(t *testing.T) {
	e, _, _ := newTestEngine()
	s := newTestSession("10000")

	e.OpenOrAverage(s, tick(s, "T1", "100"), model.SideBuy, "S1", 10, nil)
	tr, err := e.OpenOrAverage(s, tick(s, "T1", "110"), model.SideBuy, "S2", 10, nil)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if len(s.PaperTrades) != 1 {
		t.Fatalf("expected one open trade, got %d", len(s.PaperTrades))
	}
	if tr.Quantity != 20 || !tr.EntryPrice.Equal(d("105")) {
		t.Errorf("got qty %d entry %s, want 20 @ 105", tr.Quantity, tr.EntryPrice)
	}
	if tr.TriggerLabel != "S1+S2" {
		t.Errorf("label: got %q", tr.TriggerLabel)
	}
	if !s.VirtualBalance.Equal(d("7900")) {
		t.Errorf("balance: got %s, want 7900", s.VirtualBalance)
	}
}

func TestAverage_CloseUsesExactCost(t *testing.T) {
	e, _, _ := newTestEngine()
	s := newTestSession("1000")

	e.OpenOrAverage(s, tick(s, "T1", "100"), model.SideBuy, "", 1, nil)
	tr, _ := e.OpenOrAverage(s, tick(s, "T1", "101"), model.SideBuy, "", 2, nil)
	if !tr.EntryPrice.Equal(d("100.6667")) {
		t.Fatalf("entry = %s", tr.EntryPrice)
	}

	closed, ok := e.Close(s, tr.ID, dp("101"), model.ReasonManual)
	if !ok {
		t.Fatal("close failed")
	}
	// 3 @ 101 = 303 against 302 reserved; the rounded entry plays no part
	if !closed.PnL.Equal(d("1")) || !s.VirtualBalance.Equal(d("1001")) {
		t.Errorf("pnl = %s balance = %s, want 1 and 1001", closed.PnL, s.VirtualBalance)
	}

	s2 := newTestSession("1000")
	e.OpenOrAverage(s2, tick(s2, "T1", "100"), model.SideSell, "", 1, nil)
	tr2, _ := e.OpenOrAverage(s2, tick(s2, "T1", "101"), model.SideSell, "", 2, nil)
	e.Close(s2, tr2.ID, dp("101"), model.ReasonManual)
	// short 1 @ 100 and 2 @ 101: covering at 101 loses exactly 1
	if !s2.VirtualBalance.Equal(d("999")) {
		t.Errorf("short balance = %s, want 999", s2.VirtualBalance)
	}
}

func TestAverage_RejectedWithoutMargin(t *testing.T) {
	e, _, _ := newTestEngine()
	s := newTestSession("1500")

	e.OpenOrAverage(s, tick(s, "T1", "100"), model.SideBuy, "", 10, nil)
	_, err := e.OpenOrAverage(s, tick(s, "T1", "100"), model.SideBuy, "", 10, nil)
	if !errors.Is(err, ErrInsufficientMargin) {
		t.Fatalf("err: got %v", err)
	}
	if s.PaperTrades[0].Quantity != 10 || !s.VirtualBalance.Equal(d("500")) {
		t.Errorf("state mutated: qty %d balance %s", s.PaperTrades[0].Quantity, s.VirtualBalance)
	}
}

func TestStopAndReverse(t *testing.T) {
	e, _, hist := newTestEngine()
	s := newTestSession("10000")

	e.OpenOrAverage(s, tick(s, "T1", "100"), model.SideBuy, "S1", 10, nil)
	tr, err := e.OpenOrAverage(s, tick(s, "T1", "104"), model.SideSell, "R1", 10, nil)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}

	var open, closed int
	for _, pt := range s.PaperTrades {
		if pt.IsOpen() {
			open++
		} else {
			closed++
			if !pt.PnL.Equal(d("40")) {
				t.Errorf("closed pnl: got %s, want 40", pt.PnL)
			}
			if pt.CloseReason != "SAR_R1" {
				t.Errorf("reason: got %q", pt.CloseReason)
			}
		}
	}
	if open != 1 || closed != 1 {
		t.Fatalf("got %d open %d closed, want 1/1", open, closed)
	}
	if tr.Side != model.SideSell || !tr.EntryPrice.Equal(d("104")) {
		t.Errorf("new trade: %+v", tr)
	}
	// 10000 - 1000 + (1000 + 40) - 1040
	if !s.VirtualBalance.Equal(d("9000")) {
		t.Errorf("balance: got %s, want 9000", s.VirtualBalance)
	}
	if len(hist.trades) != 1 {
		t.Errorf("history: got %d, want 1", len(hist.trades))
	}
}

func TestUpdateLivePnl_StopLoss(t *testing.T) {
	e, _, hist := newTestEngine()
	s := newTestSession("1000")

	tr, _ := e.OpenOrAverage(s, tick(s, "T1", "100"), model.SideBuy, "", 10, nil)
	if _, err := e.SetStopLoss(s, tr.ID, dp("95")); err != nil {
		t.Fatalf("stoploss: %v", err)
	}
	if !s.VirtualBalance.IsZero() {
		t.Fatalf("precondition balance: %s", s.VirtualBalance)
	}

	tick(s, "T1", "94")
	closed := e.UpdateLivePnl(s)

	if len(closed) != 1 || closed[0].CloseReason != model.ReasonStopLoss {
		t.Fatalf("closed: %+v", closed)
	}
	if !closed[0].ExitPrice.Equal(d("94")) {
		t.Errorf("exit: got %s", closed[0].ExitPrice)
	}
	if !s.VirtualBalance.Equal(d("940")) {
		t.Errorf("balance: got %s, want 940", s.VirtualBalance)
	}
	if len(hist.trades) != 1 {
		t.Errorf("history: got %d", len(hist.trades))
	}
}

func TestUpdateLivePnl_TargetAndFloating(t *testing.T) {
	e, _, _ := newTestEngine()
	s := newTestSession("10000")

	e.OpenOrAverage(s, tick(s, "T1", "100"), model.SideSell, "", 5, dp("90"))
	e.OpenOrAverage(s, tick(s, "T2", "50"), model.SideBuy, "", 2, nil)

	tick(s, "T2", "55")
	if closed := e.UpdateLivePnl(s); len(closed) != 0 {
		t.Fatalf("unexpected closes: %+v", closed)
	}
	if pnl := s.OpenTradeFor("T2").PnL; !pnl.Equal(d("10")) {
		t.Errorf("floating pnl: got %s, want 10", pnl)
	}

	tick(s, "T1", "89.5")
	closed := e.UpdateLivePnl(s)
	if len(closed) != 1 || closed[0].CloseReason != model.ReasonTargetHit {
		t.Fatalf("closed: %+v", closed)
	}
	if !closed[0].PnL.Equal(d("52.5")) {
		t.Errorf("short pnl: got %s, want 52.5", closed[0].PnL)
	}
}

func TestClose_Idempotent(t *testing.T) {
	e, _, hist := newTestEngine()
	s := newTestSession("10000")

	tr, _ := e.OpenOrAverage(s, tick(s, "T1", "100"), model.SideBuy, "", 10, nil)
	if _, ok := e.Close(s, tr.ID, dp("110"), ""); !ok {
		t.Fatal("first close should succeed")
	}
	after := s.VirtualBalance
	if _, ok := e.Close(s, tr.ID, dp("120"), ""); ok {
		t.Error("second close should be a no-op")
	}
	if _, ok := e.Close(s, "missing", nil, ""); ok {
		t.Error("unknown trade should be a no-op")
	}
	if !s.VirtualBalance.Equal(after) || !after.Equal(d("10100")) {
		t.Errorf("balance: got %s, want 10100", s.VirtualBalance)
	}
	if len(hist.trades) != 1 {
		t.Errorf("history: got %d, want 1", len(hist.trades))
	}
}

func TestMarginConservation(t *testing.T) {
	e, _, _ := newTestEngine()
	s := newTestSession("100000")
	start := s.VirtualBalance

	e.OpenOrAverage(s, tick(s, "A", "101.37"), model.SideBuy, "", 7, nil)
	e.OpenOrAverage(s, tick(s, "A", "99.11"), model.SideBuy, "", 3, nil)
	e.OpenOrAverage(s, tick(s, "A", "100.03"), model.SideBuy, "", 11, nil)
	e.OpenOrAverage(s, tick(s, "B", "250.5"), model.SideSell, "", 4, nil)
	e.OpenOrAverage(s, tick(s, "B", "248"), model.SideBuy, "", 2, nil) // reverse
	e.OpenOrAverage(s, tick(s, "C", "17.35"), model.SideSell, "", 9, nil)

	tick(s, "A", "102.2")
	tick(s, "B", "251")
	tick(s, "C", "16.9")
	for _, tr := range e.Snapshot(s) {
		if tr.IsOpen() {
			e.Close(s, tr.ID, nil, "")
		}
	}

	realized := decimal.Zero
	for _, tr := range s.PaperTrades {
		if tr.IsOpen() {
			t.Fatalf("trade %s still open", tr.ID)
		}
		realized = realized.Add(tr.PnL)
	}
	if want := start.Add(realized); !s.VirtualBalance.Equal(want) {
		t.Errorf("balance: got %s, want %s (start + realized)", s.VirtualBalance, want)
	}
}

func TestCheckAndSquareOff(t *testing.T) {
	e, saver, _ := newTestEngine()
	s := newTestSession("10000")

	e.OpenOrAverage(s, tick(s, "T1", "100"), model.SideBuy, "", 1, nil)
	e.OpenOrAverage(s, tick(s, "T2", "200"), model.SideSell, "", 1, nil)

	if closed := e.CheckAndSquareOff(s, time.Date(2026, 10, 16, 15, 0, 0, 0, markethours.IST)); closed != nil {
		t.Fatalf("closed outside window: %+v", closed)
	}

	saves := saver.count()
	at := time.Date(2026, 10, 16, 15, 20, 0, 0, markethours.IST)
	closed := e.CheckAndSquareOff(s, at)
	if len(closed) != 2 {
		t.Fatalf("closed: got %d, want 2", len(closed))
	}
	for _, c := range closed {
		if c.CloseReason != model.ReasonEODSquareOff {
			t.Errorf("reason: got %q", c.CloseReason)
		}
	}
	if s.LastAutoSquareOffDate != "2026-10-16" {
		t.Errorf("date: got %q", s.LastAutoSquareOffDate)
	}
	if saver.count() != saves+1 {
		t.Errorf("expected one save for the square-off")
	}

	// Same day: a new position is left alone.
	e.OpenOrAverage(s, tick(s, "T1", "101"), model.SideBuy, "", 1, nil)
	if again := e.CheckAndSquareOff(s, at.Add(5*time.Minute)); again != nil {
		t.Errorf("second run same day closed %d trades", len(again))
	}
}

func TestCheckAndSquareOff_NothingOpenKeepsDate(t *testing.T) {
	e, _, _ := newTestEngine()
	s := newTestSession("10000")
	if closed := e.CheckAndSquareOff(s, time.Date(2026, 10, 16, 15, 20, 0, 0, markethours.IST)); closed != nil {
		t.Fatalf("closed: %+v", closed)
	}
	if s.LastAutoSquareOffDate != "" {
		t.Errorf("date recorded without open trades: %q", s.LastAutoSquareOffDate)
	}
}

func TestSetters(t *testing.T) {
	e, _, _ := newTestEngine()
	s := newTestSession("10000")

	if err := e.SetBalance(s, d("-1")); !errors.Is(err, ErrNegativeBalance) {
		t.Errorf("negative balance: got %v", err)
	}
	if err := e.SetBalance(s, d("5000")); err != nil || !s.VirtualBalance.Equal(d("5000")) {
		t.Errorf("set balance: %v, %s", err, s.VirtualBalance)
	}

	tr, _ := e.OpenOrAverage(s, tick(s, "T1", "100"), model.SideBuy, "", 1, nil)
	if _, err := e.SetTarget(s, tr.ID, dp("0")); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("zero target: got %v", err)
	}
	got, err := e.SetTarget(s, tr.ID, dp("120"))
	if err != nil || got.Target == nil || !got.Target.Equal(d("120")) {
		t.Errorf("set target: %v %+v", err, got.Target)
	}
	if got, _ := e.SetTarget(s, tr.ID, nil); got.Target != nil {
		t.Error("nil should clear the target")
	}

	e.Close(s, tr.ID, nil, "")
	if _, err := e.SetStopLoss(s, tr.ID, dp("90")); !errors.Is(err, ErrTradeNotOpen) {
		t.Errorf("stoploss on closed: got %v", err)
	}

	e.SetAutoTrade(s, true)
	if !s.AutoPaperTrade {
		t.Error("auto trade not enabled")
	}
}

func TestSummaryAndClearClosed(t *testing.T) {
	e, _, _ := newTestEngine()
	s := newTestSession("10000")

	w, _ := e.OpenOrAverage(s, tick(s, "T1", "100"), model.SideBuy, "", 10, nil)
	l, _ := e.OpenOrAverage(s, tick(s, "T2", "50"), model.SideBuy, "", 10, nil)
	e.OpenOrAverage(s, tick(s, "T3", "20"), model.SideSell, "", 10, nil)
	e.Close(s, w.ID, dp("105"), "")
	e.Close(s, l.ID, dp("45"), "")
	tick(s, "T3", "19")
	e.UpdateLivePnl(s)

	sum := e.Summary(s)
	if sum.OpenTrades != 1 || sum.ClosedTrades != 2 || sum.Wins != 1 || sum.Losses != 1 {
		t.Errorf("counts: %+v", sum)
	}
	if !sum.RealizedPnL.IsZero() {
		t.Errorf("realized: got %s, want 0", sum.RealizedPnL)
	}
	if !sum.UnrealizedPnL.Equal(d("10")) || !sum.MarginInUse.Equal(d("200")) {
		t.Errorf("open book: unrealized %s margin %s", sum.UnrealizedPnL, sum.MarginInUse)
	}
	if !sum.Equity.Equal(d("10010")) {
		t.Errorf("equity: got %s, want 10010", sum.Equity)
	}
	if !sum.WinRate().Equal(d("50")) {
		t.Errorf("win rate: got %s", sum.WinRate())
	}

	if n := e.ClearClosed(s); n != 2 {
		t.Errorf("cleared: got %d, want 2", n)
	}
	if len(s.PaperTrades) != 1 || !s.PaperTrades[0].IsOpen() {
		t.Errorf("open trade should survive clear: %+v", s.PaperTrades)
	}
}
