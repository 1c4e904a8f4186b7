package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trading-alertsv1/internal/model"
	"trading-alertsv1/internal/paper"
	"trading-alertsv1/internal/session"

	"github.com/shopspring/decimal"
)

type countingSaver struct {
	mu sync.Mutex
	n  int
}

func (c *countingSaver) Save(string) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

type recordingNotifier struct {
	fired []model.Alert
}

func (r *recordingNotifier) AlertFired(_ string, a model.Alert, _ string, _ *model.VirtualTrade) {
	r.fired = append(r.fired, a)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestEvaluator() (*Evaluator, *countingSaver, *recordingNotifier) {
	saver := &countingSaver{}
	notif := &recordingNotifier{}
	engine := paper.NewEngine(paper.DefaultConfig(), saver, nil, nil, nil)
	ev := NewEvaluator(engine, saver, notif, nil, nil)
	seq := 0
	ev.newID = func() string {
		seq++
		return fmt.Sprintf("a%d", seq)
	}
	ev.now = func() time.Time { return time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC) }
	return ev, saver, notif
}

// priceTick updates the registry like the feed does and returns the instrument.
func priceTick(s *session.Session, token, price string) model.Instrument {
	s.Lock()
	defer s.Unlock()
	inst, _ := s.Registry.Ensure(token, "SYM-"+token, model.ExchangeNSE)
	s.Registry.Update(token, d(price))
	return *inst
}

func collect() (*[]model.Event, func(model.Event)) {
	var events []model.Event
	return &events, func(e model.Event) { events = append(events, e) }
}

func TestEvaluate_AutoPaperTradeScenario(t *testing.T) {
	ev, _, notif := newTestEvaluator()
	s := session.New("s1", "C1", model.Credentials{}, d("10000"))
	s.AutoPaperTrade = true
	s.Lock()
	s.Watch(&model.Instrument{Token: "T1", Symbol: "TCS", Exchange: model.ExchangeNSE})
	s.Unlock()

	if _, err := ev.Create(s, NewAlert{Symbol: "TCS", Token: "T1", Condition: model.ConditionAbove, Price: d("100")}); err != nil {
		t.Fatalf("create: %v", err)
	}

	events, emit := collect()
	inst := priceTick(s, "T1", "101")
	if n := ev.Evaluate(s, inst, emit); n != 1 {
		t.Fatalf("fired: got %d, want 1", n)
	}

	if len(s.Alerts) != 0 {
		t.Errorf("alert should be removed, got %d", len(s.Alerts))
	}
	alertLogs := 0
	for _, l := range s.Logs {
		if l.Type == model.LogAlertTriggered {
			alertLogs++
		}
	}
	if alertLogs != 1 {
		t.Errorf("alert log entries: got %d, want 1", alertLogs)
	}
	if len(s.PaperTrades) != 1 {
		t.Fatalf("paper trades: got %d, want 1", len(s.PaperTrades))
	}
	tr := s.PaperTrades[0]
	if tr.Token != "T1" || !tr.EntryPrice.Equal(d("101")) || tr.Quantity != 1 || tr.Status != model.StatusOpen {
		t.Errorf("trade: %+v", tr)
	}
	if tr.Side != model.SideBuy {
		t.Errorf("manual ABOVE should buy, got %s", tr.Side)
	}
	if !s.VirtualBalance.Equal(d("9899")) {
		t.Errorf("balance: got %s, want 9899", s.VirtualBalance)
	}

	if len(*events) != 1 || (*events)[0].Type != model.EventAlertTriggered {
		t.Fatalf("events: %+v", *events)
	}
	payload := (*events)[0].Data.(model.AlertTriggered)
	if len(payload.Trades) != 1 || payload.Alert.ID != "a1" {
		t.Errorf("payload: %+v", payload)
	}
	if len(notif.fired) != 1 {
		t.Errorf("notifications: got %d", len(notif.fired))
	}
}

func TestEvaluate_OneShot(t *testing.T) {
	ev, _, _ := newTestEvaluator()
	s := session.New("s1", "C1", model.Credentials{}, d("10000"))
	ev.Create(s, NewAlert{Symbol: "X", Token: "T1", Condition: model.ConditionBelow, Price: d("50")})
	ev.Create(s, NewAlert{Symbol: "X", Token: "T2", Condition: model.ConditionBelow, Price: d("50")})

	events, emit := collect()
	for _, p := range []string{"49", "48", "47.5", "50"} {
		ev.Evaluate(s, priceTick(s, "T1", p), emit)
	}
	if len(*events) != 1 {
		t.Errorf("triggered events: got %d, want 1", len(*events))
	}
	if len(s.Alerts) != 1 || s.Alerts[0].Token != "T2" {
		t.Errorf("remaining alerts: %+v", s.Alerts)
	}
	if len(s.PaperTrades) != 0 {
		t.Error("no trade expected with auto trade off")
	}
}

func TestEvaluate_ConcurrentTicksFireOnce(t *testing.T) {
	ev, _, _ := newTestEvaluator()
	s := session.New("s1", "C1", model.Credentials{}, d("10000"))
	ev.Create(s, NewAlert{Symbol: "X", Token: "T1", Condition: model.ConditionAbove, Price: d("10")})
	inst := priceTick(s, "T1", "11")

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := ev.Evaluate(s, inst, nil)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 1 {
		t.Errorf("fired %d times, want 1", total)
	}
}

func TestEvaluate_PausedAndUnpriced(t *testing.T) {
	ev, _, _ := newTestEvaluator()
	s := session.New("s1", "C1", model.Credentials{}, d("10000"))
	ev.Create(s, NewAlert{Symbol: "X", Token: "T1", Condition: model.ConditionAbove, Price: d("10")})

	ev.SetPaused(s, true)
	if n := ev.Evaluate(s, priceTick(s, "T1", "11"), nil); n != 0 {
		t.Errorf("paused session fired %d", n)
	}
	ev.SetPaused(s, false)
	if n := ev.Evaluate(s, model.Instrument{Token: "T1"}, nil); n != 0 {
		t.Errorf("instrument without price fired %d", n)
	}
	if n := ev.Evaluate(s, priceTick(s, "T1", "11"), nil); n != 1 {
		t.Errorf("resumed session fired %d, want 1", n)
	}
}

func TestEvaluate_AutoLevelSetsTarget(t *testing.T) {
	ev, _, _ := newTestEvaluator()
	s := session.New("s1", "C1", model.Credentials{}, d("100000"))
	s.AutoPaperTrade = true
	ev.Create(s, NewAlert{Symbol: "X", Token: "T1", Condition: model.ConditionBelow, Price: d("95"), Type: "AUTO_S1"})
	ev.Create(s, NewAlert{Symbol: "X", Token: "T1", Condition: model.ConditionAbove, Price: d("105"), Type: "AUTO_R1"})

	ev.Evaluate(s, priceTick(s, "T1", "94.5"), nil)

	if len(s.PaperTrades) != 1 {
		t.Fatalf("trades: %d", len(s.PaperTrades))
	}
	tr := s.PaperTrades[0]
	if tr.Side != model.SideBuy || tr.TriggerLabel != "S1" {
		t.Errorf("trade: side %s label %s", tr.Side, tr.TriggerLabel)
	}
	if tr.Target == nil || !tr.Target.Equal(d("104.5")) {
		t.Errorf("target: got %v, want 104.5", tr.Target)
	}
}

func TestCreate_Validation(t *testing.T) {
	ev, saver, _ := newTestEvaluator()
	s := session.New("s1", "C1", model.Credentials{}, d("0"))

	tests := []struct {
		name string
		req  NewAlert
		want error
	}{
		{"missing_token", NewAlert{Condition: model.ConditionAbove, Price: d("1")}, ErrMissingToken},
		{"bad_condition", NewAlert{Token: "T", Condition: "SIDEWAYS", Price: d("1")}, ErrInvalidCondition},
		{"zero_price", NewAlert{Token: "T", Condition: model.ConditionAbove, Price: d("0")}, ErrInvalidPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ev.Create(s, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	a, err := ev.Create(s, NewAlert{Token: "T", Condition: "below", Price: d("10")})
	if err != nil || a.Condition != model.ConditionBelow || a.Type != model.AlertTypeManual || !a.Active {
		t.Fatalf("create: %+v %v", a, err)
	}
	if _, err := ev.Create(s, NewAlert{Token: "T", Condition: model.ConditionBelow, Price: d("10.00")}); !errors.Is(err, ErrDuplicateAlert) {
		t.Errorf("duplicate: got %v", err)
	}
	if saver.n != 1 {
		t.Errorf("saves: got %d, want 1", saver.n)
	}

	if err := ev.Delete(s, a.ID); err != nil {
		t.Errorf("delete: %v", err)
	}
	if err := ev.Delete(s, a.ID); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("second delete: got %v", err)
	}
}

func TestTradeSide(t *testing.T) {
	tests := []struct {
		typ  string
		cond model.Condition
		want model.Side
	}{
		{"AUTO_LOW", model.ConditionAbove, model.SideBuy},
		{"AUTO_S1", model.ConditionAbove, model.SideBuy},
		{"AUTO_s2", model.ConditionBelow, model.SideBuy},
		{"AUTO_HIGH", model.ConditionBelow, model.SideSell},
		{"AUTO_R1", model.ConditionBelow, model.SideSell},
		{"AUTO_SMA", model.ConditionBelow, model.SideSell},
		{"MANUAL", model.ConditionAbove, model.SideBuy},
		{"MANUAL", model.ConditionBelow, model.SideSell},
	}
	for _, tt := range tests {
		a := model.Alert{Type: tt.typ, Condition: tt.cond}
		if got := TradeSide(a); got != tt.want {
			t.Errorf("TradeSide(%s, %s) = %s, want %s", tt.typ, tt.cond, got, tt.want)
		}
	}
}

func TestTargetFor(t *testing.T) {
	book := []model.Alert{
		{ID: "hi", Token: "T", Type: "AUTO_HIGH", Price: d("120")},
		{ID: "r1", Token: "T", Type: "AUTO_R1", Price: d("110")},
		{ID: "s1", Token: "T", Type: "AUTO_S1", Price: d("90")},
		{ID: "m", Token: "T", Type: "MANUAL", Price: d("100")},
		{ID: "other", Token: "U", Type: "AUTO_LOW", Price: d("99")},
	}

	// BUY at S1: next level up is R1, spacing 20.
	if got := TargetFor(book[2], model.SideBuy, d("89"), book); got == nil || !got.Equal(d("109")) {
		t.Errorf("buy at S1: got %v, want 109", got)
	}
	// SELL at HIGH: next level down is R1, spacing 10.
	if got := TargetFor(book[0], model.SideSell, d("121"), book); got == nil || !got.Equal(d("111")) {
		t.Errorf("sell at HIGH: got %v, want 111", got)
	}
	// BUY at HIGH: nothing above, fall back to the level behind (R1).
	if got := TargetFor(book[0], model.SideBuy, d("121"), book); got == nil || !got.Equal(d("131")) {
		t.Errorf("buy at HIGH: got %v, want 131", got)
	}
	// Lone level: no target.
	if got := TargetFor(book[4], model.SideBuy, d("99"), book); got != nil {
		t.Errorf("lone level: got %v, want nil", got)
	}
}

func TestGenerateLevels(t *testing.T) {
	c := OHLC{High: d("110"), Low: d("90"), Close: d("100")}
	levels := GenerateLevels(c, d("100"), DefaultLevels)

	want := map[string]struct {
		price string
		cond  model.Condition
	}{
		LabelHigh: {"110", model.ConditionAbove},
		LabelLow:  {"90", model.ConditionBelow},
		LabelR1:   {"110", model.ConditionAbove},
		LabelS1:   {"90", model.ConditionBelow},
	}
	if len(levels) != len(want) {
		t.Fatalf("levels: %+v", levels)
	}
	for _, l := range levels {
		w := want[l.Label]
		if !l.Price.Equal(d(w.price)) || l.Condition != w.cond {
			t.Errorf("%s: got %s %s, want %s %s", l.Label, l.Price, l.Condition, w.price, w.cond)
		}
	}

	only := GenerateLevels(c, d("100"), []string{"high"})
	if len(only) != 1 || only[0].Label != LabelHigh {
		t.Errorf("filtered: %+v", only)
	}
}

type fakeCandles struct {
	c   OHLC
	err error
}

func (f fakeCandles) ReferenceCandle(context.Context, string, string, string) (OHLC, error) {
	return f.c, f.err
}

func TestGenerate_SkipsDuplicates(t *testing.T) {
	ev, _, _ := newTestEvaluator()
	s := session.New("s1", "C1", model.Credentials{}, d("0"))
	src := fakeCandles{c: OHLC{High: d("120"), Low: d("80"), Close: d("110")}}
	req := GenerateRequest{Symbol: "X", Token: "T1", Exchange: "NSE", Levels: []string{LabelHigh, LabelLow}}

	added, err := ev.Generate(context.Background(), s, src, req)
	if err != nil || len(added) != 2 {
		t.Fatalf("generate: %v %+v", err, added)
	}
	for _, a := range added {
		if !a.IsAuto() {
			t.Errorf("not auto: %+v", a)
		}
	}
	again, _ := ev.Generate(context.Background(), s, src, req)
	if len(again) != 0 || len(s.Alerts) != 2 {
		t.Errorf("duplicates added: %+v", again)
	}

	if _, err := ev.Generate(context.Background(), s, fakeCandles{err: errors.New("no data")}, req); err == nil {
		t.Error("expected candle source error")
	}
}
