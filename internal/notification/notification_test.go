package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trading-alertsv1/internal/model"

	"github.com/shopspring/decimal"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

func (r *recordingNotifier) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Message{Level: LevelInfo, Title: "Alert: TCS", Body: "TCS hit 100"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["event"] != EventNotice || got["title"] != "Alert: TCS" || got["text"] != "TCS hit 100" || got["sent_at"] == nil {
		t.Errorf("payload: %v", got)
	}
}

func TestWebhookNotifier_AlertEvent(t *testing.T) {
	var (
		got    webhookEvent
		header string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Alert-Event")
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.now = func() time.Time { return time.Date(2026, 10, 16, 4, 0, 0, 0, time.UTC) }
	msg := Message{
		Level: LevelInfo,
		Title: "Alert: NIFTY 50",
		Alert: &AlertInfo{
			AlertID: "a1", Symbol: "NIFTY 50", Token: "99926000", Condition: "ABOVE",
			Level: "25700.00", Type: "AUTO_R1", LTP: "25701.20",
			Trade: &TradeInfo{TradeID: "t1", Side: "SELL", Quantity: 1, Entry: "25701.20"},
		},
	}
	if err := n.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if header != EventAlertTriggered || got.Event != EventAlertTriggered {
		t.Errorf("event header=%q body=%q", header, got.Event)
	}
	if got.Alert == nil || got.Alert.Token != "99926000" || got.Alert.Trade == nil || got.Alert.Trade.Side != "SELL" {
		t.Errorf("alert payload: %+v", got.Alert)
	}
	if !got.SentAt.Equal(time.Date(2026, 10, 16, 4, 0, 0, 0, time.UTC)) {
		t.Errorf("sent_at: %v", got.SentAt)
	}
}

func TestWebhookNotifier_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), Message{}); err == nil {
		t.Error("expected error on 502")
	}
}

func TestTelegramNotifier(t *testing.T) {
	var path, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		text, _ = body["text"].(string)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	if err := n.Send(context.Background(), Message{Title: "NIFTY 50", Body: "hit 24000.5"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("path: %s", path)
	}
	if !strings.Contains(text, `24000\.5`) {
		t.Errorf("text not escaped: %q", text)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a_b (c)."); got != `a\_b \(c\)\.` {
		t.Errorf("got %q", got)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("down")}
	err := Multi{ok, bad}.Send(context.Background(), Message{Title: "x"})
	if err == nil || ok.len() != 1 || bad.len() != 1 {
		t.Errorf("err=%v ok=%d bad=%d", err, ok.len(), bad.len())
	}
}

func TestDispatcher_DeliversInBackground(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, 4, 1000, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	a := model.Alert{Symbol: "TCS", Condition: model.ConditionAbove, Price: decimal.NewFromInt(100)}
	d.AlertFired("C1", a, "101.00", nil)

	deadline := time.Now().Add(2 * time.Second)
	for rec.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.len() != 1 {
		t.Fatalf("messages: got %d, want 1", rec.len())
	}
	if rec.msgs[0].Body != "TCS hit 100.00 (ABOVE) at 101.00" {
		t.Errorf("body: %q", rec.msgs[0].Body)
	}
	if info := rec.msgs[0].Alert; info == nil || info.Condition != "ABOVE" || info.LTP != "101.00" || info.Trade != nil {
		t.Errorf("alert info: %+v", info)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(&recordingNotifier{}, 1, 1, 1, nil)
	if !d.Enqueue(Message{}) {
		t.Fatal("first enqueue should fit")
	}
	if d.Enqueue(Message{}) {
		t.Error("second enqueue should be dropped without a running worker")
	}
}
