package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trading-alertsv1/internal/alerts"
	"trading-alertsv1/internal/feed"
	"trading-alertsv1/internal/gateway"
	"trading-alertsv1/internal/model"
	"trading-alertsv1/internal/paper"
	"trading-alertsv1/internal/session"
	"trading-alertsv1/pkg/smartconnect"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type openingTransport struct{ h smartconnect.Handlers }

func (t *openingTransport) Connect(context.Context) error { t.h.OnOpen(); return nil }
func (t *openingTransport) Subscribe(string, int, []smartconnect.TokenListEntry) error {
	return nil
}
func (t *openingTransport) Unsubscribe(string, int, []smartconnect.TokenListEntry) error {
	return nil
}
func (t *openingTransport) Close() error { return nil }

type fixture struct {
	srv     *httptest.Server
	store   *session.Store
	s       *session.Session
	viewers *gateway.Broadcaster
	feeds   *feed.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := session.NewStore()
	s := store.Create("C1", model.Credentials{ClientCode: "C1"}, decimal.NewFromInt(10000))
	engine := paper.NewEngine(paper.DefaultConfig(), nil, nil, nil, nil)
	ev := alerts.NewEvaluator(engine, nil, nil, nil, nil)
	factory := func(_ model.Credentials, h smartconnect.Handlers) (feed.Transport, error) {
		return &openingTransport{h: h}, nil
	}
	feeds := feed.NewManager(ctx, factory, ev, engine, nil, nil, nil)
	viewers := gateway.NewBroadcaster(nil, nil)
	t.Cleanup(viewers.CloseAll)

	r := NewRouter(Deps{
		Sessions: store,
		Feeds:    feeds,
		Viewers:  viewers,
		Alerts:   ev,
		Paper:    engine,
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, s: s, viewers: viewers, feeds: feeds}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (f *fixture) path(suffix string) string {
	return "/api/v1/sessions/" + f.s.ID + suffix
}

func TestHealthAndUnknownSession(t *testing.T) {
	f := newFixture(t)
	if code, body := f.do(t, http.MethodGet, "/api/v1/health", ""); code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", code, body)
	}
	code, body := f.do(t, http.MethodGet, "/api/v1/sessions/nope/alerts", "")
	if code != http.StatusNotFound || body["error"] == nil {
		t.Errorf("unknown session = %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/v1/sessions", ""); code != http.StatusNotImplemented {
		t.Errorf("login without Login func = %d", code)
	}
}

func TestWatchlistAddRemove(t *testing.T) {
	f := newFixture(t)
	add := `{"token":"T1","symbol":"TEST","exch_seg":"nse"}`
	if code, _ := f.do(t, http.MethodPost, f.path("/watchlist"), add); code != http.StatusCreated {
		t.Fatalf("add = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, f.path("/watchlist"), add); code != http.StatusConflict {
		t.Errorf("duplicate add = %d", code)
	}
	f.s.Lock()
	_, inRegistry := f.s.Registry.Get("T1")
	f.s.Unlock()
	if !inRegistry {
		t.Error("watched token missing from registry")
	}
	if code, _ := f.do(t, http.MethodDelete, f.path("/watchlist/T1"), ""); code != http.StatusNoContent {
		t.Errorf("remove = %d", code)
	}
	if code, _ := f.do(t, http.MethodDelete, f.path("/watchlist/T1"), ""); code != http.StatusNotFound {
		t.Errorf("second remove = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, f.path("/watchlist"), `{"symbol":"X"}`); code != http.StatusBadRequest {
		t.Errorf("missing token = %d", code)
	}
}

func TestAlertLifecycle(t *testing.T) {
	f := newFixture(t)
	body := `{"symbol":"TEST","token":"T1","condition":"above","price":"100"}`
	code, a := f.do(t, http.MethodPost, f.path("/alerts"), body)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, a)
	}
	if code, _ := f.do(t, http.MethodPost, f.path("/alerts"), body); code != http.StatusConflict {
		t.Errorf("duplicate = %d", code)
	}
	bad := `{"symbol":"TEST","token":"T1","condition":"SIDEWAYS","price":"100"}`
	if code, _ := f.do(t, http.MethodPost, f.path("/alerts"), bad); code != http.StatusBadRequest {
		t.Errorf("bad condition = %d", code)
	}
	if code, body := f.do(t, http.MethodPut, f.path("/alerts/pause"), `{"paused":true}`); code != http.StatusOK || body["is_paused"] != true {
		t.Errorf("pause = %d %v", code, body)
	}
	_, list := f.do(t, http.MethodGet, f.path("/alerts"), "")
	if alertsList, _ := list["alerts"].([]any); len(alertsList) != 1 || list["is_paused"] != true {
		t.Errorf("list = %v", list)
	}
	id, _ := a["id"].(string)
	if code, _ := f.do(t, http.MethodDelete, f.path("/alerts/"+id), ""); code != http.StatusNoContent {
		t.Errorf("delete = %d", code)
	}
	if code, _ := f.do(t, http.MethodDelete, f.path("/alerts/"+id), ""); code != http.StatusNotFound {
		t.Errorf("delete missing = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, f.path("/alerts/generate"), `{"token":"T1"}`); code != http.StatusNotImplemented {
		t.Errorf("generate without candles = %d", code)
	}
}

func TestPaperTradeFlow(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, f.path("/watchlist"), `{"token":"T1","symbol":"TEST"}`)
	f.s.Lock()
	f.s.Registry.Update("T1", decimal.NewFromInt(100))
	f.s.Unlock()

	code, tr := f.do(t, http.MethodPost, f.path("/paper/trades"), `{"token":"T1","side":"buy","qty":10}`)
	if code != http.StatusCreated {
		t.Fatalf("open = %d %v", code, tr)
	}
	id, _ := tr["id"].(string)
	f.s.Lock()
	bal := f.s.VirtualBalance
	f.s.Unlock()
	if !bal.Equal(decimal.NewFromInt(9000)) {
		t.Errorf("balance after open = %s", bal)
	}

	if code, _ := f.do(t, http.MethodPut, f.path("/paper/trades/"+id+"/stoploss"), `{"price":"95"}`); code != http.StatusOK {
		t.Errorf("stoploss = %d", code)
	}
	if code, _ := f.do(t, http.MethodPut, f.path("/paper/trades/"+id+"/target"), `{"price":"-1"}`); code != http.StatusUnprocessableEntity {
		t.Errorf("bad target = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, f.path("/paper/trades"), `{"token":"T1","side":"buy","qty":1000}`); code != http.StatusUnprocessableEntity {
		t.Errorf("over-margin average = %d", code)
	}

	code, res := f.do(t, http.MethodPost, f.path("/paper/trades/"+id+"/close"), `{"price":"110"}`)
	if code != http.StatusOK || res["closed"] != true {
		t.Fatalf("close = %d %v", code, res)
	}
	code, res = f.do(t, http.MethodPost, f.path("/paper/trades/"+id+"/close"), "")
	if code != http.StatusOK || res["closed"] != false {
		t.Errorf("second close = %d %v", code, res)
	}
	f.s.Lock()
	bal = f.s.VirtualBalance
	f.s.Unlock()
	if !bal.Equal(decimal.NewFromInt(10100)) {
		t.Errorf("balance after close = %s", bal)
	}

	if code, _ := f.do(t, http.MethodPut, f.path("/paper/balance"), `{"amount":"-5"}`); code != http.StatusUnprocessableEntity {
		t.Errorf("negative balance = %d", code)
	}
	if code, res := f.do(t, http.MethodPut, f.path("/paper/auto"), `{"enabled":true}`); code != http.StatusOK || res["auto_paper_trade"] != true {
		t.Errorf("auto = %d %v", code, res)
	}
	_, sum := f.do(t, http.MethodGet, f.path("/paper/summary"), "")
	if inner, _ := sum["summary"].(map[string]any); inner["closed_trades"] != float64(1) {
		t.Errorf("summary = %v", sum)
	}
	if _, res := f.do(t, http.MethodDelete, f.path("/paper/trades"), ""); res["removed"] != float64(1) {
		t.Errorf("clear = %v", res)
	}
}

func TestStreamDeliversConnectedStatus(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/stream/" + f.s.ID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("no CONNECTED status: %v", err)
		}
		var ev struct {
			Type string `json:"type"`
			Data struct {
				Status string `json:"status"`
			} `json:"data"`
		}
		json.Unmarshal(msg, &ev)
		if ev.Type == "status" && ev.Data.Status == "CONNECTED" {
			break
		}
	}
	if !f.feeds.IsRunning(f.s.ID) {
		t.Error("feed not started by viewer attach")
	}
	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws/stream/unknown", nil); err == nil {
		t.Error("expected dial to unknown session to fail")
	}
}
