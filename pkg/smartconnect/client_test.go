package smartconnect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *SmartConnect {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewSmartConnect(Config{
		APIKey:        "key",
		RootURL:       srv.URL,
		ClientLocalIP: "10.0.0.1",
		ClientMAC:     "aa:bb:cc:dd:ee:ff",
		HTTPClient:    srv.Client(),
	})
}

func TestGenerateSession(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-PrivateKey") != "key" {
			t.Errorf("missing api key header")
		}
		switch r.URL.Path {
		case routes["api.login"]:
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["totp"] != "123456" {
				t.Errorf("totp = %q", body["totp"])
			}
			w.Write([]byte(`{"status":true,"data":{"jwtToken":"jwt","refreshToken":"ref","feedToken":"feed"}}`))
		case routes["api.user.profile"]:
			if r.Header.Get("Authorization") != "Bearer jwt" {
				t.Errorf("profile auth = %q", r.Header.Get("Authorization"))
			}
			if r.URL.Query().Get("refreshToken") != "ref" {
				t.Errorf("refreshToken = %q", r.URL.Query().Get("refreshToken"))
			}
			w.Write([]byte(`{"status":true,"data":{"clientcode":"C123","name":"Test"}}`))
		default:
			http.NotFound(w, r)
		}
	})

	sess, err := sc.GenerateSession(context.Background(), "C123", "pw", "123456")
	if err != nil {
		t.Fatalf("GenerateSession: %v", err)
	}
	if sess.JWTToken != "jwt" || sess.FeedToken != "feed" || sess.ClientCode != "C123" || sess.Name != "Test" {
		t.Errorf("session = %+v", sess)
	}
	if sc.GetFeedToken() != "feed" || sc.GetUserID() != "C123" {
		t.Errorf("client state not updated")
	}
}

func TestGenerateSessionRejected(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":false,"message":"Invalid totp","errorcode":"AB1050","data":null}`))
	})
	_, err := sc.GenerateSession(context.Background(), "C123", "pw", "000000")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Message != "Invalid totp" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestTokenExceptionCallsExpiryHook(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error_type":"TokenException","message":"expired"}`))
	})
	called := false
	sc.SessionExpiryHook = func() { called = true }
	_, err := sc.GetProfile(context.Background(), "ref")
	if err == nil || !called {
		t.Fatalf("err=%v hook=%v", err, called)
	}
}

func TestGetCandleData(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["interval"] != IntervalOneDay || body["symboltoken"] != "3045" {
			t.Errorf("body = %v", body)
		}
		w.Write([]byte(`{"status":true,"data":[
			["2026-10-14T00:00:00+05:30", 100.5, 110, 95.25, 105, 1200],
			["2026-10-15T00:00:00+05:30", 105, 112.75, 101, 108.4, 900]
		]}`))
	})
	bars, err := sc.GetCandleData(context.Background(), CandleParams{
		Exchange: "NSE", SymbolToken: "3045", Interval: IntervalOneDay,
		From: time.Now().Add(-48 * time.Hour), To: time.Now(),
	})
	if err != nil {
		t.Fatalf("GetCandleData: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d", len(bars))
	}
	if bars[1].High.String() != "112.75" || bars[0].Low.String() != "95.25" || bars[0].Volume != 1200 {
		t.Errorf("parsed = %+v", bars)
	}
}

func TestPreviousDayCandle(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":true,"data":[
			["2026-10-14T00:00:00+05:30", 1, 2, 0.5, 1.5, 10],
			["2026-10-15T00:00:00+05:30", 2, 3, 1.5, 2.5, 10]
		]}`))
	})
	ist := time.FixedZone("IST", 5*3600+1800)
	c, err := sc.PreviousDayCandle(context.Background(), "NSE", "3045", time.Date(2026, 10, 16, 11, 0, 0, 0, ist))
	if err != nil {
		t.Fatal(err)
	}
	if c.Close.String() != "2.5" {
		t.Errorf("close = %s, want 2.5", c.Close)
	}
}

func TestPreviousDayCandleEmpty(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":true,"data":[]}`))
	})
	if _, err := sc.PreviousDayCandle(context.Background(), "NSE", "1", time.Now()); err == nil {
		t.Fatal("expected error for empty history")
	}
}
