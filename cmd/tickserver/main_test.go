package main

import (
	"math/rand"
	"testing"
	"time"

	"trading-alertsv1/internal/marketdata/decoder"
	"trading-alertsv1/pkg/smartconnect"
)

func TestFrameDecodesAsLTP(t *testing.T) {
	frame := encodeFrame("99926000", smartconnect.NSE_CM, 7, time.Now(), 2566012)
	tk, ok := decoder.DecodeBinary(frame)
	if !ok {
		t.Fatal("frame rejected by decoder")
	}
	if tk.Token != "99926000" || tk.Price.String() != "25660.12" {
		t.Errorf("tick = %+v", tk)
	}
}

func TestSubscribedClientsOnlyGetTheirTokens(t *testing.T) {
	m := newMarket(map[string]int64{"1": 100_00, "2": 200_00})
	a, b := m.attach(), m.attach()

	var req request
	req.Action = smartconnect.SubscribeAction
	req.Params.TokenList = []smartconnect.TokenListEntry{{ExchangeType: smartconnect.BSE_CM, Tokens: []string{"1", "9"}}}
	m.apply(a, req)

	m.step(rand.New(rand.NewSource(1)), time.Now())

	if len(b.out) != 0 {
		t.Errorf("unsubscribed client got %d frames", len(b.out))
	}
	if len(a.out) != 2 {
		t.Fatalf("subscribed client got %d frames, want 2", len(a.out))
	}
	f := <-a.out
	if f[1] != smartconnect.BSE_CM {
		t.Errorf("exchange type = %d", f[1])
	}

	req.Action = smartconnect.UnsubscribeAction
	m.apply(a, req)
	<-a.out
	m.step(rand.New(rand.NewSource(1)), time.Now())
	if len(a.out) != 0 {
		t.Errorf("frames after unsubscribe = %d", len(a.out))
	}
}

func TestParseSeeds(t *testing.T) {
	got := parseSeeds("1:25660.5, bad, 2:-1, 3:10")
	if len(got) != 2 || got["1"] != 2566050 || got["3"] != 1000 {
		t.Errorf("seeds = %v", got)
	}
}
