package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
)

type recordingHandler struct {
	mu     sync.Mutex
	depth  []domain.Market
	trades []domain.Market
	liqs   int
	conns  []domain.Market
}

func (h *recordingHandler) OnDepth(m domain.Market, _ *DepthUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.depth = append(h.depth, m)
}

func (h *recordingHandler) OnTrade(m domain.Market, _ *AggTrade) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trades = append(h.trades, m)
}

func (h *recordingHandler) OnLiquidation(_ *ForceOrder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liqs++
}

func (h *recordingHandler) OnConnected(m domain.Market) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = append(h.conns, m)
}

func wsConfig() *infra.Config {
	cfg := &infra.Config{}
	cfg.Timing.WatchdogTimeoutSec = 30
	cfg.Timing.ReconnectDelaySec = 5
	cfg.Timing.ReconnectMaxDelaySec = 300
	cfg.Timing.RESTTimeoutSec = 5
	return cfg
}

func TestEnvelopeDispatch(t *testing.T) {
	handler := &recordingHandler{}
	mgr := NewWSManager(wsConfig(), handler, nil, infra.NewMetrics())
	worker := mgr.workers[0] // futures

	depthMsg := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","U":100,"u":105,"pu":99,"b":[["50000.00","1.0"]],"a":[]}}`)
	tradeMsg := []byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","p":"50000.00","q":"0.5","m":true,"T":1700000000000}}`)
	liqMsg := []byte(`{"stream":"btcusdt@forceOrder","data":{"e":"forceOrder","o":{"s":"BTCUSDT","S":"SELL","q":"1","ap":"50000.00","T":1700000000000}}}`)

	for _, msg := range [][]byte{depthMsg, tradeMsg, liqMsg} {
		if err := worker.dispatch(msg); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
	}

	if len(handler.depth) != 1 || handler.depth[0] != domain.MarketFutures {
		t.Errorf("depth not routed: %v", handler.depth)
	}
	if len(handler.trades) != 1 {
		t.Errorf("trade not routed: %v", handler.trades)
	}
	if handler.liqs != 1 {
		t.Errorf("liquidation not routed: %d", handler.liqs)
	}
}

func TestEnvelopeDispatch_MalformedEnvelope(t *testing.T) {
	handler := &recordingHandler{}
	mgr := NewWSManager(wsConfig(), handler, nil, infra.NewMetrics())

	if err := mgr.workers[0].dispatch([]byte("not json")); err == nil {
		t.Error("expected an error for a malformed envelope")
	}
	if len(handler.depth)+len(handler.trades)+handler.liqs != 0 {
		t.Error("malformed input must not reach consumers")
	}
}

func TestDepthUpdateDecoding(t *testing.T) {
	raw := []byte(`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":157,"u":160,"pu":149,"b":[["50000.00","10"]],"a":[["51000.00","0"]]}`)
	var ev DepthUpdate
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if ev.FirstID != 157 || ev.FinalID != 160 || ev.PrevFinal != 149 {
		t.Errorf("sequence ids wrong: %+v", ev)
	}
	if len(ev.Bids) != 1 || ev.Bids[0][0] != "50000.00" || ev.Bids[0][1] != "10" {
		t.Errorf("bids wrong: %v", ev.Bids)
	}
	if len(ev.Asks) != 1 || ev.Asks[0][1] != "0" {
		t.Errorf("asks wrong: %v", ev.Asks)
	}
}

func TestFetchDepth_SuccessAndRetry(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(DepthSnapshot{
			LastUpdateID: 4242,
			Bids:         [][2]string{{"50000.00", "1"}},
			Asks:         [][2]string{{"51000.00", "1"}},
		})
	}))
	defer srv.Close()

	client, err := NewRestClient(wsConfig())
	if err != nil {
		t.Fatalf("NewRestClient failed: %v", err)
	}
	client.futuresDepthURL = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	snap, err := client.FetchDepth(ctx, domain.MarketFutures)
	if err != nil {
		t.Fatalf("FetchDepth failed: %v", err)
	}
	if snap.LastUpdateID != 4242 {
		t.Errorf("expected anchor 4242, got %d", snap.LastUpdateID)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected retry after 502, got %d calls", calls)
	}
}

func TestMarkDisconnected_AnchorsToLastMessage(t *testing.T) {
	var mu sync.Mutex
	var notices []string
	notify := func(text string) {
		mu.Lock()
		defer mu.Unlock()
		notices = append(notices, text)
	}
	mgr := NewWSManager(wsConfig(), &recordingHandler{}, notify, infra.NewMetrics())
	worker := mgr.workers[0]

	// The watchdog only fires after the silence already lasted the full
	// timeout; the down notice must fire on the first detection, not a
	// second timeout later.
	worker.lastMsgNano.Store(time.Now().Add(-31 * time.Second).UnixNano())
	worker.markDisconnected("silence (no data)")

	mu.Lock()
	n := len(notices)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected the down notice on first detection, got %d notices", n)
	}
	if !strings.Contains(notices[0], "down") {
		t.Errorf("expected a down notice, got %q", notices[0])
	}

	// Recovery reports the full silence, not just the reconnect time.
	worker.notifyRecovered()
	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 2 {
		t.Fatalf("expected a recovery notice, got %d notices", len(notices))
	}
	var downSec int
	if _, err := fmt.Sscanf(notices[1][strings.Index(notices[1], "downtime:"):], "downtime: %ds", &downSec); err != nil {
		t.Fatalf("cannot parse downtime from %q: %v", notices[1], err)
	}
	if downSec < 30 {
		t.Errorf("reported downtime %ds undercounts a ~31s silence", downSec)
	}
}

func TestMarkDisconnected_ShortDropStaysQuiet(t *testing.T) {
	var mu sync.Mutex
	var notices []string
	notify := func(text string) {
		mu.Lock()
		defer mu.Unlock()
		notices = append(notices, text)
	}
	mgr := NewWSManager(wsConfig(), &recordingHandler{}, notify, infra.NewMetrics())
	worker := mgr.workers[0]

	worker.lastMsgNano.Store(time.Now().Add(-time.Second).UnixNano())
	worker.markDisconnected("stream closed")

	mu.Lock()
	n := len(notices)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("a 1s drop must not emit the down notice, got %d notices", n)
	}

	// The recovery notice still fires and the clock resets for next time.
	worker.notifyRecovered()
	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 1 || !strings.Contains(notices[0], "recovered") {
		t.Fatalf("expected only the recovery notice, got %v", notices)
	}
	if !worker.disconnectAt.IsZero() {
		t.Error("outage clock must reset after recovery")
	}
}

func TestMarkDisconnected_NeverConnected(t *testing.T) {
	mgr := NewWSManager(wsConfig(), &recordingHandler{}, nil, infra.NewMetrics())
	worker := mgr.workers[0]

	// No message ever arrived: the clock starts at the failure itself.
	before := time.Now()
	worker.markDisconnected("connect: refused")
	if worker.disconnectAt.Before(before.Add(-time.Second)) {
		t.Errorf("with no last message the outage clock must start now, got %s", worker.disconnectAt)
	}
}

func TestBackoffProgression(t *testing.T) {
	base := 5 * time.Second
	max := 300 * time.Second
	want := []int{10, 20, 40, 80, 160, 300, 300}

	delay := base
	for i, w := range want {
		delay = minDuration(delay*2, max)
		if delay != time.Duration(w)*time.Second {
			t.Fatalf("step %d: expected %ds, got %s", i, w, delay)
		}
	}
}
