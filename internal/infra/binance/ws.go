package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wallwatch/internal/domain"
	"wallwatch/internal/infra"

	"github.com/gorilla/websocket"
)

// Handler receives decoded stream events in arrival order.
type Handler interface {
	OnDepth(market domain.Market, ev *DepthUpdate)
	OnTrade(market domain.Market, ev *AggTrade)
	OnLiquidation(ev *ForceOrder)
	OnConnected(market domain.Market)
}

// SystemNotifier posts connection lifecycle notices to the system channel.
type SystemNotifier func(text string)

// WSManager owns one combined-stream connection per market, each with its
// own silence watchdog and reconnect loop.
type WSManager struct {
	cfg     *infra.Config
	handler Handler
	notify  SystemNotifier
	metrics *infra.Metrics

	workers []*streamWorker
	wg      sync.WaitGroup
}

// NewWSManager wires both market streams. notify may be nil.
func NewWSManager(cfg *infra.Config, handler Handler, notify SystemNotifier, metrics *infra.Metrics) *WSManager {
	if notify == nil {
		notify = func(string) {}
	}
	m := &WSManager{cfg: cfg, handler: handler, notify: notify, metrics: metrics}
	m.workers = []*streamWorker{
		newStreamWorker(domain.MarketFutures, infra.FuturesWSURL, m),
		newStreamWorker(domain.MarketSpot, infra.SpotWSURL, m),
	}
	return m
}

// Start launches the connection loops. They run until Stop or ctx cancel.
func (m *WSManager) Start(ctx context.Context) {
	for _, w := range m.workers {
		w.running.Store(true)
		m.wg.Add(1)
		go func(w *streamWorker) {
			defer m.wg.Done()
			w.connectionLoop(ctx)
		}(w)
	}
}

// Stop flags operator shutdown and waits for the loops to exit.
func (m *WSManager) Stop() {
	for _, w := range m.workers {
		w.running.Store(false)
		w.closeConn()
	}
	m.wg.Wait()
}

// Connected reports whether the given market stream is up.
func (m *WSManager) Connected(market domain.Market) bool {
	for _, w := range m.workers {
		if w.market == market {
			return w.connected.Load()
		}
	}
	return false
}

// streamWorker is one combined-stream connection with reconnect and watchdog.
type streamWorker struct {
	market domain.Market
	url    string
	mgr    *WSManager

	conn    *websocket.Conn
	mu      sync.Mutex
	writeMu sync.Mutex

	running       atomic.Bool
	connected     atomic.Bool
	watchdogFired atomic.Bool
	lastMsgNano   atomic.Int64

	disconnectAt time.Time
	downAlerted  bool
}

func newStreamWorker(market domain.Market, wsURL string, mgr *WSManager) *streamWorker {
	return &streamWorker{market: market, url: wsURL, mgr: mgr}
}

func (w *streamWorker) connectionLoop(ctx context.Context) {
	cfg := w.mgr.cfg
	baseDelay := time.Duration(cfg.Timing.ReconnectDelaySec) * time.Second
	maxDelay := time.Duration(cfg.Timing.ReconnectMaxDelaySec) * time.Second
	delay := baseDelay

	for w.running.Load() {
		select {
		case <-ctx.Done():
			w.running.Store(false)
			return
		default:
		}

		conn, err := w.dial(ctx)
		if err != nil {
			slog.Warn("WS connect failed",
				slog.String("stream", string(w.market)), slog.Any("error", err))
			w.markDisconnected("connect: " + err.Error())
			if !w.sleep(ctx, delay) {
				return
			}
			delay = minDuration(delay*2, maxDelay)
			continue
		}

		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		w.connected.Store(true)
		w.lastMsgNano.Store(time.Now().UnixNano())
		slog.Info("WS connected", slog.String("stream", string(w.market)))

		w.mgr.handler.OnConnected(w.market)

		attemptCtx, cancelAttempt := context.WithCancel(ctx)
		go w.watchdog(attemptCtx, conn)

		gotFirst := w.readLoop(conn)
		cancelAttempt()

		// The manager owns the flag: every exit path lowers connected
		// before the reconnect decision.
		w.closeConn()
		w.connected.Store(false)

		if !w.running.Load() {
			return
		}

		if w.watchdogFired.Swap(false) {
			// Watchdog cancellation is local: reset backoff, go straight
			// back to dialing.
			w.markDisconnected("silence (no data)")
			delay = baseDelay
			continue
		}

		w.markDisconnected("stream closed")
		if gotFirst {
			delay = baseDelay
		}
		if !w.sleep(ctx, delay) {
			return
		}
		delay = minDuration(delay*2, maxDelay)
	}
}

func (w *streamWorker) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if w.mgr.cfg.ProxyURL != "" {
		proxy, err := url.Parse(w.mgr.cfg.ProxyURL)
		if err == nil {
			dialer.Proxy = http.ProxyURL(proxy)
		}
	}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	return conn, err
}

// readLoop consumes messages until the connection dies. Reports whether at
// least one valid message arrived.
func (w *streamWorker) readLoop(conn *websocket.Conn) bool {
	timeout := w.mgr.cfg.WatchdogTimeout()
	gotFirst := false

	for {
		conn.SetReadDeadline(time.Now().Add(timeout + 10*time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return gotFirst
		}

		w.lastMsgNano.Store(time.Now().UnixNano())
		if !gotFirst {
			gotFirst = true
			w.notifyRecovered()
		}

		if err := w.dispatch(msg); err != nil {
			slog.Error("WS message error",
				slog.String("stream", string(w.market)), slog.Any("error", err))
		}
	}
}

func (w *streamWorker) dispatch(msg []byte) error {
	var env StreamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return fmt.Errorf("envelope: %w", err)
	}

	metrics := w.mgr.metrics
	switch {
	case strings.Contains(env.Stream, "@depth"):
		var ev DepthUpdate
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("depthUpdate: %w", err)
		}
		metrics.EventsProcessed.WithLabelValues(string(w.market), "depth").Inc()
		w.mgr.handler.OnDepth(w.market, &ev)
	case strings.Contains(env.Stream, "@aggTrade"):
		var ev AggTrade
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("aggTrade: %w", err)
		}
		metrics.EventsProcessed.WithLabelValues(string(w.market), "trade").Inc()
		w.mgr.handler.OnTrade(w.market, &ev)
	case strings.Contains(env.Stream, "forceOrder"):
		var ev ForceOrder
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("forceOrder: %w", err)
		}
		metrics.EventsProcessed.WithLabelValues(string(w.market), "liquidation").Inc()
		w.mgr.handler.OnLiquidation(&ev)
	}
	return nil
}

// watchdog forces a reconnect when the stream goes silent. It never touches
// sibling streams.
func (w *streamWorker) watchdog(ctx context.Context, conn *websocket.Conn) {
	timeout := w.mgr.cfg.WatchdogTimeout()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, w.lastMsgNano.Load())
			if w.connected.Load() && time.Since(last) > timeout {
				slog.Warn("WS silence, forcing reconnect",
					slog.String("stream", string(w.market)),
					slog.Duration("silence", time.Since(last)))
				w.mgr.metrics.WatchdogFires.WithLabelValues(string(w.market)).Inc()
				w.watchdogFired.Store(true)
				conn.Close()
				return
			}
		}
	}
}

// markDisconnected records the outage start and emits the down notice once
// the outage has lasted the watchdog timeout. The outage clock anchors to
// the last message that actually arrived, not to when the drop was noticed:
// a watchdog-detected silence is already the timeout old by the time the
// connection loop sees it.
func (w *streamWorker) markDisconnected(reason string) {
	w.mgr.metrics.Reconnects.WithLabelValues(string(w.market)).Inc()
	if w.disconnectAt.IsZero() {
		if last := w.lastMsgNano.Load(); last > 0 {
			w.disconnectAt = time.Unix(0, last)
		} else {
			w.disconnectAt = time.Now()
		}
	}
	if !w.downAlerted && time.Since(w.disconnectAt) >= w.mgr.cfg.WatchdogTimeout() {
		w.downAlerted = true
		w.mgr.notify(fmt.Sprintf("🔴 %s stream down\nreason: %s", w.market, reason))
	}
}

func (w *streamWorker) notifyRecovered() {
	if w.disconnectAt.IsZero() {
		return
	}
	down := time.Since(w.disconnectAt)
	w.mgr.notify(fmt.Sprintf("✅ %s stream recovered\ndowntime: %ds", w.market, int(down.Seconds())))
	w.disconnectAt = time.Time{}
	w.downAlerted = false
}

func (w *streamWorker) closeConn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

func (w *streamWorker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		w.running.Store(false)
		return false
	case <-time.After(d):
		return w.running.Load()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
