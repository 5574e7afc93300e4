package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
	"wallwatch/internal/infra/storage"
)

// Sink is the outbound messaging client. Send blocks until delivered or
// failed; errors are classified through domain.IsRetriable.
type Sink interface {
	Send(ctx context.Context, topicKey string, text string) error
	ResolveTopics(keys []string) error
}

// RouterStore is the persistence surface the router needs.
type RouterStore interface {
	InsertAlertLog(rec *storage.AlertLogRecord) error
	LoadNotificationSettings() (map[string]bool, error)
	SetNotificationSetting(kind string, enabled bool) error
}

// staticRoute maps each alert kind to its default channel when the request
// carries no topic override.
var staticRoute = map[domain.AlertKind]string{
	domain.AlertWallNew:       "walls",
	domain.AlertWallGone:      "walls",
	domain.AlertConfirmedWall: "confirmed_walls",
	domain.AlertConfirmedGone: "confirmed_walls",
	domain.AlertLargeTrade:    "trades",
	domain.AlertMegaTrade:     "mega_events",
	domain.AlertLiquidation:   "liquidations",
	domain.AlertMegaLiq:       "mega_events",
	domain.AlertCVDSpike:      "cvd",
	domain.AlertImbalance:     "imbalance",
	domain.AlertDigest:        "digest_60m",
	domain.AlertSystem:        "system",
}

// RequiredTopics enumerates every channel key the process can route to,
// static routes plus the (market, side) splits. All of them must resolve at
// startup; a miss is fatal.
func RequiredTopics() []string {
	keys := map[string]bool{}
	for _, topic := range staticRoute {
		keys[topic] = true
	}
	for _, market := range domain.Markets {
		for _, side := range []domain.Side{domain.SideBid, domain.SideAsk} {
			keys[fmt.Sprintf("walls_%s_%s", market, side)] = true
		}
		for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
			keys[fmt.Sprintf("trades_%s_%s", market, side)] = true
		}
		keys[fmt.Sprintf("confirmed_walls_%s", market)] = true
	}
	for _, p := range []int{15, 30, 60} {
		keys[fmt.Sprintf("digest_%dm", p)] = true
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

type queueKey struct {
	kind  domain.AlertKind
	topic string
}

// channelQueue accumulates requests for one (kind, topic) pair and owns an
// ordered delivery lane.
type channelQueue struct {
	pending []domain.AlertRequest
	out     chan string
}

// Router accepts alert requests, applies notification toggles, per
// fingerprint cooldowns and micro-batching, and hands merged messages to
// per-queue delivery workers.
type Router struct {
	cfg     *infra.Config
	sink    Sink
	store   RouterStore
	metrics *infra.Metrics

	mu       sync.Mutex
	queues   map[queueKey]*channelQueue
	lastSent map[string]time.Time // fingerprint -> accept time
	enabled  map[string]bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	draining bool
}

// NewRouter resolves every routable channel up front; an unknown topic key
// aborts startup.
func NewRouter(cfg *infra.Config, sink Sink, store RouterStore, metrics *infra.Metrics) (*Router, error) {
	if err := sink.ResolveTopics(RequiredTopics()); err != nil {
		return nil, err
	}

	enabled, err := store.LoadNotificationSettings()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:      cfg,
		sink:     sink,
		store:    store,
		metrics:  metrics,
		queues:   make(map[queueKey]*channelQueue),
		lastSent: make(map[string]time.Time),
		enabled:  enabled,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Submit accepts one alert request. Never blocks on delivery.
func (r *Router) Submit(req domain.AlertRequest) {
	if req.ProducedAt.IsZero() {
		req.ProducedAt = time.Now()
	}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return
	}
	if on, known := r.enabled[string(req.Kind)]; known && !on {
		r.mu.Unlock()
		return
	}
	if req.Fingerprint != "" {
		cooldown := r.cfg.Cooldown(string(req.Kind))
		if cooldown > 0 {
			if last, ok := r.lastSent[req.Fingerprint]; ok && time.Since(last) < cooldown {
				r.mu.Unlock()
				r.metrics.AlertsDeduped.WithLabelValues(string(req.Kind)).Inc()
				return
			}
			r.lastSent[req.Fingerprint] = time.Now()
		}
	}

	key := queueKey{kind: req.Kind, topic: r.route(req)}
	q := r.ensureQueueLocked(key)
	q.pending = append(q.pending, req)
	flushNow := len(q.pending) > r.cfg.Timing.BatchThreshold
	if flushNow {
		r.flushLocked(key, q)
	}
	r.mu.Unlock()

	if err := r.store.InsertAlertLog(&storage.AlertLogRecord{
		Timestamp: req.ProducedAt.UnixMilli(),
		Kind:      string(req.Kind),
		TopicKey:  key.topic,
		Text:      req.Text,
	}); err != nil {
		r.metrics.StoreErrors.Inc()
		slog.Error("alert log persist failed", slog.Any("error", err))
	}
}

func (r *Router) route(req domain.AlertRequest) string {
	if req.TopicKey != "" {
		return req.TopicKey
	}
	return staticRoute[req.Kind]
}

func (r *Router) ensureQueueLocked(key queueKey) *channelQueue {
	q, ok := r.queues[key]
	if !ok {
		q = &channelQueue{out: make(chan string, r.cfg.Limits.AlertQueue)}
		r.queues[key] = q
		r.wg.Add(1)
		go r.deliverLoop(key, q)
	}
	return q
}

// flushLocked merges the pending batch into one outbound message and queues
// it for delivery. Oldest messages are dropped on overflow.
func (r *Router) flushLocked(key queueKey, q *channelQueue) {
	if len(q.pending) == 0 {
		return
	}
	var text string
	if len(q.pending) == 1 {
		text = q.pending[0].Text
	} else {
		text = fmt.Sprintf("⚡️ %d events (%s):\n\n", len(q.pending), key.kind)
		for i, req := range q.pending {
			if i > 0 {
				text += "\n---\n"
			}
			text += req.Text
		}
	}
	q.pending = q.pending[:0]

	for {
		select {
		case q.out <- text:
			return
		default:
			// Queue full: drop the oldest merged message and retry.
			select {
			case <-q.out:
				r.metrics.AlertsDropped.WithLabelValues(string(key.kind)).Inc()
				r.metrics.BufferOverflows.WithLabelValues("alert_queue").Inc()
			default:
			}
		}
	}
}

// Run drives the batch-deadline flusher until ctx ends, then drains.
func (r *Router) Run(ctx context.Context) {
	wait := time.Duration(r.cfg.Timing.BatchWaitMS) * time.Millisecond
	ticker := time.NewTicker(wait / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Shutdown()
			return
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for key, q := range r.queues {
				if len(q.pending) > 0 && now.Sub(q.pending[0].ProducedAt) >= wait {
					r.flushLocked(key, q)
				}
			}
			r.mu.Unlock()
		}
	}
}

// Shutdown flushes pending batches and gives delivery workers a bounded
// grace period.
func (r *Router) Shutdown() {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for key, q := range r.queues {
		r.flushLocked(key, q)
		close(q.out)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("alert router drain timed out")
	}
	r.cancel()
}

// deliverLoop sends merged messages for one queue in production order.
func (r *Router) deliverLoop(key queueKey, q *channelQueue) {
	defer r.wg.Done()
	for text := range q.out {
		r.send(key, text)
	}
}

// send retries transient failures with 1s/2s/4s delays; a permanent failure
// is logged and dropped. The router never halts on sink errors.
func (r *Router) send(key queueKey, text string) {
	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	timeout := time.Duration(r.cfg.Timing.SinkTimeoutSec) * time.Second

	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := r.sink.Send(ctx, key.topic, text)
		cancel()
		if err == nil {
			r.metrics.AlertsSent.WithLabelValues(string(key.kind)).Inc()
			return
		}
		if !domain.IsRetriable(err) {
			slog.Error("alert dropped: permanent sink failure",
				slog.String("topic", key.topic), slog.Any("error", err))
			r.metrics.AlertsDropped.WithLabelValues(string(key.kind)).Inc()
			return
		}
		slog.Warn("sink send failed",
			slog.String("topic", key.topic), slog.Int("attempt", attempt+1), slog.Any("error", err))
		if attempt < len(delays) {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(delays[attempt]):
			}
		}
	}
	r.metrics.AlertsDropped.WithLabelValues(string(key.kind)).Inc()
}

// SetEnabled persists and applies one notification toggle.
func (r *Router) SetEnabled(kind domain.AlertKind, on bool) error {
	if err := r.store.SetNotificationSetting(string(kind), on); err != nil {
		return err
	}
	r.mu.Lock()
	r.enabled[string(kind)] = on
	r.mu.Unlock()
	return nil
}
