package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
	"wallwatch/internal/infra/storage"
)

type sentMsg struct {
	topic string
	text  string
}

type fakeRouterSink struct {
	mu         sync.Mutex
	sent       []sentMsg
	failures   int // retriable failures before success
	permanent  bool
	resolveErr error
}

func (s *fakeRouterSink) ResolveTopics(keys []string) error {
	return s.resolveErr
}

func (s *fakeRouterSink) Send(_ context.Context, topic, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permanent {
		return domain.ErrPermanent
	}
	if s.failures > 0 {
		s.failures--
		return domain.NewNetworkError("send", errors.New("reset"))
	}
	s.sent = append(s.sent, sentMsg{topic: topic, text: text})
	return nil
}

func (s *fakeRouterSink) messages() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMsg, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakeRouterStore struct {
	mu   sync.Mutex
	logs []storage.AlertLogRecord
	prefs map[string]bool
}

func (s *fakeRouterStore) InsertAlertLog(rec *storage.AlertLogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *rec)
	return nil
}

func (s *fakeRouterStore) LoadNotificationSettings() (map[string]bool, error) {
	if s.prefs == nil {
		return map[string]bool{}, nil
	}
	return s.prefs, nil
}

func (s *fakeRouterStore) SetNotificationSetting(kind string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs == nil {
		s.prefs = map[string]bool{}
	}
	s.prefs[kind] = enabled
	return nil
}

func routerConfig() *infra.Config {
	cfg := &infra.Config{}
	cfg.Timing.BatchWaitMS = 40
	cfg.Timing.BatchThreshold = 3
	cfg.Timing.SinkTimeoutSec = 1
	cfg.Limits.AlertQueue = 100
	cfg.Cooldowns = map[string]int{"wall_new": 30}
	return cfg
}

func startRouter(t *testing.T, sink *fakeRouterSink, store *fakeRouterStore) *Router {
	t.Helper()
	r, err := NewRouter(routerConfig(), sink, store, infra.NewMetrics())
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRouter_UnknownTopicIsFatal(t *testing.T) {
	sink := &fakeRouterSink{resolveErr: domain.ErrUnknownTopic}
	_, err := NewRouter(routerConfig(), sink, &fakeRouterStore{}, infra.NewMetrics())
	if err == nil {
		t.Fatal("expected startup error on unresolved topic")
	}
	if !errors.Is(err, domain.ErrUnknownTopic) {
		t.Errorf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestRouter_StaticRouteFallback(t *testing.T) {
	sink := &fakeRouterSink{}
	r := startRouter(t, sink, &fakeRouterStore{})

	r.Submit(domain.AlertRequest{Kind: domain.AlertLiquidation, Text: "liq"})

	waitFor(t, time.Second, func() bool { return len(sink.messages()) == 1 })
	if got := sink.messages()[0].topic; got != "liquidations" {
		t.Errorf("expected static route liquidations, got %s", got)
	}
}

func TestRouter_TopicOverrideWins(t *testing.T) {
	sink := &fakeRouterSink{}
	r := startRouter(t, sink, &fakeRouterStore{})

	r.Submit(domain.AlertRequest{Kind: domain.AlertWallNew, TopicKey: "walls_spot_ask", Text: "wall"})

	waitFor(t, time.Second, func() bool { return len(sink.messages()) == 1 })
	if got := sink.messages()[0].topic; got != "walls_spot_ask" {
		t.Errorf("expected topic override, got %s", got)
	}
}

func TestRouter_CooldownDedup(t *testing.T) {
	sink := &fakeRouterSink{}
	r := startRouter(t, sink, &fakeRouterStore{})

	req := domain.AlertRequest{
		Kind:        domain.AlertWallNew,
		TopicKey:    "walls_futures_bid",
		Fingerprint: "wall_new:futures:bid:50000.00",
		Text:        "wall",
	}
	r.Submit(req)
	r.Submit(req) // within the 30s cooldown

	waitFor(t, time.Second, func() bool { return len(sink.messages()) >= 1 })
	time.Sleep(100 * time.Millisecond)
	if got := len(sink.messages()); got != 1 {
		t.Errorf("expected 1 delivered alert inside the cooldown, got %d", got)
	}
}

func TestRouter_MicroBatching(t *testing.T) {
	sink := &fakeRouterSink{}
	r := startRouter(t, sink, &fakeRouterStore{})

	// Four requests in the same window coalesce: the fourth exceeds the
	// batch threshold and flushes immediately.
	for i := 0; i < 4; i++ {
		r.Submit(domain.AlertRequest{
			Kind:     domain.AlertWallNew,
			TopicKey: "walls_spot_ask",
			Text:     "wall",
		})
	}

	waitFor(t, time.Second, func() bool { return len(sink.messages()) == 1 })
	first := sink.messages()[0]
	if !strings.Contains(first.text, "4 events") {
		t.Errorf("expected composite message, got %q", first.text)
	}

	// A straggler after the window is a separate message.
	time.Sleep(120 * time.Millisecond)
	r.Submit(domain.AlertRequest{
		Kind:     domain.AlertWallNew,
		TopicKey: "walls_spot_ask",
		Text:     "late wall",
	})
	waitFor(t, time.Second, func() bool { return len(sink.messages()) == 2 })
	if strings.Contains(sink.messages()[1].text, "events") {
		t.Errorf("single request must be sent as-is, got %q", sink.messages()[1].text)
	}
}

func TestRouter_RetriesTransientFailure(t *testing.T) {
	sink := &fakeRouterSink{failures: 1}
	r := startRouter(t, sink, &fakeRouterStore{})

	r.Submit(domain.AlertRequest{Kind: domain.AlertSystem, Text: "notice"})

	waitFor(t, 3*time.Second, func() bool { return len(sink.messages()) == 1 })
}

func TestRouter_PermanentFailureIsDropped(t *testing.T) {
	sink := &fakeRouterSink{permanent: true}
	r := startRouter(t, sink, &fakeRouterStore{})

	r.Submit(domain.AlertRequest{Kind: domain.AlertSystem, Text: "notice"})

	time.Sleep(200 * time.Millisecond)
	if got := len(sink.messages()); got != 0 {
		t.Errorf("permanent failure must not deliver, got %d", got)
	}
}

func TestRouter_DisabledKindIsDropped(t *testing.T) {
	sink := &fakeRouterSink{}
	store := &fakeRouterStore{prefs: map[string]bool{"large_trade": false}}
	r := startRouter(t, sink, store)

	r.Submit(domain.AlertRequest{Kind: domain.AlertLargeTrade, Text: "trade"})
	r.Submit(domain.AlertRequest{Kind: domain.AlertSystem, Text: "notice"})

	waitFor(t, time.Second, func() bool { return len(sink.messages()) == 1 })
	if got := sink.messages()[0].topic; got != "system" {
		t.Errorf("disabled kind must be dropped, delivered %s", got)
	}
}

func TestRouter_OrderPreservedWithinQueue(t *testing.T) {
	sink := &fakeRouterSink{}
	r := startRouter(t, sink, &fakeRouterStore{})

	r.Submit(domain.AlertRequest{Kind: domain.AlertSystem, Text: "first"})
	waitFor(t, time.Second, func() bool { return len(sink.messages()) == 1 })
	r.Submit(domain.AlertRequest{Kind: domain.AlertSystem, Text: "second"})
	waitFor(t, time.Second, func() bool { return len(sink.messages()) == 2 })

	msgs := sink.messages()
	if msgs[0].text != "first" || msgs[1].text != "second" {
		t.Errorf("delivery order broken: %v", msgs)
	}
}

func TestRouter_AlertLogWritten(t *testing.T) {
	sink := &fakeRouterSink{}
	store := &fakeRouterStore{}
	r := startRouter(t, sink, store)

	r.Submit(domain.AlertRequest{Kind: domain.AlertSystem, Text: "notice"})

	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.logs) == 1
	})
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.logs[0].Kind != "system" {
		t.Errorf("expected logged kind system, got %s", store.logs[0].Kind)
	}
}
