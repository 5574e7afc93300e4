package walls

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wallwatch/internal/alerts"
	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
	"wallwatch/internal/infra/storage"

	"github.com/shopspring/decimal"
)

// WallStore is the persistence surface the tracker needs.
type WallStore interface {
	OpenWall(rec *storage.WallRecord) error
	UpdateWall(market, side, price string, detectedAt int64, qty string, notional, peak float64) error
	ConfirmWall(market, side, price string, detectedAt, confirmedAt int64) error
	CloseWall(market, side, price string, detectedAt, endedAt int64, lifetimeSec float64, reason string) error
	LoadOpenWalls() ([]storage.WallRecord, error)
}

// AlertSink accepts rendered alert requests.
type AlertSink interface {
	Submit(req domain.AlertRequest)
}

const spoofLogCap = 32

// Tracker owns the wall registry: lifecycle promotion, alerts, spoof
// detection and persistence. The registry mutex is never held across store
// or sink calls.
type Tracker struct {
	cfg     *infra.Config
	store   WallStore
	sink    AlertSink
	metrics *infra.Metrics

	mu       sync.Mutex
	registry map[domain.WallKey]*domain.Wall
	spoofLog map[domain.WallKey][]time.Time
}

// NewTracker builds an empty tracker.
func NewTracker(cfg *infra.Config, store WallStore, sink AlertSink, metrics *infra.Metrics) *Tracker {
	return &Tracker{
		cfg:      cfg,
		store:    store,
		sink:     sink,
		metrics:  metrics,
		registry: make(map[domain.WallKey]*domain.Wall),
		spoofLog: make(map[domain.WallKey][]time.Time),
	}
}

// Recover reloads open walls at cold start so lifetimes survive restarts.
func (t *Tracker) Recover() error {
	records, err := t.store.LoadOpenWalls()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		key := domain.WallKey{
			Market:   domain.Market(rec.Market),
			Side:     domain.Side(rec.Side),
			PriceStr: rec.Price,
		}
		qty, _ := decimal.NewFromString(rec.Qty)
		detected := time.UnixMilli(rec.DetectedAt)
		age := time.Since(detected)
		w := &domain.Wall{
			Key:          key,
			Qty:          qty,
			LastSeenQty:  qty,
			NotionalUSD:  decimal.NewFromFloat(rec.NotionalUSD),
			PeakUSD:      decimal.NewFromFloat(rec.PeakUSD),
			State:        domain.WallActive,
			DetectedAt:   detected,
			DetectedMono: time.Now().Add(-age),
			Alerted:      rec.NotionalUSD >= t.cfg.Thresholds.WallAlertUSD,
		}
		if rec.Confirmed {
			w.State = domain.WallConfirmed
			w.ConfirmedAt = time.UnixMilli(rec.ConfirmedAt)
		}
		t.registry[key] = w
	}
	if len(records) > 0 {
		slog.Info("recovered open walls", slog.Int("count", len(records)))
	}
	return nil
}

// OnWallSeen handles a wall sighting from a book scan: registration on
// first sight, size updates afterwards, and the new-wall alert once the
// notional crosses the alert threshold.
func (t *Tracker) OnWallSeen(ev domain.WallSeen) {
	now := time.Now()

	t.mu.Lock()
	w, exists := t.registry[ev.Key]
	var persistOpen *storage.WallRecord
	persistUpdate := false

	if !exists {
		// Candidate promotes to Active on the same event; the distinction
		// only pins the mid used for distance at first sight.
		w = &domain.Wall{
			Key:          ev.Key,
			Qty:          ev.Qty,
			LastSeenQty:  ev.Qty,
			NotionalUSD:  ev.Notional,
			PeakUSD:      ev.Notional,
			FirstSeenMid: ev.Mid,
			State:        domain.WallActive,
			DetectedAt:   now,
			DetectedMono: now,
		}
		t.registry[ev.Key] = w

		log := append(t.spoofLog[ev.Key], now)
		if len(log) > spoofLogCap {
			log = log[len(log)-spoofLogCap:]
		}
		t.spoofLog[ev.Key] = log

		persistOpen = &storage.WallRecord{
			Market:      string(ev.Key.Market),
			Side:        string(ev.Key.Side),
			Price:       ev.Key.PriceStr,
			DetectedAt:  now.UnixMilli(),
			Qty:         ev.Qty.String(),
			NotionalUSD: ev.Notional.InexactFloat64(),
			PeakUSD:     ev.Notional.InexactFloat64(),
			DistancePct: ev.Key.SignedDistance(ev.Mid).InexactFloat64(),
		}
	} else {
		if !ev.Qty.Equal(w.LastSeenQty) {
			w.Qty = ev.Qty
			w.LastSeenQty = ev.Qty
			w.NotionalUSD = ev.Notional
			if ev.Notional.GreaterThan(w.PeakUSD) {
				w.PeakUSD = ev.Notional
				persistUpdate = true
			}
		}
	}

	var alert *domain.AlertRequest
	if !w.Alerted && ev.Notional.GreaterThanOrEqual(decimal.NewFromFloat(t.cfg.Thresholds.WallAlertUSD)) {
		w.Alerted = true
		alert = t.newWallAlertLocked(w, ev, now)
	}

	detectedAt := w.DetectedAt.UnixMilli()
	qtyStr := w.Qty.String()
	notional := w.NotionalUSD.InexactFloat64()
	peak := w.PeakUSD.InexactFloat64()
	t.mu.Unlock()

	if persistOpen != nil {
		if err := t.store.OpenWall(persistOpen); err != nil {
			t.metrics.StoreErrors.Inc()
			slog.Error("wall open persist failed", slog.Any("error", err))
		}
	}
	if persistUpdate {
		if err := t.store.UpdateWall(string(ev.Key.Market), string(ev.Key.Side), ev.Key.PriceStr, detectedAt, qtyStr, notional, peak); err != nil {
			t.metrics.StoreErrors.Inc()
			slog.Error("wall update persist failed", slog.Any("error", err))
		}
	}
	if alert != nil {
		t.sink.Submit(*alert)
	}
}

// newWallAlertLocked renders the new-wall alert, including the spoof
// warning when the key re-appeared within the window.
func (t *Tracker) newWallAlertLocked(w *domain.Wall, ev domain.WallSeen, now time.Time) *domain.AlertRequest {
	window := time.Duration(t.cfg.Timing.SpoofWindowSec) * time.Second
	log := t.spoofLog[ev.Key]
	kept := log[:0]
	for _, ts := range log {
		if now.Sub(ts) <= window {
			kept = append(kept, ts)
		}
	}
	t.spoofLog[ev.Key] = kept

	dist := ev.Key.SignedDistance(ev.Mid)
	text := fmt.Sprintf("🧱 NEW WALL — %s %s\n💰 %s @ %s\n📏 %s from mid",
		title(ev.Key.Market), sideLabel(ev.Key.Side),
		alerts.FormatUSD(ev.Notional), alerts.FormatPrice(ev.Price),
		alerts.FormatSignedPct(dist))
	if len(kept) >= 2 {
		text += fmt.Sprintf("\n⚠️ possible spoofing: %d appearances in the last hour", len(kept))
	}

	return &domain.AlertRequest{
		Kind:        domain.AlertWallNew,
		TopicKey:    fmt.Sprintf("walls_%s_%s", ev.Key.Market, ev.Key.Side),
		Fingerprint: fmt.Sprintf("wall_new:%s:%s:%s", ev.Key.Market, ev.Key.Side, ev.Key.PriceStr),
		Text:        text,
		ProducedAt:  now,
	}
}

// OnWallGone retires a wall. Age is read before the registry entry is
// removed; a confirmed wall additionally emits the confirmed-gone alert.
func (t *Tracker) OnWallGone(ev domain.WallGone) {
	now := time.Now()

	t.mu.Lock()
	w, exists := t.registry[ev.Key]
	if !exists {
		t.mu.Unlock()
		return
	}
	age := time.Since(w.DetectedMono)
	wasConfirmed := w.State == domain.WallConfirmed
	priorNotional := w.NotionalUSD
	peak := w.PeakUSD
	detectedAt := w.DetectedAt.UnixMilli()
	delete(t.registry, ev.Key)
	t.mu.Unlock()

	if err := t.store.CloseWall(string(ev.Key.Market), string(ev.Key.Side), ev.Key.PriceStr,
		detectedAt, now.UnixMilli(), age.Seconds(), string(ev.Reason)); err != nil {
		t.metrics.StoreErrors.Inc()
		slog.Error("wall close persist failed", slog.Any("error", err))
	}

	if wasConfirmed {
		t.sink.Submit(domain.AlertRequest{
			Kind:        domain.AlertConfirmedGone,
			TopicKey:    fmt.Sprintf("confirmed_walls_%s", ev.Key.Market),
			Fingerprint: fmt.Sprintf("confirmed_gone:%s:%s:%s", ev.Key.Market, ev.Key.Side, ev.Key.PriceStr),
			Text: fmt.Sprintf("🏰💥 CONFIRMED WALL GONE — %s %s\n💰 %s @ %s\n📊 reason: %s\n⏱ stood %s",
				title(ev.Key.Market), sideLabel(ev.Key.Side),
				alerts.FormatUSDf(priorNotional.InexactFloat64()), ev.Key.PriceStr,
				ev.Reason, alerts.FormatDuration(age)),
			ProducedAt: now,
		})
	}

	if priorNotional.GreaterThanOrEqual(decimal.NewFromFloat(t.cfg.Thresholds.WallCancelAlertUSD)) {
		t.sink.Submit(domain.AlertRequest{
			Kind:        domain.AlertWallGone,
			TopicKey:    fmt.Sprintf("walls_%s_%s", ev.Key.Market, ev.Key.Side),
			Fingerprint: fmt.Sprintf("wall_gone:%s:%s:%s", ev.Key.Market, ev.Key.Side, ev.Key.PriceStr),
			Text: fmt.Sprintf("💥 WALL GONE — %s %s\n💰 %s (peak %s) @ %s\n📊 reason: %s\n⏱ age: %s",
				title(ev.Key.Market), sideLabel(ev.Key.Side),
				alerts.FormatUSDf(priorNotional.InexactFloat64()),
				alerts.FormatUSDf(peak.InexactFloat64()),
				ev.Key.PriceStr, ev.Reason, alerts.FormatDuration(age)),
			ProducedAt: now,
		})
	}
}

// RunConfirmedChecker promotes long-standing near-mid walls every 10s.
func (t *Tracker) RunConfirmedChecker(ctx context.Context, mid func(domain.Market) decimal.Decimal) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckConfirmations(mid)
		}
	}
}

// CheckConfirmations runs one promotion sweep. Iteration goes over a
// materialized key snapshot so concurrent registry changes are safe.
func (t *Tracker) CheckConfirmations(mid func(domain.Market) decimal.Decimal) {
	threshold := decimal.NewFromFloat(t.cfg.Thresholds.ConfirmedWallUSD)
	maxDist := decimal.NewFromFloat(t.cfg.Thresholds.ConfirmedWallMaxDistPct)
	delay := time.Duration(t.cfg.Thresholds.ConfirmedWallDelaySec) * time.Second

	t.mu.Lock()
	keys := make([]domain.WallKey, 0, len(t.registry))
	for key := range t.registry {
		keys = append(keys, key)
	}
	t.mu.Unlock()

	now := time.Now()
	for _, key := range keys {
		currentMid := mid(key.Market)

		t.mu.Lock()
		w, exists := t.registry[key]
		if !exists || w.State != domain.WallActive {
			t.mu.Unlock()
			continue
		}
		dist := key.SignedDistance(currentMid)
		promote := w.NotionalUSD.GreaterThanOrEqual(threshold) &&
			dist.Abs().LessThanOrEqual(maxDist) &&
			now.Sub(w.DetectedMono) >= delay
		if !promote {
			t.mu.Unlock()
			continue
		}
		w.State = domain.WallConfirmed
		w.ConfirmedAt = now
		age := now.Sub(w.DetectedMono)
		notional := w.NotionalUSD
		detectedAt := w.DetectedAt.UnixMilli()
		t.mu.Unlock()

		if err := t.store.ConfirmWall(string(key.Market), string(key.Side), key.PriceStr, detectedAt, now.UnixMilli()); err != nil {
			t.metrics.StoreErrors.Inc()
			slog.Error("wall confirm persist failed", slog.Any("error", err))
		}

		t.sink.Submit(domain.AlertRequest{
			Kind:        domain.AlertConfirmedWall,
			TopicKey:    fmt.Sprintf("confirmed_walls_%s", key.Market),
			Fingerprint: fmt.Sprintf("confirmed_wall:%s:%s:%s", key.Market, key.Side, key.PriceStr),
			Text: fmt.Sprintf("🏰 CONFIRMED WALL — %s %s\n💰 %s @ %s\n📏 %s from mid\n⏱ standing %s",
				title(key.Market), sideLabel(key.Side),
				alerts.FormatUSDf(notional.InexactFloat64()), key.PriceStr,
				alerts.FormatSignedPct(dist), alerts.FormatDuration(age)),
			ProducedAt: now,
		})
	}
}

// ActiveWalls returns a display copy of the registry.
func (t *Tracker) ActiveWalls() []domain.Wall {
	t.mu.Lock()
	out := make([]domain.Wall, 0, len(t.registry))
	for _, w := range t.registry {
		out = append(out, *w)
	}
	t.mu.Unlock()
	return out
}

func title(m domain.Market) string {
	switch m {
	case domain.MarketSpot:
		return "Spot"
	case domain.MarketFutures:
		return "Futures"
	default:
		return string(m)
	}
}

func sideLabel(s domain.Side) string {
	switch s {
	case domain.SideBid:
		return "BID"
	case domain.SideAsk:
		return "ASK"
	default:
		return string(s)
	}
}
