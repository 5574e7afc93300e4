package trades

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

// TradeStore is the persistence surface the aggregator needs.
type TradeStore interface {
	InsertLargeTrade(rec *storage.LargeTradeRecord) error
	UpsertTradeBucket(rec *storage.TradeBucketRecord) error
	CVDSince(market string, sinceEpoch int64) (float64, error)
}

// AlertSink accepts rendered alert requests.
type AlertSink interface {
	Submit(req domain.AlertRequest)
}

// bucket accumulates one minute of classified trades.
type bucket struct {
	buyVolUSD  decimal.Decimal
	sellVolUSD decimal.Decimal
	vwapNum    decimal.Decimal
	vwapDen    decimal.Decimal
	maxTrade   decimal.Decimal
	tradeCount int64
}

func (b *bucket) add(ev domain.TradeEvent) {
	if ev.Side == domain.SideBuy {
		b.buyVolUSD = b.buyVolUSD.Add(ev.Notional)
	} else {
		b.sellVolUSD = b.sellVolUSD.Add(ev.Notional)
	}
	b.vwapNum = b.vwapNum.Add(ev.Price.Mul(ev.Qty))
	b.vwapDen = b.vwapDen.Add(ev.Qty)
	if ev.Notional.GreaterThan(b.maxTrade) {
		b.maxTrade = ev.Notional
	}
	b.tradeCount++
}

func (b *bucket) delta() decimal.Decimal {
	return b.buyVolUSD.Sub(b.sellVolUSD)
}

func (b *bucket) vwap() decimal.Decimal {
	if b.vwapDen.IsPositive() {
		return b.vwapNum.Div(b.vwapDen)
	}
	return decimal.Zero
}

func (b *bucket) empty() bool {
	return b.tradeCount == 0
}

type marketAgg struct {
	minuteEpoch int64 // unix seconds of the current minute
	bucket      bucket
	cvd         decimal.Decimal
}

// Aggregator classifies trades, maintains 1-minute buckets per market and
// the running CVD, and emits large/mega trade alerts.
type Aggregator struct {
	cfg     *infra.Config
	store   TradeStore
	sink    AlertSink
	metrics *infra.Metrics

	mu       sync.Mutex
	markets  map[domain.Market]*marketAgg
	resetDay int // UTC yearday of the last CVD reset
}

// NewAggregator builds an empty aggregator for both markets.
func NewAggregator(cfg *infra.Config, store TradeStore, sink AlertSink, metrics *infra.Metrics) *Aggregator {
	now := time.Now()
	agg := &Aggregator{
		cfg:      cfg,
		store:    store,
		sink:     sink,
		metrics:  metrics,
		markets:  make(map[domain.Market]*marketAgg),
		resetDay: now.UTC().YearDay(),
	}
	for _, m := range domain.Markets {
		agg.markets[m] = &marketAgg{minuteEpoch: now.Unix() / 60 * 60}
	}
	return agg
}

// RecoverCVD rehydrates the running CVD from the persisted bucket tail
// since midnight UTC.
func (a *Aggregator) RecoverCVD() error {
	midnight := midnightUTC(time.Now())
	for _, m := range domain.Markets {
		total, err := a.store.CVDSince(string(m), midnight)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.markets[m].cvd = decimal.NewFromFloat(total)
		a.mu.Unlock()
		if total != 0 {
			slog.Info("CVD recovered", slog.String("market", string(m)), slog.Float64("cvd", total))
		}
	}
	return nil
}

// OnTrade processes one classified trade: bucket accounting plus the
// large-trade path. Persistence happens outside the aggregator lock.
func (a *Aggregator) OnTrade(ev domain.TradeEvent) {
	minute := ev.Time.Unix() / 60 * 60

	a.mu.Lock()
	m := a.markets[ev.Market]
	var completed *storage.TradeBucketRecord
	if minute > m.minuteEpoch {
		completed = a.flushLocked(ev.Market, m)
		m.minuteEpoch = minute
	}
	m.bucket.add(ev)
	a.mu.Unlock()

	if completed != nil {
		a.persistBucket(completed)
	}

	threshold := decimal.NewFromFloat(a.cfg.LargeTradeThreshold(ev.Market.IsFutures()))
	if ev.Notional.LessThan(threshold) {
		return
	}

	if err := a.store.InsertLargeTrade(&storage.LargeTradeRecord{
		Timestamp:   ev.Time.UnixMilli(),
		Market:      string(ev.Market),
		Side:        string(ev.Side),
		Price:       ev.Price.String(),
		Qty:         ev.Qty.String(),
		NotionalUSD: ev.Notional.InexactFloat64(),
	}); err != nil {
		a.metrics.StoreErrors.Inc()
		slog.Error("large trade persist failed", slog.Any("error", err))
	}

	a.sink.Submit(a.renderTradeAlert(ev))
}

func (a *Aggregator) renderTradeAlert(ev domain.TradeEvent) domain.AlertRequest {
	mega := ev.Notional.GreaterThanOrEqual(decimal.NewFromFloat(a.cfg.Thresholds.MegaTradeUSD))

	arrow := "🟢"
	if ev.Side == domain.SideSell {
		arrow = "🔴"
	}
	label, emoji := "LARGE TRADE", "🐋"
	kind := domain.AlertLargeTrade
	topic := fmt.Sprintf("trades_%s_%s", ev.Market, ev.Side)
	if mega {
		label, emoji = "MEGA TRADE", "🚨"
		kind = domain.AlertMegaTrade
		topic = "" // static route: mega_events
	}

	return domain.AlertRequest{
		Kind:        kind,
		TopicKey:    topic,
		Fingerprint: fmt.Sprintf("%s:%s:%s", kind, ev.Market, ev.Side),
		Text: fmt.Sprintf("%s %s — %s\n%s %s %s @ %s\n🕒 %s UTC",
			emoji, label, marketTitle(ev.Market),
			arrow, sideUpper(ev.Side), alerts.FormatUSD(ev.Notional),
			alerts.FormatPrice(ev.Price), alerts.FormatTimestamp(ev.Time)),
		ProducedAt: time.Now(),
	}
}

// flushLocked closes the current bucket and returns its record. CVD rolls
// forward at bucket close so the running sum equals the persisted series.
func (a *Aggregator) flushLocked(market domain.Market, m *marketAgg) *storage.TradeBucketRecord {
	if m.bucket.empty() {
		return nil
	}
	delta := m.bucket.delta()
	m.cvd = m.cvd.Add(delta)

	rec := &storage.TradeBucketRecord{
		Market:        string(market),
		MinuteEpoch:   m.minuteEpoch,
		BuyVolumeUSD:  m.bucket.buyVolUSD.InexactFloat64(),
		SellVolumeUSD: m.bucket.sellVolUSD.InexactFloat64(),
		DeltaUSD:      delta.InexactFloat64(),
		CVDUSD:        m.cvd.InexactFloat64(),
		VWAP:          m.bucket.vwap().InexactFloat64(),
		TradeCount:    m.bucket.tradeCount,
		MaxTradeUSD:   m.bucket.maxTrade.InexactFloat64(),
	}
	m.bucket = bucket{}
	return rec
}

func (a *Aggregator) persistBucket(rec *storage.TradeBucketRecord) {
	if err := a.store.UpsertTradeBucket(rec); err != nil {
		a.metrics.StoreErrors.Inc()
		slog.Error("bucket persist failed", slog.Any("error", err))
	}
}

// Flush closes any completed buckets. Called by the minute flusher and at
// shutdown (force closes the in-progress bucket too).
func (a *Aggregator) Flush(force bool) {
	nowMinute := time.Now().Unix() / 60 * 60

	a.mu.Lock()
	var records []*storage.TradeBucketRecord
	for market, m := range a.markets {
		if force || nowMinute > m.minuteEpoch {
			if rec := a.flushLocked(market, m); rec != nil {
				records = append(records, rec)
			}
			if nowMinute > m.minuteEpoch {
				m.minuteEpoch = nowMinute
			}
		}
	}
	a.mu.Unlock()

	for _, rec := range records {
		a.persistBucket(rec)
	}
}

// RunFlusher drives the minute flush and the midnight CVD reset.
func (a *Aggregator) RunFlusher(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.Flush(true)
			return
		case <-ticker.C:
			a.Flush(false)
			a.maybeResetCVD()
		}
	}
}

func (a *Aggregator) maybeResetCVD() {
	day := time.Now().UTC().YearDay()
	a.mu.Lock()
	defer a.mu.Unlock()
	if day == a.resetDay {
		return
	}
	a.resetDay = day
	for market, m := range a.markets {
		m.cvd = decimal.Zero
		slog.Info("CVD reset at midnight UTC", slog.String("market", string(market)))
	}
}

// CVD returns the running cumulative volume delta for one market.
func (a *Aggregator) CVD(market domain.Market) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markets[market].cvd
}

func midnightUTC(now time.Time) int64 {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

func marketTitle(m domain.Market) string {
	if m == domain.MarketFutures {
		return "Futures"
	}
	return "Spot"
}

func sideUpper(s domain.Side) string {
	if s == domain.SideBuy {
		return "BUY"
	}
	return "SELL"
}
