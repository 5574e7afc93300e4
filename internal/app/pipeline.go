package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wallwatch/internal/alerts"
	"wallwatch/internal/book"
	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
	"wallwatch/internal/infra/binance"
	"wallwatch/internal/infra/storage"
	"wallwatch/internal/liq"
	"wallwatch/internal/trades"
	"wallwatch/internal/walls"

	"github.com/shopspring/decimal"
)

// Pipeline connects the stream manager to the per-market books and the
// downstream consumers. It implements binance.Handler.
type Pipeline struct {
	cfg     *infra.Config
	store   *storage.Storage
	metrics *infra.Metrics

	Books       map[domain.Market]*book.OrderBook
	Tracker     *walls.Tracker
	Aggregator  *trades.Aggregator
	Filter      *liq.Filter
	Digests     *liq.DigestRunner
	Router      *alerts.Router
	Coordinator *book.SnapshotCoordinator

	refreshCh chan domain.Market
}

// NewPipeline wires the component DAG. The router must already be
// constructed (its channel resolution is fatal on failure).
func NewPipeline(cfg *infra.Config, store *storage.Storage, metrics *infra.Metrics, router *alerts.Router, rest *binance.RestClient) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		store:     store,
		metrics:   metrics,
		Router:    router,
		refreshCh: make(chan domain.Market, 4),
	}

	p.Tracker = walls.NewTracker(cfg, store, router, metrics)
	p.Aggregator = trades.NewAggregator(cfg, store, router, metrics)
	p.Filter = liq.NewFilter(cfg, store, router, metrics)
	p.Digests = liq.NewDigestRunner(cfg, store, router)

	p.Books = make(map[domain.Market]*book.OrderBook, len(domain.Markets))
	books := make([]*book.OrderBook, 0, len(domain.Markets))
	for _, market := range domain.Markets {
		b := book.NewOrderBook(market, cfg.Thresholds.WallThresholdUSD, cfg.Limits.DiffBuffer, p.Tracker, metrics)
		p.Books[market] = b
		books = append(books, b)
	}
	p.Coordinator = book.NewSnapshotCoordinator(cfg, rest, books, p.notifySystem)

	return p
}

// notifySystem posts to the system channel through the router.
func (p *Pipeline) notifySystem(text string) {
	p.Router.Submit(domain.AlertRequest{
		Kind:       domain.AlertSystem,
		Text:       text,
		ProducedAt: time.Now(),
	})
}

// NotifySystem exposes the system channel for the stream manager.
func (p *Pipeline) NotifySystem(text string) { p.notifySystem(text) }

// OnDepth routes a depth diff to its book.
func (p *Pipeline) OnDepth(market domain.Market, ev *binance.DepthUpdate) {
	p.Books[market].ApplyDiff(ev)
}

// OnTrade classifies and forwards one aggTrade.
func (p *Pipeline) OnTrade(market domain.Market, ev *binance.AggTrade) {
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		slog.Warn("malformed trade price", slog.String("p", ev.Price))
		return
	}
	qty, err := decimal.NewFromString(ev.Quantity)
	if err != nil || qty.IsNegative() {
		slog.Warn("malformed trade qty", slog.String("q", ev.Quantity))
		return
	}

	// m=true means the buyer was the maker, so the taker sold.
	side := domain.SideBuy
	if ev.IsBuyerMaker {
		side = domain.SideSell
	}

	p.Aggregator.OnTrade(domain.TradeEvent{
		Market:   market,
		Side:     side,
		Price:    price,
		Qty:      qty,
		Notional: price.Mul(qty),
		Time:     time.UnixMilli(ev.TradeTime),
	})
}

// OnLiquidation forwards a forceOrder to the filter.
func (p *Pipeline) OnLiquidation(ev *binance.ForceOrder) {
	p.Filter.OnForceOrder(ev)
}

// OnConnected requests an out-of-schedule re-anchor: a fresh connection has
// no diff continuity with the previous one.
func (p *Pipeline) OnConnected(market domain.Market) {
	select {
	case p.refreshCh <- market:
	default:
	}
}

// RunRefreshRequests services reconnect-triggered anchors.
func (p *Pipeline) RunRefreshRequests(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case market := <-p.refreshCh:
			if err := p.Coordinator.Refresh(ctx, p.Books[market]); err != nil {
				slog.Error("reconnect re-anchor failed",
					slog.String("market", string(market)), slog.Any("error", err))
			}
		}
	}
}

// RunMinuteTask prunes ladders, persists per-minute depth snapshots and
// checks the imbalance and CVD-spike alerts.
func (p *Pipeline) RunMinuteTask(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.minuteSweep()
		}
	}
}

func (p *Pipeline) minuteSweep() {
	minuteEpoch := time.Now().Unix() / 60 * 60

	for market, b := range p.Books {
		if pruned := b.Prune(); pruned > 0 {
			slog.Debug("pruned distant levels",
				slog.String("market", string(market)), slog.Int("count", pruned))
		}
		if !b.Ready() {
			continue
		}

		summary := b.Summary()
		bands := b.DepthBands()
		if len(bands) == 0 {
			continue
		}

		rec := &storage.DepthSnapshotRecord{
			Market:       string(market),
			MinuteEpoch:  minuteEpoch,
			MidPrice:     summary.Mid.String(),
			SpreadPct:    summary.SpreadPct.InexactFloat64(),
			WallCountBid: summary.WallsBid,
			WallCountAsk: summary.WallsAsk,
		}
		for _, band := range bands {
			switch band.Label {
			case "1pct":
				rec.BidDepth1Pct = band.BidUSD.InexactFloat64()
				rec.AskDepth1Pct = band.AskUSD.InexactFloat64()
				rec.Imbalance1Pct = band.Imbalance.InexactFloat64()
			case "2pct":
				rec.BidDepth2Pct = band.BidUSD.InexactFloat64()
				rec.AskDepth2Pct = band.AskUSD.InexactFloat64()
				rec.Imbalance2Pct = band.Imbalance.InexactFloat64()
			case "5pct":
				rec.BidDepth5Pct = band.BidUSD.InexactFloat64()
				rec.AskDepth5Pct = band.AskUSD.InexactFloat64()
				rec.Imbalance5Pct = band.Imbalance.InexactFloat64()
			}
		}
		if err := p.store.InsertDepthSnapshot(rec); err != nil {
			p.metrics.StoreErrors.Inc()
			slog.Error("depth snapshot persist failed", slog.Any("error", err))
		}

		p.checkImbalance(market, rec.Imbalance1Pct)
		p.checkCVDSpike(market)
	}
}

func (p *Pipeline) checkImbalance(market domain.Market, imb float64) {
	threshold := p.cfg.Thresholds.ImbalanceAlert
	if imb < threshold && imb > -threshold {
		return
	}

	direction := domain.SideBid
	dominant := "BID heavy"
	if imb < 0 {
		direction = domain.SideAsk
		dominant = "ASK heavy"
	}
	bidPct := int((1 + imb) / 2 * 100)

	p.Router.Submit(domain.AlertRequest{
		Kind:        domain.AlertImbalance,
		Fingerprint: fmt.Sprintf("imbalance:%s:%s", market, direction),
		Text: fmt.Sprintf("⚖️ IMBALANCE — %s\n%s %d%% / %d%% (±1%%)",
			marketTitle(market), dominant, bidPct, 100-bidPct),
		ProducedAt: time.Now(),
	})
}

func (p *Pipeline) checkCVDSpike(market domain.Market) {
	since := time.Now().Add(-5 * time.Minute).Unix() / 60 * 60
	delta, err := p.store.CVDSince(string(market), since)
	if err != nil {
		p.metrics.StoreErrors.Inc()
		return
	}
	if delta < p.cfg.Thresholds.CVDSpikeUSD && delta > -p.cfg.Thresholds.CVDSpikeUSD {
		return
	}

	direction := domain.SideBuy
	label := "buyers"
	sign := "+"
	if delta < 0 {
		direction = domain.SideSell
		label = "sellers"
		sign = "-"
	}

	p.Router.Submit(domain.AlertRequest{
		Kind:        domain.AlertCVDSpike,
		Fingerprint: fmt.Sprintf("cvd_spike:%s:%s", market, direction),
		Text: fmt.Sprintf("📊 CVD SPIKE — %s\n%s%s in 5 min (%s)",
			marketTitle(market), sign, alerts.FormatUSDf(delta), label),
		ProducedAt: time.Now(),
	})
}

// RunRetention sweeps aged rows once a day.
func (p *Pipeline) RunRetention(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(p.cfg.Timing.RetentionDays) * 24 * time.Hour).UnixMilli()
			if err := p.store.DeleteOlderThan(cutoff); err != nil {
				p.metrics.StoreErrors.Inc()
				slog.Error("retention sweep failed", slog.Any("error", err))
			} else {
				slog.Info("retention sweep done")
			}
		}
	}
}

// MidOf returns a closure view of the current mid for the tracker loops.
func (p *Pipeline) MidOf(market domain.Market) decimal.Decimal {
	return p.Books[market].Mid()
}

func marketTitle(m domain.Market) string {
	if m == domain.MarketFutures {
		return "Futures"
	}
	return "Spot"
}
