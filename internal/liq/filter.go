package liq

import (
	"fmt"
	"log/slog"
	"time"

	"wallwatch/internal/alerts"
	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
	"wallwatch/internal/infra/binance"
	"wallwatch/internal/infra/storage"

	"github.com/shopspring/decimal"
)

// LiqStore is the persistence surface the filter needs.
type LiqStore interface {
	InsertLiquidation(rec *storage.LiquidationRecord) error
}

// AlertSink accepts rendered alert requests.
type AlertSink interface {
	Submit(req domain.AlertRequest)
}

// Filter persists every BTC liquidation and alerts above the notional
// thresholds. Liquidations only exist on the futures stream.
type Filter struct {
	cfg     *infra.Config
	store   LiqStore
	sink    AlertSink
	metrics *infra.Metrics
}

// NewFilter builds the filter.
func NewFilter(cfg *infra.Config, store LiqStore, sink AlertSink, metrics *infra.Metrics) *Filter {
	return &Filter{cfg: cfg, store: store, sink: sink, metrics: metrics}
}

// OnForceOrder handles one forceOrder event.
func (f *Filter) OnForceOrder(ev *binance.ForceOrder) {
	if ev.Order.Symbol != infra.Symbol {
		return
	}

	liq, err := decode(ev)
	if err != nil {
		slog.Warn("malformed forceOrder", slog.Any("error", err))
		return
	}

	if err := f.store.InsertLiquidation(&storage.LiquidationRecord{
		Timestamp:   liq.Time.UnixMilli(),
		Side:        string(liq.Side),
		Price:       liq.Price.String(),
		Qty:         liq.Qty.String(),
		NotionalUSD: liq.Notional.InexactFloat64(),
		OrderType:   liq.OrderType,
	}); err != nil {
		f.metrics.StoreErrors.Inc()
		slog.Error("liquidation persist failed", slog.Any("error", err))
	}

	if liq.Notional.LessThan(decimal.NewFromFloat(f.cfg.Thresholds.LiquidationAlertUSD)) {
		return
	}
	f.sink.Submit(f.render(liq))
}

func decode(ev *binance.ForceOrder) (domain.LiquidationEvent, error) {
	// A SELL force order closes a long position.
	side := domain.SideShort
	if ev.Order.Side == "SELL" {
		side = domain.SideLong
	}

	priceStr := ev.Order.AvgPrice
	if priceStr == "" || priceStr == "0" {
		priceStr = ev.Order.Price
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.LiquidationEvent{}, fmt.Errorf("price %q: %w", priceStr, err)
	}
	qty, err := decimal.NewFromString(ev.Order.Quantity)
	if err != nil {
		return domain.LiquidationEvent{}, fmt.Errorf("qty %q: %w", ev.Order.Quantity, err)
	}

	return domain.LiquidationEvent{
		Side:      side,
		Price:     price,
		Qty:       qty,
		Notional:  price.Mul(qty),
		OrderType: ev.Order.OrderType,
		Time:      time.UnixMilli(ev.Order.TradeTime),
	}, nil
}

func (f *Filter) render(liq domain.LiquidationEvent) domain.AlertRequest {
	mega := liq.Notional.GreaterThanOrEqual(decimal.NewFromFloat(f.cfg.Thresholds.MegaLiquidationUSD))

	arrow := "🟢"
	if liq.Side == domain.SideLong {
		arrow = "🔴"
	}
	label := "LIQUIDATION"
	kind := domain.AlertLiquidation
	if mega {
		label = "MEGA LIQUIDATION"
		kind = domain.AlertMegaLiq
	}

	sideUpper := "SHORT"
	if liq.Side == domain.SideLong {
		sideUpper = "LONG"
	}

	return domain.AlertRequest{
		Kind:        kind,
		Fingerprint: fmt.Sprintf("%s:futures:%s", kind, liq.Side),
		Text: fmt.Sprintf("💀 %s — Futures\n%s %s %s @ %s\n🕒 %s UTC",
			label, arrow, sideUpper, alerts.FormatUSD(liq.Notional),
			alerts.FormatPrice(liq.Price), alerts.FormatTimestamp(liq.Time)),
		ProducedAt: time.Now(),
	}
}
