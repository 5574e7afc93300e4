package liq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wallwatch/internal/alerts"
	"wallwatch/internal/domain"
	"wallwatch/internal/infra"

	"github.com/shopspring/decimal"
)

// DigestStore is the aggregate-query surface behind digests.
type DigestStore interface {
	TradeTotalsSince(market string, sinceMs int64) (buyUSD, sellUSD float64, count int64, err error)
	LiquidationTotalsSince(sinceMs int64) (longUSD, shortUSD float64, count int64, err error)
	WallsClosedSince(sinceMs int64) (opened, closed int64, err error)
	PriceRange(market string, sinceEpoch int64) (first, last string, err error)
	CVDSince(market string, sinceEpoch int64) (float64, error)
}

// DigestRunner wakes every 30s and emits a digest whenever the wall-clock
// minute is a boundary of an enabled period aligned to the hour.
type DigestRunner struct {
	cfg   *infra.Config
	store DigestStore
	sink  AlertSink

	lastFired map[int]int64 // period minutes -> minute epoch last fired
}

// NewDigestRunner builds the runner for the configured periods.
func NewDigestRunner(cfg *infra.Config, store DigestStore, sink AlertSink) *DigestRunner {
	return &DigestRunner{
		cfg:       cfg,
		store:     store,
		sink:      sink,
		lastFired: make(map[int]int64),
	}
}

// Run drives the boundary check until ctx ends.
func (d *DigestRunner) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Check(time.Now())
		}
	}
}

// Check fires digests due at the given instant. Idempotent within a minute.
func (d *DigestRunner) Check(now time.Time) {
	utc := now.UTC()
	minuteOfHour := utc.Minute()
	minuteEpoch := utc.Unix() / 60 * 60

	for _, period := range d.cfg.DigestPeriodsMin {
		if minuteOfHour%period != 0 {
			continue
		}
		if d.lastFired[period] == minuteEpoch {
			continue
		}
		d.lastFired[period] = minuteEpoch
		d.emit(period, now)
	}
}

func (d *DigestRunner) emit(period int, now time.Time) {
	sinceMs := now.Add(-time.Duration(period) * time.Minute).UnixMilli()
	sinceEpoch := sinceMs / 1000

	var lines []string
	lines = append(lines, fmt.Sprintf("📊 %d-minute digest", period))

	// Price change, futures leading.
	if first, last, err := d.store.PriceRange(string(domain.MarketFutures), sinceEpoch); err == nil && first != "" {
		fp, errF := decimal.NewFromString(first)
		lp, errL := decimal.NewFromString(last)
		if errF == nil && errL == nil && fp.IsPositive() {
			change := lp.Sub(fp).Div(fp).Mul(decimal.NewFromInt(100))
			lines = append(lines, fmt.Sprintf("💰 BTC: %s → %s (%s)",
				alerts.FormatPrice(fp), alerts.FormatPrice(lp), alerts.FormatSignedPct(change)))
		}
	}

	for _, market := range domain.Markets {
		buyUSD, sellUSD, count, err := d.store.TradeTotalsSince(string(market), sinceMs)
		if err != nil || count == 0 {
			continue
		}
		delta := buyUSD - sellUSD
		sign := "+"
		if delta < 0 {
			sign = "-"
		}
		lines = append(lines, fmt.Sprintf("🐋 %s large trades: %d, Δ %s%s",
			marketTitle(market), count, sign, alerts.FormatUSDf(delta)))
	}

	if longUSD, shortUSD, count, err := d.store.LiquidationTotalsSince(sinceMs); err == nil && count > 0 {
		lines = append(lines, fmt.Sprintf("💀 Liquidations: %d (long %s / short %s)",
			count, alerts.FormatUSDf(longUSD), alerts.FormatUSDf(shortUSD)))
	}

	if opened, closed, err := d.store.WallsClosedSince(sinceMs); err == nil && (opened > 0 || closed > 0) {
		lines = append(lines, fmt.Sprintf("🧱 Walls: %d new, %d gone", opened, closed))
	}

	for _, market := range domain.Markets {
		if cvd, err := d.store.CVDSince(string(market), sinceEpoch); err == nil && cvd != 0 {
			sign := "+"
			if cvd < 0 {
				sign = "-"
			}
			lines = append(lines, fmt.Sprintf("📈 %s CVD: %s%s", marketTitle(market), sign, alerts.FormatUSDf(cvd)))
		}
	}

	if len(lines) == 1 {
		slog.Debug("digest skipped, no activity", slog.Int("period_min", period))
		return
	}

	d.sink.Submit(domain.AlertRequest{
		Kind:       domain.AlertDigest,
		TopicKey:   fmt.Sprintf("digest_%dm", period),
		Text:       strings.Join(lines, "\n"),
		ProducedAt: now,
	})
}

func marketTitle(m domain.Market) string {
	if m == domain.MarketFutures {
		return "Futures"
	}
	return "Spot"
}
