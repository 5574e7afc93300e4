package book

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
	"wallwatch/internal/infra/binance"
)

// DepthFetcher fetches REST depth anchors.
type DepthFetcher interface {
	FetchDepth(ctx context.Context, market domain.Market) (*binance.DepthSnapshot, error)
}

// SnapshotCoordinator anchors books to REST snapshots: once at cold start,
// hourly against silent drift, and out of schedule whenever a book reports
// a violation or stays not-ready past the tolerance.
type SnapshotCoordinator struct {
	cfg    *infra.Config
	rest   DepthFetcher
	books  []*OrderBook
	notify func(text string)

	desyncAlerted map[domain.Market]bool
}

// NewSnapshotCoordinator wires the coordinator. notify may be nil.
func NewSnapshotCoordinator(cfg *infra.Config, rest DepthFetcher, books []*OrderBook, notify func(string)) *SnapshotCoordinator {
	if notify == nil {
		notify = func(string) {}
	}
	return &SnapshotCoordinator{
		cfg:           cfg,
		rest:          rest,
		books:         books,
		notify:        notify,
		desyncAlerted: make(map[domain.Market]bool),
	}
}

// ColdStart anchors every book once. Failures leave the book invalid; the
// recovery loop keeps retrying.
func (c *SnapshotCoordinator) ColdStart(ctx context.Context) {
	for _, b := range c.books {
		if err := c.Refresh(ctx, b); err != nil {
			slog.Error("cold start anchor failed",
				slog.String("market", string(b.Market())), slog.Any("error", err))
		}
	}
}

// Refresh re-anchors one book. Invalidate runs strictly before the fetch so
// diffs arriving during the REST round-trip are buffered, not lost.
func (c *SnapshotCoordinator) Refresh(ctx context.Context, b *OrderBook) error {
	b.Invalidate()

	snap, err := c.rest.FetchDepth(ctx, b.Market())
	if err != nil {
		return err
	}
	b.ApplySnapshot(snap)
	return nil
}

// Run drives the hourly refresh and the 5s recovery loop until ctx ends.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	refresh := time.NewTicker(time.Duration(c.cfg.Timing.RefreshIntervalSec) * time.Second)
	defer refresh.Stop()
	recovery := time.NewTicker(5 * time.Second)
	defer recovery.Stop()

	tolerance := time.Duration(c.cfg.Timing.RecoveryToleranceSec) * time.Second

	for {
		select {
		case <-ctx.Done():
			return

		case <-refresh.C:
			for _, b := range c.books {
				if err := c.Refresh(ctx, b); err != nil {
					slog.Error("periodic refresh failed",
						slog.String("market", string(b.Market())), slog.Any("error", err))
				}
			}

		case <-recovery.C:
			for _, b := range c.books {
				violated, notReadyFor := b.ResyncState()
				if violated || notReadyFor > tolerance {
					slog.Info("recovery re-anchor",
						slog.String("market", string(b.Market())),
						slog.Bool("violated", violated),
						slog.Duration("not_ready_for", notReadyFor))
					if err := c.Refresh(ctx, b); err != nil {
						slog.Error("recovery re-anchor failed",
							slog.String("market", string(b.Market())), slog.Any("error", err))
					}
				}
				c.checkDesyncAlert(b, notReadyFor)
			}
		}
	}
}

// checkDesyncAlert emits a system notice once per multi-minute outage.
func (c *SnapshotCoordinator) checkDesyncAlert(b *OrderBook, notReadyFor time.Duration) {
	market := b.Market()
	if notReadyFor > 2*time.Minute {
		if !c.desyncAlerted[market] {
			c.desyncAlerted[market] = true
			c.notify(fmt.Sprintf("⚠️ %s orderbook desynced for %d min", market, int(notReadyFor.Minutes())))
		}
	} else if b.Ready() {
		c.desyncAlerted[market] = false
	}
}
