package book

import (
	"context"
	"errors"
	"sync"
	"testing"

	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
	"wallwatch/internal/infra/binance"
)

type fakeFetcher struct {
	mu     sync.Mutex
	snaps  map[domain.Market]*binance.DepthSnapshot
	err    error
	calls  int
	during func() // runs between Invalidate and ApplySnapshot, via FetchDepth
}

func (f *fakeFetcher) FetchDepth(_ context.Context, market domain.Market) (*binance.DepthSnapshot, error) {
	f.mu.Lock()
	f.calls++
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.snaps[market], nil
}

func coordConfig() *infra.Config {
	cfg := &infra.Config{}
	cfg.Timing.RefreshIntervalSec = 3600
	cfg.Timing.RecoveryToleranceSec = 10
	return cfg
}

func TestColdStart_AnchorsAllBooks(t *testing.T) {
	futures, _ := newTestBook(t, domain.MarketFutures)
	spot, _ := newTestBook(t, domain.MarketSpot)

	fetcher := &fakeFetcher{snaps: map[domain.Market]*binance.DepthSnapshot{
		domain.MarketFutures: snapshot(100),
		domain.MarketSpot:    snapshot(200),
	}}
	coord := NewSnapshotCoordinator(coordConfig(), fetcher, []*OrderBook{futures, spot}, nil)

	coord.ColdStart(context.Background())

	if !futures.Ready() || !spot.Ready() {
		t.Fatal("both books must be ready after cold start")
	}
	if futures.Summary().LastUpdateID != 100 || spot.Summary().LastUpdateID != 200 {
		t.Error("anchors not installed")
	}
}

func TestRefresh_InvalidatesBeforeFetch(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	fetcher := &fakeFetcher{snaps: map[domain.Market]*binance.DepthSnapshot{
		domain.MarketFutures: snapshot(100),
	}}
	coord := NewSnapshotCoordinator(coordConfig(), fetcher, []*OrderBook{b}, nil)
	coord.ColdStart(context.Background())
	b.ApplyDiff(diff(100, 105, 99, [][2]string{{"50000.00", "3.0"}}, nil))

	// Diffs arriving during the REST round-trip must land in the buffer
	// and replay after the new anchor.
	fetcher.mu.Lock()
	fetcher.snaps[domain.MarketFutures] = snapshot(107)
	fetcher.during = func() {
		if b.Ready() {
			t.Error("book must be invalidated before the fetch")
		}
		b.ApplyDiff(diff(106, 110, 105, [][2]string{{"49900.00", "7.0"}}, nil))
	}
	fetcher.mu.Unlock()

	if err := coord.Refresh(context.Background(), b); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !b.Ready() {
		t.Fatal("book must be ready after refresh")
	}
	if got := b.Summary().LastUpdateID; got != 110 {
		t.Errorf("buffered diff must replay after the anchor, lastUpdateId=%d", got)
	}

	bids, _ := b.TopLevels(5)
	found := false
	for _, lv := range bids {
		if lv.PriceStr == "49900.00" && lv.Qty.String() == "7" {
			found = true
		}
	}
	if !found {
		t.Error("diff applied during the fetch was lost")
	}
}

func TestRefresh_FetchFailureLeavesBookInvalid(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	fetcher := &fakeFetcher{err: errors.New("network down")}
	coord := NewSnapshotCoordinator(coordConfig(), fetcher, []*OrderBook{b}, nil)

	if err := coord.Refresh(context.Background(), b); err == nil {
		t.Fatal("expected fetch error")
	}
	if b.Ready() {
		t.Error("book must stay invalid after a failed refresh")
	}
}
