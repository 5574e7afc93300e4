package book

import (
	"testing"

	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
	"wallwatch/internal/infra/binance"

	"github.com/shopspring/decimal"
)

type recordingObserver struct {
	seen []domain.WallSeen
	gone []domain.WallGone
}

func (o *recordingObserver) OnWallSeen(ev domain.WallSeen) { o.seen = append(o.seen, ev) }
func (o *recordingObserver) OnWallGone(ev domain.WallGone) { o.gone = append(o.gone, ev) }

func (o *recordingObserver) reset() {
	o.seen = nil
	o.gone = nil
}

func newTestBook(t *testing.T, market domain.Market) (*OrderBook, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	b := NewOrderBook(market, 500_000, 100, obs, infra.NewMetrics())
	return b, obs
}

func snapshot(anchor uint64) *binance.DepthSnapshot {
	return &binance.DepthSnapshot{
		LastUpdateID: anchor,
		Bids:         [][2]string{{"50000.00", "1.0"}, {"49900.00", "2.0"}},
		Asks:         [][2]string{{"51000.00", "1.0"}, {"51100.00", "2.0"}},
	}
}

func diff(U, u, pu uint64, bids, asks [][2]string) *binance.DepthUpdate {
	return &binance.DepthUpdate{FirstID: U, FinalID: u, PrevFinal: pu, Bids: bids, Asks: asks}
}

func TestApplySnapshot_MakesBookReady(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	if b.Ready() {
		t.Fatal("fresh book should not be ready")
	}

	b.ApplySnapshot(snapshot(100))

	if !b.Ready() {
		t.Fatal("book should be ready after snapshot")
	}
	sum := b.Summary()
	if sum.LastUpdateID != 100 {
		t.Errorf("expected lastUpdateId 100, got %d", sum.LastUpdateID)
	}
	if sum.BidLevels != 2 || sum.AskLevels != 2 {
		t.Errorf("expected 2/2 levels, got %d/%d", sum.BidLevels, sum.AskLevels)
	}
	wantMid := decimal.NewFromInt(50500)
	if !sum.Mid.Equal(wantMid) {
		t.Errorf("expected mid 50500, got %s", sum.Mid)
	}
}

func TestFuturesSequencing_ColdStart(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))

	// First diff straddles the anchor: U <= 100 <= u.
	b.ApplyDiff(diff(100, 105, 99, [][2]string{{"50000.00", "1.5"}}, nil))
	if !b.Ready() {
		t.Fatal("first diff at U==anchor must be accepted")
	}
	if got := b.Summary().LastUpdateID; got != 105 {
		t.Fatalf("expected lastUpdateId 105, got %d", got)
	}

	// Continuation: pu == prev u.
	b.ApplyDiff(diff(106, 110, 105, [][2]string{{"49900.00", "2.5"}}, nil))
	if !b.Ready() {
		t.Fatal("continuation with matching pu must be accepted")
	}
	if got := b.Summary().LastUpdateID; got != 110 {
		t.Fatalf("expected lastUpdateId 110, got %d", got)
	}

	// Gap: pu does not match.
	b.ApplyDiff(diff(112, 115, 109, nil, nil))
	if b.Ready() {
		t.Fatal("pu mismatch must flip the book to not-ready")
	}
	violated, _ := b.ResyncState()
	if !violated {
		t.Fatal("violation must be reported to the recovery loop")
	}
}

func TestFuturesSequencing_FirstDiffPastAnchorRejected(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))

	// U > anchor: a gap between snapshot and stream.
	b.ApplyDiff(diff(101, 105, 99, nil, nil))
	if b.Ready() {
		t.Fatal("first diff with U > anchor must be rejected")
	}
}

func TestSpotSequencing_Boundaries(t *testing.T) {
	t.Run("first diff at exactly anchor+1 accepted", func(t *testing.T) {
		b, _ := newTestBook(t, domain.MarketSpot)
		b.ApplySnapshot(snapshot(100))
		b.ApplyDiff(diff(101, 103, 0, [][2]string{{"50000.00", "1.5"}}, nil))
		if !b.Ready() {
			t.Fatal("spot first diff with U == anchor+1 must be accepted")
		}
	})

	t.Run("first diff starting past anchor+1 rejected", func(t *testing.T) {
		b, _ := newTestBook(t, domain.MarketSpot)
		b.ApplySnapshot(snapshot(100))
		b.ApplyDiff(diff(102, 103, 0, nil, nil))
		if b.Ready() {
			t.Fatal("spot first diff with U > anchor+1 must be rejected")
		}
	})

	t.Run("continuation requires U == prev_u+1", func(t *testing.T) {
		b, _ := newTestBook(t, domain.MarketSpot)
		b.ApplySnapshot(snapshot(100))
		b.ApplyDiff(diff(99, 103, 0, nil, nil))
		b.ApplyDiff(diff(104, 106, 0, nil, nil))
		if !b.Ready() {
			t.Fatal("contiguous spot diff must be accepted")
		}
		b.ApplyDiff(diff(108, 110, 0, nil, nil))
		if b.Ready() {
			t.Fatal("spot gap must flip the book to not-ready")
		}
	})
}

func TestStaleDiffIsDropped(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))
	b.ApplyDiff(diff(100, 105, 99, nil, nil))

	// u <= lastUpdateID: silently dropped, id non-decreasing.
	b.ApplyDiff(diff(90, 100, 80, [][2]string{{"50000.00", "9.0"}}, nil))
	if got := b.Summary().LastUpdateID; got != 105 {
		t.Fatalf("stale diff must not move lastUpdateId, got %d", got)
	}
	if !b.Ready() {
		t.Fatal("stale diff must not invalidate the book")
	}
}

func TestEmptyDiffIsNoOp(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))
	before := b.Summary()

	b.ApplyDiff(diff(100, 105, 99, nil, nil))

	after := b.Summary()
	if after.BidLevels != before.BidLevels || after.AskLevels != before.AskLevels {
		t.Error("empty diff must not change the ladder")
	}
	if !after.Mid.Equal(before.Mid) {
		t.Error("empty diff must not move mid")
	}
}

func TestSnapshotIdempotence(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))
	before := b.Summary()

	b.Invalidate()
	b.ApplySnapshot(snapshot(100))

	after := b.Summary()
	if after.LastUpdateID != before.LastUpdateID ||
		after.BidLevels != before.BidLevels ||
		after.AskLevels != before.AskLevels ||
		!after.Mid.Equal(before.Mid) {
		t.Errorf("re-applying the identical snapshot changed state: %+v vs %+v", before, after)
	}
}

func TestInvalidate_BuffersAndReplays(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))
	b.ApplyDiff(diff(100, 105, 99, nil, nil))

	b.Invalidate()
	if b.Ready() {
		t.Fatal("invalidate must clear ready")
	}

	// Diffs keep arriving during the REST fetch and are buffered.
	b.ApplyDiff(diff(106, 110, 105, [][2]string{{"50000.00", "3.0"}}, nil))
	b.ApplyDiff(diff(111, 115, 110, nil, [][2]string{{"51000.00", "4.0"}}))

	// New anchor falls inside the buffered window.
	b.ApplySnapshot(snapshot(108))

	if !b.Ready() {
		t.Fatal("book must be ready after snapshot+replay")
	}
	sum := b.Summary()
	if sum.LastUpdateID != 115 {
		t.Errorf("replay must advance lastUpdateId to 115, got %d", sum.LastUpdateID)
	}

	// The buffered diff levels must be present.
	bids, asks := b.TopLevels(5)
	foundBid := false
	for _, lv := range bids {
		if lv.PriceStr == "50000.00" && lv.Qty.Equal(decimal.NewFromFloat(3.0)) {
			foundBid = true
		}
	}
	if !foundBid {
		t.Error("buffered bid diff was not replayed")
	}
	foundAsk := false
	for _, lv := range asks {
		if lv.PriceStr == "51000.00" && lv.Qty.Equal(decimal.NewFromFloat(4.0)) {
			foundAsk = true
		}
	}
	if !foundAsk {
		t.Error("buffered ask diff was not replayed")
	}
}

func TestReplayGap_KeepsBookInvalid(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))
	b.ApplyDiff(diff(100, 105, 99, nil, nil))

	b.Invalidate()
	b.ApplyDiff(diff(106, 110, 105, nil, nil))
	b.ApplyDiff(diff(115, 120, 114, nil, nil)) // hole between 110 and 115

	b.ApplySnapshot(snapshot(108))
	if b.Ready() {
		t.Fatal("a gap inside the buffered window must keep the book invalid")
	}
}

func TestWallLifecycle_SeenAndGoneReasons(t *testing.T) {
	b, obs := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))
	obs.reset()

	// 50 BTC at 50000 is $2.5M: a wall.
	b.ApplyDiff(diff(100, 105, 99, [][2]string{{"50000.00", "50"}}, nil))
	if len(obs.seen) == 0 {
		t.Fatal("expected WallSeen for the $2.5M bid")
	}
	var wall *domain.WallSeen
	for i := range obs.seen {
		if obs.seen[i].Key.PriceStr == "50000.00" {
			wall = &obs.seen[i]
		}
	}
	if wall == nil {
		t.Fatal("wall at 50000.00 not reported")
	}
	if wall.Key.Side != domain.SideBid {
		t.Errorf("expected bid side, got %s", wall.Key.Side)
	}
	if !wall.Notional.Equal(decimal.NewFromInt(2_500_000)) {
		t.Errorf("expected notional 2.5M, got %s", wall.Notional)
	}

	t.Run("full wipe reports filled", func(t *testing.T) {
		obs.reset()
		b.ApplyDiff(diff(106, 110, 105, [][2]string{{"50000.00", "0"}}, nil))
		if len(obs.gone) != 1 {
			t.Fatalf("expected 1 WallGone, got %d", len(obs.gone))
		}
		if obs.gone[0].Reason != domain.GoneFilled {
			t.Errorf("expected filled, got %s", obs.gone[0].Reason)
		}
	})
}

func TestWallGone_PartialFill(t *testing.T) {
	b, obs := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))
	b.ApplyDiff(diff(100, 105, 99, nil, [][2]string{{"51000.00", "40"}})) // $2.04M ask wall
	obs.reset()

	// Shrinks to $255K: below threshold but not zero.
	b.ApplyDiff(diff(106, 110, 105, nil, [][2]string{{"51000.00", "5"}}))
	if len(obs.gone) != 1 {
		t.Fatalf("expected 1 WallGone, got %d", len(obs.gone))
	}
	if obs.gone[0].Reason != domain.GonePartial {
		t.Errorf("expected partial, got %s", obs.gone[0].Reason)
	}
}

func TestWallThresholdIsInclusive(t *testing.T) {
	b, obs := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))
	obs.reset()

	// Exactly $500,000: 10 BTC at 50000.
	b.ApplyDiff(diff(100, 105, 99, [][2]string{{"50000.00", "10"}}, nil))
	found := false
	for _, ev := range obs.seen {
		if ev.Key.PriceStr == "50000.00" {
			found = true
		}
	}
	if !found {
		t.Error("a level at exactly the threshold must be a wall")
	}
}

func TestDistantLevelIsNotAWall(t *testing.T) {
	b, obs := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))
	obs.reset()

	// $10M resting 60% below mid: outside the scan window.
	b.ApplyDiff(diff(100, 105, 99, [][2]string{{"20000.00", "500"}}, nil))
	for _, ev := range obs.seen {
		if ev.Key.PriceStr == "20000.00" {
			t.Error("level beyond the prune distance must not be a wall")
		}
	}
}

func TestPrune_DropsDistantLevels(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(snapshot(100))
	b.ApplyDiff(diff(100, 105, 99, [][2]string{{"10000.00", "1"}}, [][2]string{{"99999.00", "1"}}))

	before := b.Summary()
	pruned := b.Prune()
	after := b.Summary()

	if pruned != 2 {
		t.Errorf("expected 2 pruned levels, got %d", pruned)
	}
	if after.BidLevels != before.BidLevels-1 || after.AskLevels != before.AskLevels-1 {
		t.Errorf("prune did not drop the distant levels: %+v -> %+v", before, after)
	}
}

func TestBufferBound_DropsOldest(t *testing.T) {
	obs := &recordingObserver{}
	b := NewOrderBook(domain.MarketFutures, 500_000, 3, obs, infra.NewMetrics())

	for i := uint64(0); i < 5; i++ {
		b.ApplyDiff(diff(100+i, 100+i, 99+i, nil, nil))
	}

	b.mu.Lock()
	n := len(b.buffer)
	first := b.buffer[0].FirstID
	b.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", n)
	}
	if first != 102 {
		t.Errorf("expected oldest entries dropped, first buffered U=%d", first)
	}
}

func TestHourlyRefreshEquivalence(t *testing.T) {
	// Property: invalidate -> buffer diffs -> re-apply the anchor snapshot
	// and replay the buffer ends in the same ladder as applying them live.
	live, _ := newTestBook(t, domain.MarketFutures)
	refreshed, _ := newTestBook(t, domain.MarketFutures)

	live.ApplySnapshot(snapshot(100))
	refreshed.ApplySnapshot(snapshot(100))

	d1 := diff(100, 105, 99, [][2]string{{"50000.00", "3.0"}}, nil)
	d2 := diff(106, 110, 105, nil, [][2]string{{"51100.00", "0"}})

	live.ApplyDiff(d1)
	live.ApplyDiff(d2)

	refreshed.Invalidate()
	refreshed.ApplyDiff(d1)
	refreshed.ApplyDiff(d2)
	refreshed.ApplySnapshot(snapshot(100))

	lb, la := live.TopLevels(10)
	rb, ra := refreshed.TopLevels(10)
	if len(lb) != len(rb) || len(la) != len(ra) {
		t.Fatalf("ladders diverged: live %d/%d refreshed %d/%d", len(lb), len(la), len(rb), len(ra))
	}
	for i := range lb {
		if lb[i].PriceStr != rb[i].PriceStr || !lb[i].Qty.Equal(rb[i].Qty) {
			t.Errorf("bid %d diverged: %s@%s vs %s@%s", i, lb[i].Qty, lb[i].PriceStr, rb[i].Qty, rb[i].PriceStr)
		}
	}
	for i := range la {
		if la[i].PriceStr != ra[i].PriceStr || !la[i].Qty.Equal(ra[i].Qty) {
			t.Errorf("ask %d diverged: %s@%s vs %s@%s", i, la[i].Qty, la[i].PriceStr, ra[i].Qty, ra[i].PriceStr)
		}
	}
	if live.Summary().LastUpdateID != refreshed.Summary().LastUpdateID {
		t.Error("lastUpdateId diverged after refresh")
	}
}

func TestDepthBands_Imbalance(t *testing.T) {
	b, _ := newTestBook(t, domain.MarketFutures)
	b.ApplySnapshot(&binance.DepthSnapshot{
		LastUpdateID: 100,
		Bids:         [][2]string{{"50000.00", "4.0"}},
		Asks:         [][2]string{{"50100.00", "1.0"}},
	})

	bands := b.DepthBands()
	if len(bands) != 3 {
		t.Fatalf("expected 3 bands, got %d", len(bands))
	}
	onePct := bands[0]
	if !onePct.Imbalance.IsPositive() {
		t.Errorf("bid-heavy book must have positive imbalance, got %s", onePct.Imbalance)
	}
}
