package book

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
	"wallwatch/internal/infra/binance"

	"github.com/shopspring/decimal"
)

// pruneDistance: levels beyond ±50% of mid are dropped and never walls.
var pruneDistance = decimal.NewFromFloat(0.5)

var hundred = decimal.NewFromInt(100)

// WallObserver receives wall lifecycle events after each applied batch.
// Callbacks run outside the book lock.
type WallObserver interface {
	OnWallSeen(ev domain.WallSeen)
	OnWallGone(ev domain.WallGone)
}

type bookLevel struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

type trackedLevel struct {
	qty      decimal.Decimal
	notional decimal.Decimal
}

// OrderBook maintains the synchronized ladder for one market. All mutating
// operations serialize on one mutex, never held across I/O; wall events are
// collected under the lock and dispatched after release.
type OrderBook struct {
	market        domain.Market
	wallThreshold decimal.Decimal
	bufferCap     int
	observer      WallObserver
	metrics       *infra.Metrics

	mu           sync.Mutex
	bids         map[string]bookLevel
	asks         map[string]bookLevel
	lastUpdateID uint64
	ready        bool
	invalid      bool
	firstDiff    bool
	buffer       []*binance.DepthUpdate
	tracked      map[domain.WallKey]trackedLevel
	notReadyAt   time.Time
	violation    bool
}

// NewOrderBook builds an empty, not-ready book.
func NewOrderBook(market domain.Market, wallThresholdUSD float64, bufferCap int, observer WallObserver, metrics *infra.Metrics) *OrderBook {
	return &OrderBook{
		market:        market,
		wallThreshold: decimal.NewFromFloat(wallThresholdUSD),
		bufferCap:     bufferCap,
		observer:      observer,
		metrics:       metrics,
		bids:          make(map[string]bookLevel),
		asks:          make(map[string]bookLevel),
		tracked:       make(map[domain.WallKey]trackedLevel),
		notReadyAt:    time.Now(),
	}
}

// Market returns the book's market.
func (b *OrderBook) Market() domain.Market { return b.market }

// Invalidate atomically drops readiness and opens the diff buffer. Incoming
// diffs are queued until the next ApplySnapshot.
func (b *OrderBook) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidateLocked("invalidated")
}

func (b *OrderBook) invalidateLocked(why string) {
	if b.ready {
		b.notReadyAt = time.Now()
	}
	b.invalid = true
	b.ready = false
	b.metrics.BookReady.WithLabelValues(string(b.market)).Set(0)
	slog.Warn("orderbook not ready", slog.String("market", string(b.market)), slog.String("cause", why))
}

// ApplySnapshot installs a REST anchor, replays buffered diffs honoring the
// first-diff rule, re-asserts readiness and dispatches the wall events of
// the post-install scan.
func (b *OrderBook) ApplySnapshot(snap *binance.DepthSnapshot) {
	b.mu.Lock()

	b.bids = make(map[string]bookLevel, len(snap.Bids))
	b.asks = make(map[string]bookLevel, len(snap.Asks))
	installLevels(b.bids, snap.Bids)
	installLevels(b.asks, snap.Asks)
	b.lastUpdateID = snap.LastUpdateID
	b.firstDiff = true
	b.violation = false

	applied, dropped := 0, 0
	replayOK := true
	for _, ev := range b.buffer {
		ok, err := b.sequenceLocked(ev)
		if err != nil {
			// A gap inside the buffered window poisons the anchor too;
			// stay not-ready and let the recovery loop fetch again.
			replayOK = false
			b.metrics.SequencingViolations.WithLabelValues(string(b.market)).Inc()
			break
		}
		if !ok {
			dropped++
			continue
		}
		b.applyLevelsLocked(ev)
		applied++
	}
	b.buffer = nil
	if !replayOK {
		b.bids = make(map[string]bookLevel)
		b.asks = make(map[string]bookLevel)
		b.violation = true
		b.mu.Unlock()
		slog.Warn("snapshot replay gap, book stays invalid", slog.String("market", string(b.market)))
		return
	}
	b.invalid = false
	b.ready = true
	b.metrics.BookReady.WithLabelValues(string(b.market)).Set(1)
	b.metrics.SnapshotsApplied.WithLabelValues(string(b.market)).Inc()

	events := b.scanWallsLocked()
	b.mu.Unlock()

	slog.Info("snapshot applied",
		slog.String("market", string(b.market)),
		slog.Uint64("lastUpdateId", snap.LastUpdateID),
		slog.Int("replayed", applied),
		slog.Int("dropped", dropped))

	b.dispatch(events)
}

func installLevels(dst map[string]bookLevel, levels [][2]string) {
	for _, lv := range levels {
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(lv[1])
		if err != nil || !qty.IsPositive() {
			continue
		}
		dst[lv[0]] = bookLevel{price: price, qty: qty}
	}
}

// ApplyDiff applies one depthUpdate. While the book is not ready the diff is
// buffered (bounded, oldest dropped). A sequencing violation flips the book
// to not-ready for the recovery loop to pick up.
func (b *OrderBook) ApplyDiff(ev *binance.DepthUpdate) {
	b.mu.Lock()

	if !b.ready {
		if len(b.buffer) >= b.bufferCap {
			b.buffer = b.buffer[1:]
			b.metrics.BufferOverflows.WithLabelValues(string(b.market) + "_diff").Inc()
		}
		b.buffer = append(b.buffer, ev)
		b.mu.Unlock()
		return
	}

	ok, err := b.sequenceLocked(ev)
	if err != nil {
		b.violation = true
		b.bids = make(map[string]bookLevel)
		b.asks = make(map[string]bookLevel)
		b.invalidateLocked(err.Error())
		b.metrics.SequencingViolations.WithLabelValues(string(b.market)).Inc()
		b.mu.Unlock()
		return
	}
	if !ok {
		b.metrics.DiffsDropped.WithLabelValues(string(b.market)).Inc()
		b.mu.Unlock()
		return
	}

	b.applyLevelsLocked(ev)
	events := b.scanWallsLocked()
	b.mu.Unlock()

	b.dispatch(events)
}

// sequenceLocked validates event continuity. Returns (false, nil) for stale
// events, an error for violations, (true, nil) when the event applies;
// lastUpdateID advances on acceptance.
func (b *OrderBook) sequenceLocked(ev *binance.DepthUpdate) (bool, error) {
	if ev.FinalID <= b.lastUpdateID {
		return false, nil
	}

	if b.market.IsFutures() {
		if b.firstDiff {
			if !(ev.FirstID <= b.lastUpdateID && b.lastUpdateID <= ev.FinalID) {
				return false, &domain.SequencingError{
					Market: b.market,
					Detail: fmt.Sprintf("first diff U=%d..u=%d does not straddle anchor %d", ev.FirstID, ev.FinalID, b.lastUpdateID),
				}
			}
		} else if ev.PrevFinal != b.lastUpdateID {
			return false, &domain.SequencingError{
				Market: b.market,
				Detail: fmt.Sprintf("pu=%d != last=%d", ev.PrevFinal, b.lastUpdateID),
			}
		}
	} else {
		next := b.lastUpdateID + 1
		if b.firstDiff {
			if !(ev.FirstID <= next && next <= ev.FinalID) {
				return false, &domain.SequencingError{
					Market: b.market,
					Detail: fmt.Sprintf("first diff U=%d..u=%d does not straddle anchor+1=%d", ev.FirstID, ev.FinalID, next),
				}
			}
		} else if ev.FirstID != next {
			return false, &domain.SequencingError{
				Market: b.market,
				Detail: fmt.Sprintf("U=%d != expected=%d", ev.FirstID, next),
			}
		}
	}

	b.lastUpdateID = ev.FinalID
	b.firstDiff = false
	return true, nil
}

// applyLevelsLocked upserts/deletes the batch levels. Qty zero deletes.
func (b *OrderBook) applyLevelsLocked(ev *binance.DepthUpdate) {
	applySide(b.bids, ev.Bids)
	applySide(b.asks, ev.Asks)
}

func applySide(side map[string]bookLevel, levels [][2]string) {
	for _, lv := range levels {
		qty, err := decimal.NewFromString(lv[1])
		if err != nil || qty.IsNegative() {
			slog.Warn("invalid level qty", slog.String("price", lv[0]), slog.String("qty", lv[1]))
			continue
		}
		if qty.IsZero() {
			delete(side, lv[0])
			continue
		}
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			continue
		}
		side[lv[0]] = bookLevel{price: price, qty: qty}
	}
}

// scanWallsLocked diffs the current wall-qualifying set against the tracked
// set and returns the lifecycle events.
func (b *OrderBook) scanWallsLocked() []any {
	mid := b.midLocked()
	if !mid.IsPositive() {
		return nil
	}
	low := mid.Mul(decimal.NewFromInt(1).Sub(pruneDistance))
	high := mid.Mul(decimal.NewFromInt(1).Add(pruneDistance))

	var events []any
	current := make(map[domain.WallKey]trackedLevel)

	collect := func(side domain.Side, levels map[string]bookLevel) {
		for priceStr, lv := range levels {
			if lv.price.LessThan(low) || lv.price.GreaterThan(high) {
				continue
			}
			notional := lv.price.Mul(lv.qty)
			if notional.LessThan(b.wallThreshold) {
				continue
			}
			key := domain.WallKey{Market: b.market, Side: side, PriceStr: priceStr}
			current[key] = trackedLevel{qty: lv.qty, notional: notional}
			events = append(events, domain.WallSeen{
				Key:      key,
				Price:    lv.price,
				Qty:      lv.qty,
				Notional: notional,
				Mid:      mid,
			})
		}
	}
	collect(domain.SideBid, b.bids)
	collect(domain.SideAsk, b.asks)

	for key, prev := range b.tracked {
		if _, still := current[key]; still {
			continue
		}
		var lastQty, lastNotional decimal.Decimal
		if lv, ok := b.level(key); ok {
			lastQty = lv.qty
			lastNotional = lv.price.Mul(lv.qty)
		}
		events = append(events, domain.WallGone{
			Key:          key,
			Reason:       classifyGone(lastQty, prev.qty),
			LastQty:      lastQty,
			LastNotional: lastNotional,
			Mid:          mid,
		})
	}

	b.tracked = current
	return events
}

func (b *OrderBook) level(key domain.WallKey) (bookLevel, bool) {
	side := b.bids
	if key.Side == domain.SideAsk {
		side = b.asks
	}
	lv, ok := side[key.PriceStr]
	return lv, ok
}

// classifyGone is the terminal-diff heuristic: a wiped level was filled, a
// shrunken one partially filled, an intact one left the window (cancelled
// in effect, the level no longer qualifies).
func classifyGone(lastQty, prevQty decimal.Decimal) domain.GoneReason {
	switch {
	case lastQty.IsZero():
		return domain.GoneFilled
	case lastQty.LessThan(prevQty):
		return domain.GonePartial
	default:
		return domain.GoneCancelled
	}
}

func (b *OrderBook) dispatch(events []any) {
	if b.observer == nil {
		return
	}
	for _, ev := range events {
		switch e := ev.(type) {
		case domain.WallSeen:
			b.observer.OnWallSeen(e)
		case domain.WallGone:
			b.observer.OnWallGone(e)
		}
	}
}

// Prune drops levels beyond ±50% of mid. Memory management only; the scan
// window already excluded them from wall status.
func (b *OrderBook) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	mid := b.midLocked()
	if !mid.IsPositive() {
		return 0
	}
	low := mid.Mul(decimal.NewFromInt(1).Sub(pruneDistance))
	high := mid.Mul(decimal.NewFromInt(1).Add(pruneDistance))

	pruned := 0
	for _, side := range []map[string]bookLevel{b.bids, b.asks} {
		for priceStr, lv := range side {
			if lv.price.LessThan(low) || lv.price.GreaterThan(high) {
				delete(side, priceStr)
				pruned++
			}
		}
	}
	return pruned
}

// Mid returns the current mid price, zero when either side is empty.
func (b *OrderBook) Mid() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.midLocked()
}

func (b *OrderBook) midLocked() decimal.Decimal {
	bestBid, okB := bestPrice(b.bids, true)
	bestAsk, okA := bestPrice(b.asks, false)
	if !okB || !okA {
		return decimal.Zero
	}
	return bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
}

func bestPrice(side map[string]bookLevel, highest bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, lv := range side {
		if !found {
			best = lv.price
			found = true
			continue
		}
		if highest && lv.price.GreaterThan(best) {
			best = lv.price
		} else if !highest && lv.price.LessThan(best) {
			best = lv.price
		}
	}
	return best, found
}

// Ready reports observability of the ladder.
func (b *OrderBook) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// ResyncState reports whether a violation occurred since the last check and
// how long the book has been not-ready. The violation flag is consumed.
func (b *OrderBook) ResyncState() (violated bool, notReadyFor time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	violated = b.violation
	b.violation = false
	if !b.ready {
		notReadyFor = time.Since(b.notReadyAt)
	}
	return
}

// Summary returns an immutable derived view.
func (b *OrderBook) Summary() domain.BookSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	mid := b.midLocked()
	spread := decimal.Zero
	if bestBid, ok := bestPrice(b.bids, true); ok {
		if bestAsk, ok := bestPrice(b.asks, false); ok && mid.IsPositive() {
			spread = bestAsk.Sub(bestBid).Div(mid).Mul(hundred)
		}
	}

	wallsBid, wallsAsk := 0, 0
	for key := range b.tracked {
		if key.Side == domain.SideBid {
			wallsBid++
		} else {
			wallsAsk++
		}
	}

	return domain.BookSummary{
		Market:       b.market,
		Ready:        b.ready,
		Mid:          mid,
		SpreadPct:    spread,
		BidLevels:    len(b.bids),
		AskLevels:    len(b.asks),
		WallsBid:     wallsBid,
		WallsAsk:     wallsAsk,
		LastUpdateID: b.lastUpdateID,
	}
}

// DepthBands computes bid/ask depth and imbalance at ±1/2/5% of mid.
// Defensive copies; the caller may suspend freely.
func (b *OrderBook) DepthBands() []domain.DepthBand {
	b.mu.Lock()
	defer b.mu.Unlock()

	mid := b.midLocked()
	if !mid.IsPositive() {
		return nil
	}

	bands := []struct {
		label string
		pct   decimal.Decimal
	}{
		{"1pct", decimal.NewFromFloat(0.01)},
		{"2pct", decimal.NewFromFloat(0.02)},
		{"5pct", decimal.NewFromFloat(0.05)},
	}

	out := make([]domain.DepthBand, 0, len(bands))
	for _, band := range bands {
		low := mid.Mul(decimal.NewFromInt(1).Sub(band.pct))
		high := mid.Mul(decimal.NewFromInt(1).Add(band.pct))

		bidUSD := decimal.Zero
		for _, lv := range b.bids {
			if lv.price.GreaterThanOrEqual(low) && lv.price.LessThanOrEqual(mid) {
				bidUSD = bidUSD.Add(lv.price.Mul(lv.qty))
			}
		}
		askUSD := decimal.Zero
		for _, lv := range b.asks {
			if lv.price.GreaterThanOrEqual(mid) && lv.price.LessThanOrEqual(high) {
				askUSD = askUSD.Add(lv.price.Mul(lv.qty))
			}
		}

		imb := decimal.Zero
		if total := bidUSD.Add(askUSD); total.IsPositive() {
			imb = bidUSD.Sub(askUSD).Div(total)
		}
		out = append(out, domain.DepthBand{
			Label:     band.label,
			Pct:       band.pct,
			BidUSD:    bidUSD,
			AskUSD:    askUSD,
			Imbalance: imb,
		})
	}
	return out
}

// TopLevels returns the best n levels per side, sorted, as defensive copies.
func (b *OrderBook) TopLevels(n int) (bids, asks []domain.PriceLevel) {
	b.mu.Lock()
	for priceStr, lv := range b.bids {
		bids = append(bids, domain.PriceLevel{PriceStr: priceStr, Price: lv.price, Qty: lv.qty})
	}
	for priceStr, lv := range b.asks {
		asks = append(asks, domain.PriceLevel{PriceStr: priceStr, Price: lv.price, Qty: lv.qty})
	}
	b.mu.Unlock()

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	if len(bids) > n {
		bids = bids[:n]
	}
	if len(asks) > n {
		asks = asks[:n]
	}
	return bids, asks
}
