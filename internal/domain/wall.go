package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WallKey identifies a wall across diffs. Price identity is the exchange
// canonical string, never a parsed float.
type WallKey struct {
	Market   Market
	Side     Side // SideBid / SideAsk
	PriceStr string
}

// WallState is the lifecycle position of a tracked wall.
type WallState int

const (
	WallCandidate WallState = iota
	WallActive
	WallConfirmed
	WallGoneState
)

func (s WallState) String() string {
	switch s {
	case WallCandidate:
		return "candidate"
	case WallActive:
		return "active"
	case WallConfirmed:
		return "confirmed"
	case WallGoneState:
		return "gone"
	default:
		return "unknown"
	}
}

// GoneReason classifies why a wall left the book. The classification from a
// single terminal diff is approximate: a full wipe is "filled", a shrink is
// "partial", and a threshold miss with unchanged qty is "cancelled".
type GoneReason string

const (
	GoneCancelled GoneReason = "cancelled"
	GoneFilled    GoneReason = "filled"
	GonePartial   GoneReason = "partial"
)

// SignedDistance is the signed percent distance of this key's price from
// mid. Bids below mid come out negative.
func (k WallKey) SignedDistance(mid decimal.Decimal) decimal.Decimal {
	return DistancePct(k.PriceStr, mid)
}

// WallSeen is emitted by the order book for every level meeting the wall
// threshold after a diff batch.
type WallSeen struct {
	Key      WallKey
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Notional decimal.Decimal
	Mid      decimal.Decimal
}

// WallGone is emitted when a previously tracked wall no longer meets the
// threshold.
type WallGone struct {
	Key          WallKey
	Reason       GoneReason
	LastQty      decimal.Decimal
	LastNotional decimal.Decimal
	Mid          decimal.Decimal
}

// Wall is a registry entry owned by the tracker.
type Wall struct {
	Key          WallKey
	Qty          decimal.Decimal
	NotionalUSD  decimal.Decimal
	PeakUSD      decimal.Decimal
	FirstSeenMid decimal.Decimal
	LastSeenQty  decimal.Decimal
	State        WallState
	DetectedAt   time.Time // wall clock, stored with the record
	DetectedMono time.Time // monotonic reading for age math
	ConfirmedAt  time.Time // zero until confirmed
	Alerted      bool      // crossed the new-wall alert threshold already
}

// DistancePct returns the signed distance from mid in percent. Bids below
// mid are negative.
func (w *Wall) DistancePct(mid decimal.Decimal) decimal.Decimal {
	return DistancePct(w.Key.PriceStr, mid)
}

// DistancePct computes (price-mid)/mid*100 for a canonical price string.
// Returns zero when mid is not positive.
func DistancePct(priceStr string, mid decimal.Decimal) decimal.Decimal {
	if !mid.IsPositive() {
		return decimal.Zero
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero
	}
	return price.Sub(mid).Div(mid).Mul(decimal.NewFromInt(100))
}
