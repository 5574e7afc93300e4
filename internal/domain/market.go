package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies which Binance market an event came from.
type Market string

const (
	MarketSpot    Market = "spot"
	MarketFutures Market = "futures"
)

// Markets lists all markets in a stable order.
var Markets = []Market{MarketSpot, MarketFutures}

// IsFutures reports whether the market uses the futures sequencing rule.
func (m Market) IsFutures() bool {
	return m == MarketFutures
}

// Side of the book or of a taker.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"

	SideBuy  Side = "buy"
	SideSell Side = "sell"

	// Liquidation sides: a SELL force order closes a long.
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PriceLevel is one rung of the ladder: the exchange canonical price string
// and a non-negative quantity. Qty zero means "remove".
type PriceLevel struct {
	PriceStr string
	Price    decimal.Decimal
	Qty      decimal.Decimal
}

// Notional returns price*qty in USD.
func (l PriceLevel) Notional() decimal.Decimal {
	return l.Price.Mul(l.Qty)
}

// TradeEvent is a classified aggTrade.
type TradeEvent struct {
	Market   Market
	Side     Side // SideBuy / SideSell (taker side)
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Notional decimal.Decimal
	Time     time.Time
}

// LiquidationEvent is a filtered futures forceOrder.
type LiquidationEvent struct {
	Side      Side // SideLong / SideShort
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Notional  decimal.Decimal
	OrderType string
	Time      time.Time
}

// BookSummary is an immutable derived snapshot of one order book, safe to
// hand to other components.
type BookSummary struct {
	Market       Market
	Ready        bool
	Mid          decimal.Decimal
	SpreadPct    decimal.Decimal
	BidLevels    int
	AskLevels    int
	WallsBid     int
	WallsAsk     int
	LastUpdateID uint64
}

// DepthBand is depth and imbalance within one ±pct band around mid.
type DepthBand struct {
	Label     string
	Pct       decimal.Decimal
	BidUSD    decimal.Decimal
	AskUSD    decimal.Decimal
	Imbalance decimal.Decimal // (bid-ask)/(bid+ask), 0 when empty
}
