package binance

import "encoding/json"

// StreamEnvelope wraps every message on a combined stream.
type StreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DepthUpdate is a depthUpdate diff event. Futures carries Pu, spot does not.
type DepthUpdate struct {
	EventType string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	FirstID   uint64      `json:"U"`
	FinalID   uint64      `json:"u"`
	PrevFinal uint64      `json:"pu"`
	Bids      [][2]string `json:"b"` // [price, qty]
	Asks      [][2]string `json:"a"`
}

// AggTrade is an aggregated trade event.
type AggTrade struct {
	EventType    string `json:"e"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// ForceOrder is a futures liquidation event.
type ForceOrder struct {
	EventType string `json:"e"`
	Order     struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"` // SELL = long liquidated
		OrderType string `json:"o"`
		Quantity  string `json:"q"`
		Price     string `json:"p"`
		AvgPrice  string `json:"ap"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

// DepthSnapshot is the REST depth anchor.
type DepthSnapshot struct {
	LastUpdateID uint64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}
