package storage

// Persisted rows. Prices are TEXT (exchange canonical strings) and
// timestamps are epoch milliseconds, so identities survive round-trips.

// WallRecord tracks one wall from detection to removal.
type WallRecord struct {
	ID          uint   `gorm:"primaryKey"`
	Market      string `gorm:"index:idx_wall_key,unique;index:idx_walls_status"`
	Side        string `gorm:"index:idx_wall_key,unique"`
	Price       string `gorm:"index:idx_wall_key,unique"`
	DetectedAt  int64  `gorm:"index:idx_wall_key,unique;index"`
	Qty         string
	NotionalUSD float64
	PeakUSD     float64
	DistancePct float64 // signed at storage time
	Status      string  `gorm:"index:idx_walls_status"` // active|confirmed|gone
	Confirmed   bool
	ConfirmedAt int64
	EndedAt     int64
	LifetimeSec float64
	EndReason   string
	UpdatedAt   int64
}

// LargeTradeRecord is append-only.
type LargeTradeRecord struct {
	ID          uint   `gorm:"primaryKey"`
	Timestamp   int64  `gorm:"index"`
	Market      string `gorm:"index:idx_lt_market_side"`
	Side        string `gorm:"index:idx_lt_market_side"`
	Price       string
	Qty         string
	NotionalUSD float64
}

// LiquidationRecord is append-only, futures only.
type LiquidationRecord struct {
	ID          uint  `gorm:"primaryKey"`
	Timestamp   int64 `gorm:"index"`
	Side        string
	Price       string
	Qty         string
	NotionalUSD float64
	OrderType   string
}

// TradeBucketRecord is the 1-minute aggregate, upserted by (market, minute).
type TradeBucketRecord struct {
	Market       string `gorm:"primaryKey"`
	MinuteEpoch  int64  `gorm:"primaryKey"`
	BuyVolumeUSD float64
	SellVolumeUSD float64
	DeltaUSD     float64
	CVDUSD       float64
	VWAP         float64
	TradeCount   int64
	MaxTradeUSD  float64
}

// DepthSnapshotRecord is the per-minute book summary.
type DepthSnapshotRecord struct {
	Market       string `gorm:"primaryKey"`
	MinuteEpoch  int64  `gorm:"primaryKey"`
	MidPrice     string
	SpreadPct    float64
	BidDepth1Pct float64
	AskDepth1Pct float64
	BidDepth2Pct float64
	AskDepth2Pct float64
	BidDepth5Pct float64
	AskDepth5Pct float64
	Imbalance1Pct float64
	Imbalance2Pct float64
	Imbalance5Pct float64
	WallCountBid int
	WallCountAsk int
}

// AlertLogRecord is append-only.
type AlertLogRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Timestamp int64  `gorm:"index"`
	Kind      string `gorm:"index"`
	TopicKey  string
	Text      string
}

// NotificationSetting is a per-kind enabled flag.
type NotificationSetting struct {
	Kind      string `gorm:"primaryKey"`
	Enabled   bool
	UpdatedAt int64
}
