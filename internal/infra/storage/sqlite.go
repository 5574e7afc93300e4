package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage is the shared persistence handle. gorm serializes access; callers
// never hold component locks across these calls.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at path.
func NewStorage(path string) (*Storage, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&WallRecord{}, &LargeTradeRecord{}, &LiquidationRecord{},
		&TradeBucketRecord{}, &DepthSnapshotRecord{}, &AlertLogRecord{},
		&NotificationSetting{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// ======================================================================================
// Wall Operations
// ======================================================================================

// OpenWall inserts a new active wall. Idempotent on the natural key
// (market, side, price, detected_at).
func (s *Storage) OpenWall(rec *WallRecord) error {
	rec.Status = "active"
	rec.UpdatedAt = nowMs()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "market"}, {Name: "side"}, {Name: "price"}, {Name: "detected_at"}},
		DoNothing: true,
	}).Create(rec).Error
}

// UpdateWall refreshes size fields of an open wall.
func (s *Storage) UpdateWall(market, side, price string, detectedAt int64, qty string, notional, peak float64) error {
	return s.db.Model(&WallRecord{}).
		Where("market = ? AND side = ? AND price = ? AND detected_at = ?", market, side, price, detectedAt).
		Updates(map[string]any{
			"qty":          qty,
			"notional_usd": notional,
			"peak_usd":     peak,
			"updated_at":   nowMs(),
		}).Error
}

// ConfirmWall marks a wall confirmed. Promotion is monotonic.
func (s *Storage) ConfirmWall(market, side, price string, detectedAt, confirmedAt int64) error {
	return s.db.Model(&WallRecord{}).
		Where("market = ? AND side = ? AND price = ? AND detected_at = ?", market, side, price, detectedAt).
		Updates(map[string]any{
			"confirmed":    true,
			"confirmed_at": confirmedAt,
			"status":       "confirmed",
			"updated_at":   nowMs(),
		}).Error
}

// CloseWall terminates a wall with its end reason. Idempotent: a second
// close of the same key leaves the first outcome in place.
func (s *Storage) CloseWall(market, side, price string, detectedAt, endedAt int64, lifetimeSec float64, reason string) error {
	return s.db.Model(&WallRecord{}).
		Where("market = ? AND side = ? AND price = ? AND detected_at = ? AND end_reason = ''", market, side, price, detectedAt).
		Updates(map[string]any{
			"status":       "gone",
			"ended_at":     endedAt,
			"lifetime_sec": lifetimeSec,
			"end_reason":   reason,
			"updated_at":   nowMs(),
		}).Error
}

// LoadOpenWalls returns walls not yet closed, for cold-start recovery.
func (s *Storage) LoadOpenWalls() ([]WallRecord, error) {
	var walls []WallRecord
	err := s.db.Where("status IN ?", []string{"active", "confirmed"}).Find(&walls).Error
	return walls, err
}

// WallsClosedSince counts wall churn for digests.
func (s *Storage) WallsClosedSince(sinceMs int64) (opened int64, closed int64, err error) {
	if err = s.db.Model(&WallRecord{}).Where("detected_at >= ?", sinceMs).Count(&opened).Error; err != nil {
		return
	}
	err = s.db.Model(&WallRecord{}).Where("ended_at >= ?", sinceMs).Count(&closed).Error
	return
}

// ======================================================================================
// Trade / Liquidation Operations
// ======================================================================================

// InsertLargeTrade appends a large trade row.
func (s *Storage) InsertLargeTrade(rec *LargeTradeRecord) error {
	return s.db.Create(rec).Error
}

// InsertLiquidation appends a liquidation row.
func (s *Storage) InsertLiquidation(rec *LiquidationRecord) error {
	return s.db.Create(rec).Error
}

// UpsertTradeBucket writes the 1-minute aggregate. Re-delivery of the same
// (market, minute) overwrites with identical values.
func (s *Storage) UpsertTradeBucket(rec *TradeBucketRecord) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "market"}, {Name: "minute_epoch"}},
		UpdateAll: true,
	}).Create(rec).Error
}

// CVDSince sums bucket deltas from the given minute, for CVD rehydration.
func (s *Storage) CVDSince(market string, sinceEpoch int64) (float64, error) {
	var total *float64
	err := s.db.Model(&TradeBucketRecord{}).
		Select("SUM(delta_usd)").
		Where("market = ? AND minute_epoch >= ?", market, sinceEpoch).
		Scan(&total).Error
	if err != nil || total == nil {
		return 0, err
	}
	return *total, nil
}

// TradeTotalsSince aggregates large trades per side for digests.
func (s *Storage) TradeTotalsSince(market string, sinceMs int64) (buyUSD, sellUSD float64, count int64, err error) {
	type row struct {
		Side  string
		Total float64
		N     int64
	}
	var rows []row
	err = s.db.Model(&LargeTradeRecord{}).
		Select("side, SUM(notional_usd) AS total, COUNT(*) AS n").
		Where("market = ? AND timestamp >= ?", market, sinceMs).
		Group("side").Scan(&rows).Error
	for _, r := range rows {
		count += r.N
		if r.Side == "buy" {
			buyUSD = r.Total
		} else {
			sellUSD = r.Total
		}
	}
	return
}

// LiquidationTotalsSince aggregates liquidations for digests.
func (s *Storage) LiquidationTotalsSince(sinceMs int64) (longUSD, shortUSD float64, count int64, err error) {
	type row struct {
		Side  string
		Total float64
		N     int64
	}
	var rows []row
	err = s.db.Model(&LiquidationRecord{}).
		Select("side, SUM(notional_usd) AS total, COUNT(*) AS n").
		Where("timestamp >= ?", sinceMs).
		Group("side").Scan(&rows).Error
	for _, r := range rows {
		count += r.N
		if r.Side == "long" {
			longUSD = r.Total
		} else {
			shortUSD = r.Total
		}
	}
	return
}

// ======================================================================================
// Depth Snapshot Operations
// ======================================================================================

// InsertDepthSnapshot appends the per-minute book summary.
func (s *Storage) InsertDepthSnapshot(rec *DepthSnapshotRecord) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "market"}, {Name: "minute_epoch"}},
		DoNothing: true,
	}).Create(rec).Error
}

// PriceRange returns the first and last recorded mid over a window, for
// digest price-change lines.
func (s *Storage) PriceRange(market string, sinceEpoch int64) (first, last string, err error) {
	var head, tail DepthSnapshotRecord
	err = s.db.Where("market = ? AND minute_epoch >= ?", market, sinceEpoch).
		Order("minute_epoch ASC").First(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	if err = s.db.Where("market = ? AND minute_epoch >= ?", market, sinceEpoch).
		Order("minute_epoch DESC").First(&tail).Error; err != nil {
		return "", "", err
	}
	return head.MidPrice, tail.MidPrice, nil
}

// ======================================================================================
// Alert Log / Settings
// ======================================================================================

// InsertAlertLog appends one routed alert.
func (s *Storage) InsertAlertLog(rec *AlertLogRecord) error {
	return s.db.Create(rec).Error
}

// GetNotificationSetting returns nil when the kind was never toggled;
// callers treat that as enabled.
func (s *Storage) GetNotificationSetting(kind string) (*NotificationSetting, error) {
	var setting NotificationSetting
	err := s.db.First(&setting, "kind = ?", kind).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &setting, err
}

// SetNotificationSetting upserts the per-kind toggle.
func (s *Storage) SetNotificationSetting(kind string, enabled bool) error {
	return s.db.Save(&NotificationSetting{
		Kind:      kind,
		Enabled:   enabled,
		UpdatedAt: nowMs(),
	}).Error
}

// LoadNotificationSettings returns the full toggle map.
func (s *Storage) LoadNotificationSettings() (map[string]bool, error) {
	var settings []NotificationSetting
	if err := s.db.Find(&settings).Error; err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(settings))
	for _, st := range settings {
		result[st.Kind] = st.Enabled
	}
	return result, nil
}

// ======================================================================================
// Retention
// ======================================================================================

// DeleteOlderThan removes aged rows from the append-only tables and closed
// walls past the retention horizon.
func (s *Storage) DeleteOlderThan(cutoffMs int64) error {
	cutoffMinute := cutoffMs / 1000
	if err := s.db.Where("timestamp < ?", cutoffMs).Delete(&LargeTradeRecord{}).Error; err != nil {
		return err
	}
	if err := s.db.Where("timestamp < ?", cutoffMs).Delete(&LiquidationRecord{}).Error; err != nil {
		return err
	}
	if err := s.db.Where("minute_epoch < ?", cutoffMinute).Delete(&TradeBucketRecord{}).Error; err != nil {
		return err
	}
	if err := s.db.Where("minute_epoch < ?", cutoffMinute).Delete(&DepthSnapshotRecord{}).Error; err != nil {
		return err
	}
	if err := s.db.Where("timestamp < ?", cutoffMs).Delete(&AlertLogRecord{}).Error; err != nil {
		return err
	}
	return s.db.Where("ended_at > 0 AND ended_at < ?", cutoffMs).Delete(&WallRecord{}).Error
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
