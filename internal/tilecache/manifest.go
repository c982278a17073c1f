package tilecache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

// TileRecord is one manifest row per cached tile file. The file store stays
// the source of truth; the manifest exists so eviction and stats queries do
// not have to stat every file.
type TileRecord struct {
	Key        string `gorm:"primaryKey;size:127"`
	Style      string `gorm:"size:63;index:idx_tile_style"`
	Zoom       int
	X          int
	Y          int
	SizeBytes  int64
	FetchedAt  time.Time `gorm:"index:idx_tile_fetched_at"`
	LastAccess time.Time
	Hits       int64
}

// StyleStats persists per-style hit/miss counters across restarts.
type StyleStats struct {
	Style   string `gorm:"primaryKey;size:63"`
	Payload datatypes.JSON
}

// StatsPayload is the JSON body of a StyleStats row.
type StatsPayload struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Manifest is the SQLite-backed tile index.
type Manifest struct {
	db *gorm.DB
}

// OpenManifest opens (or creates) the manifest database. An empty path opens
// an in-memory database, which only makes sense for tests.
func OpenManifest(path string) (*Manifest, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open tile manifest: %w", err)
	}
	if err := db.AutoMigrate(&TileRecord{}, &StyleStats{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tile manifest: %w", err)
	}
	return &Manifest{db: db}, nil
}

// Upsert records (or refreshes) a tile row after a successful fetch.
func (m *Manifest) Upsert(rec TileRecord) error {
	return m.db.Save(&rec).Error
}

// Touch refreshes the access time and hit counter of a tile row.
func (m *Manifest) Touch(key string, at time.Time) error {
	return m.db.Model(&TileRecord{}).Where("key = ?", key).
		Updates(map[string]interface{}{
			"last_access": at,
			"hits":        gorm.Expr("hits + 1"),
		}).Error
}

// Delete removes manifest rows for the given keys.
func (m *Manifest) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return m.db.Where("key IN ?", keys).Delete(&TileRecord{}).Error
}

// TotalSize sums the byte sizes of all indexed tiles.
func (m *Manifest) TotalSize() (int64, error) {
	var total int64
	err := m.db.Model(&TileRecord{}).
		Select("COALESCE(SUM(size_bytes), 0)").Scan(&total).Error
	return total, err
}

// Count returns the number of indexed tiles.
func (m *Manifest) Count() (int64, error) {
	var n int64
	err := m.db.Model(&TileRecord{}).Count(&n).Error
	return n, err
}

// OldestFirst returns up to limit rows ordered by fetch time ascending,
// the eviction order for the size-bounded cache.
func (m *Manifest) OldestFirst(limit int) ([]TileRecord, error) {
	var recs []TileRecord
	err := m.db.Order("fetched_at ASC").Limit(limit).Find(&recs).Error
	return recs, err
}

// OlderThan returns rows fetched before the cutoff, for the age sweep.
func (m *Manifest) OlderThan(cutoff time.Time) ([]TileRecord, error) {
	var recs []TileRecord
	err := m.db.Where("fetched_at < ?", cutoff).Find(&recs).Error
	return recs, err
}

// Rebuild replaces the whole index with records enumerated from disk. Used
// when the manifest is missing or disagrees with the file store.
func (m *Manifest) Rebuild(recs []TileRecord) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&TileRecord{}).Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		return tx.Create(&recs).Error
	})
}

// Clear drops every tile row. Style stats survive a cache clear.
func (m *Manifest) Clear() error {
	return m.db.Where("1 = 1").Delete(&TileRecord{}).Error
}

// LoadStats reads the persisted hit/miss counters for a style. A missing row
// returns zeroes.
func (m *Manifest) LoadStats(style string) (StatsPayload, error) {
	if style == "" {
		style = model.DefaultStyle
	}
	var row StyleStats
	err := m.db.First(&row, "style = ?", style).Error
	if err == gorm.ErrRecordNotFound {
		return StatsPayload{}, nil
	}
	if err != nil {
		return StatsPayload{}, err
	}
	var p StatsPayload
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return StatsPayload{}, fmt.Errorf("corrupt stats payload for style %q: %w", style, err)
	}
	return p, nil
}

// SaveStats persists the hit/miss counters for a style.
func (m *Manifest) SaveStats(style string, p StatsPayload) error {
	if style == "" {
		style = model.DefaultStyle
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return m.db.Save(&StyleStats{Style: style, Payload: datatypes.JSON(payload)}).Error
}

// Close closes the underlying database connection.
func (m *Manifest) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
