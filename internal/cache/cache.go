package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// SchemaVersion is bumped whenever the stored layout or payload encoding changes
const SchemaVersion = "2"

var (
	// ErrCorrupt means the store failed its integrity or digest check.
	// Delete the cache and rebuild it.
	ErrCorrupt = errors.New("cache corrupt")
	// ErrVersionMismatch means the store was written by another schema version
	ErrVersionMismatch = errors.New("cache schema version mismatch")
	ErrInvalidRange    = errors.New("invalid cache range")
)

// Models

type meta struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (meta) TableName() string { return "cache_meta" }

type entry struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Source     string `gorm:"index:idx_cache_key"`
	Subject    string `gorm:"index:idx_cache_key"`
	Resolution string `gorm:"index:idx_cache_key"`
	RangeStart int64
	RangeEnd   int64
	Digest     string
	Payload    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (entry) TableName() string { return "cache_entries" }

// Key names one cached series, e.g. {binance, BTCUSDT, 1m} or
// {kalshi-trades, KXBTCD-25MAR0416-T100000, ""}
type Key struct {
	Source   string
	Subject  string
	Interval string
}

func (k Key) String() string {
	return strings.Join([]string{k.Source, k.Subject, k.Interval}, "/")
}

// Status of a lookup
type Status int

const (
	Miss Status = iota
	Partial
	Hit
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Partial:
		return "partial"
	}
	return "miss"
}

// Lookup is a Get result. Payload is only set on a hit. Covered is the
// stored range on a hit and the cached part of the request on a partial.
type Lookup struct {
	Status  Status
	Covered types.Range
	Payload []byte
}

// Cache is the historical data store
type Cache struct {
	db *gorm.DB
}

// Open connects to dsn, postgres:// or postgresql:// for PostgreSQL and a file
// path for SQLite. SQLite files must pass PRAGMA integrity_check. Both must
// carry the current schema version.
func Open(dsn string) (*Cache, error) {
	var db *gorm.DB
	var err error
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Cache connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			if fi, statErr := os.Stat(dsn); statErr == nil && fi.Size() > 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			return nil, err
		}
		if err := integrityCheck(db); err != nil {
			closeDB(db)
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("💾 Cache opened (SQLite)")
	}

	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		closeDB(db)
		return nil, err
	}
	return c, nil
}

func integrityCheck(db *gorm.DB) error {
	var rows []string
	if err := db.Raw("PRAGMA integrity_check").Scan(&rows).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(rows) != 1 || rows[0] != "ok" {
		return fmt.Errorf("%w: integrity_check: %s", ErrCorrupt, strings.Join(rows, "; "))
	}
	return nil
}

func (c *Cache) migrate() error {
	if err := c.db.AutoMigrate(&meta{}, &entry{}, &RunRecord{}); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrCorrupt, err)
	}

	var m meta
	err := c.db.First(&m, "key = ?", "schema_version").Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		var n int64
		if err := c.db.Model(&entry{}).Count(&n).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %d entries without a version", ErrVersionMismatch, n)
		}
		return c.db.Create(&meta{Key: "schema_version", Value: SchemaVersion}).Error
	case err != nil:
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	case m.Value != SchemaVersion:
		return fmt.Errorf("%w: found %q, want %q", ErrVersionMismatch, m.Value, SchemaVersion)
	}
	return nil
}

// Get returns the payload of the tightest entry covering r. Anything less
// than full coverage is reported as Partial or Miss without a payload.
func (c *Cache) Get(ctx context.Context, key Key, r types.Range) (Lookup, error) {
	if !r.Valid() {
		return Lookup{}, fmt.Errorf("%w: %s", ErrInvalidRange, describe(r))
	}
	start, end := r.Start.UnixMilli(), r.End.UnixMilli()
	q := c.db.WithContext(ctx).
		Where("source = ? AND subject = ? AND resolution = ?", key.Source, key.Subject, key.Interval).
		Session(&gorm.Session{})

	var hit entry
	err := q.Where("range_start <= ? AND range_end >= ?", start, end).
		Order("range_end - range_start ASC").Order("id ASC").
		First(&hit).Error
	switch {
	case err == nil:
		if digest(hit.Payload) != hit.Digest {
			return Lookup{}, fmt.Errorf("%w: digest mismatch for %s %s", ErrCorrupt, key, describe(stored(hit)))
		}
		return Lookup{Status: Hit, Covered: stored(hit), Payload: hit.Payload}, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return Lookup{}, err
	}

	var overlaps []entry
	err = q.Select("id", "range_start", "range_end").
		Where("range_start < ? AND range_end > ?", end, start).
		Order("id ASC").
		Find(&overlaps).Error
	if err != nil {
		return Lookup{}, err
	}
	best := Lookup{Status: Miss}
	for _, e := range overlaps {
		ov, ok := stored(e).Overlap(r)
		if ok && ov.Duration() > best.Covered.Duration() {
			best = Lookup{Status: Partial, Covered: ov}
		}
	}
	return best, nil
}

// Put stores payload for key over r. The same range is overwritten. A put
// inside an already cached wider range is ignored, and a wider put replaces
// the entries it covers.
func (c *Cache) Put(ctx context.Context, key Key, r types.Range, payload []byte) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRange, describe(r))
	}
	start, end := r.Start.UnixMilli(), r.End.UnixMilli()

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := func() *gorm.DB {
			return tx.Model(&entry{}).Where("source = ? AND subject = ? AND resolution = ?", key.Source, key.Subject, key.Interval)
		}

		var same entry
		err := scope().Where("range_start = ? AND range_end = ?", start, end).First(&same).Error
		if err == nil {
			return tx.Model(&same).Updates(map[string]interface{}{
				"payload": payload,
				"digest":  digest(payload),
			}).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var wider int64
		if err := scope().Where("range_start <= ? AND range_end >= ?", start, end).Count(&wider).Error; err != nil {
			return err
		}
		if wider > 0 {
			log.Debug().Str("key", key.String()).Str("range", describe(r)).Msg("Wider range already cached")
			return nil
		}

		if err := scope().Where("range_start >= ? AND range_end <= ?", start, end).Delete(&entry{}).Error; err != nil {
			return err
		}
		return tx.Create(&entry{
			Source:     key.Source,
			Subject:    key.Subject,
			Resolution: key.Interval,
			RangeStart: start,
			RangeEnd:   end,
			Digest:     digest(payload),
			Payload:    payload,
		}).Error
	})
}

// GetStats returns entry counts per source
func (c *Cache) GetStats() (map[string]interface{}, error) {
	type sourceCount struct {
		Source string
		Count  int64
	}
	var counts []sourceCount
	if err := c.db.Model(&entry{}).Select("source, count(*) as count").Group("source").Scan(&counts).Error; err != nil {
		return nil, err
	}
	bySource := make(map[string]int64)
	var total int64
	for _, sc := range counts {
		bySource[sc.Source] = sc.Count
		total += sc.Count
	}
	return map[string]interface{}{
		"entries":   total,
		"by_source": bySource,
		"version":   SchemaVersion,
	}, nil
}

// Close releases the connection pool
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

func stored(e entry) types.Range {
	return types.Range{Start: time.UnixMilli(e.RangeStart).UTC(), End: time.UnixMilli(e.RangeEnd).UTC()}
}

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func describe(r types.Range) string {
	return r.Start.UTC().Format(time.RFC3339) + ".." + r.End.UTC().Format(time.RFC3339)
}
