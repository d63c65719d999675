package cache

import (
	"context"
	"encoding/json"
	"time"
)

// RunRecord is a stored backtest summary, one row per replay or permutation
type RunRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Batch      string `gorm:"index"`
	Instrument string `gorm:"index"`
	Key        string
	Gates      string
	RangeStart time.Time
	RangeEnd   time.Time
	Signals    int
	Trades     int
	TotalPnL   string
	Metrics    []byte
	CreatedAt  time.Time
}

func (RunRecord) TableName() string { return "backtest_runs" }

// SaveRun stores a run. metrics is encoded as JSON.
func (c *Cache) SaveRun(ctx context.Context, rec *RunRecord, metrics interface{}) error {
	b, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	rec.Metrics = b
	return c.db.WithContext(ctx).Create(rec).Error
}

// RecentRuns returns the newest runs of a batch, or of all batches when
// batch is empty
func (c *Cache) RecentRuns(ctx context.Context, batch string, limit int) ([]RunRecord, error) {
	q := c.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if batch != "" {
		q = q.Where("batch = ?", batch)
	}
	var runs []RunRecord
	err := q.Find(&runs).Error
	return runs, err
}
