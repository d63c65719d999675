package arbitrage

import (
	"fmt"
	"time"

	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// keys older than this many buckets are forgotten
const bucketRetention = 4

// Aggregator admits at most one signal per (instrument, market, time bucket).
// Buckets are aligned to the Unix epoch.
type Aggregator struct {
	bucket time.Duration
	seen   map[string]int64
	newest int64
}

// NewAggregator creates an aggregator with the given bucket width
func NewAggregator(bucket time.Duration) *Aggregator {
	if bucket <= 0 {
		bucket = time.Minute
	}
	return &Aggregator{bucket: bucket, seen: make(map[string]int64)}
}

// Bucket returns the bucket index for t
func (a *Aggregator) Bucket(t time.Time) int64 {
	return t.UnixNano() / int64(a.bucket)
}

// Admit returns false when the signal's bucket already produced one
func (a *Aggregator) Admit(sig types.Signal) bool {
	b := a.Bucket(sig.Timestamp)
	key := fmt.Sprintf("%s|%s|%d", sig.Instrument, sig.MarketID, b)
	if _, dup := a.seen[key]; dup {
		return false
	}
	a.seen[key] = b
	if b > a.newest {
		a.newest = b
		a.prune()
	}
	return true
}

func (a *Aggregator) prune() {
	for k, b := range a.seen {
		if b < a.newest-bucketRetention {
			delete(a.seen, k)
		}
	}
}
