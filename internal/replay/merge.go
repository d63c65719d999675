package replay

import (
	"sort"
	"time"

	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// Kind orders events that share a timestamp
type Kind int

const (
	KindPrice Kind = iota
	KindOdds
	KindSettlement
)

func (k Kind) String() string {
	switch k {
	case KindPrice:
		return "price"
	case KindOdds:
		return "odds"
	case KindSettlement:
		return "settlement"
	}
	return "unknown"
}

// Event is one step of the replay timeline. Exactly one payload is set.
type Event struct {
	Kind       Kind
	Time       time.Time
	Price      *types.PriceSample
	Odds       *types.OddsSample
	Settlement *types.Settlement
}

// Merge interleaves the series by timestamp. At an equal timestamp prices come
// before odds and odds before settlements; within one series input order is kept.
func Merge(prices []types.PriceSample, odds []types.OddsSample, settlements []types.Settlement) []Event {
	events := make([]Event, 0, len(prices)+len(odds)+len(settlements))
	for i := range prices {
		events = append(events, Event{Kind: KindPrice, Time: prices[i].Timestamp, Price: &prices[i]})
	}
	for i := range odds {
		events = append(events, Event{Kind: KindOdds, Time: odds[i].Timestamp, Odds: &odds[i]})
	}
	for i := range settlements {
		events = append(events, Event{Kind: KindSettlement, Time: settlements[i].Timestamp, Settlement: &settlements[i]})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Time.Equal(events[j].Time) {
			return events[i].Time.Before(events[j].Time)
		}
		return events[i].Kind < events[j].Kind
	})
	return events
}
