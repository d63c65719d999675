package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSyncInSubscriptionOrder(t *testing.T) {
	b := New()
	defer b.Close()

	var got []string
	b.Subscribe(TopicPrice, func(ctx context.Context, ev Event) error {
		got = append(got, "first:"+ev.Payload.(string))
		return nil
	})
	b.Subscribe(TopicPrice, func(ctx context.Context, ev Event) error {
		got = append(got, "second:"+ev.Payload.(string))
		return nil
	})
	b.Subscribe(TopicOdds, func(ctx context.Context, ev Event) error {
		got = append(got, "odds")
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), TopicPrice, "a"))
	require.NoError(t, b.Publish(context.Background(), TopicPrice, "b"))

	assert.Equal(t, []string{"first:a", "second:a", "first:b", "second:b"}, got)
}

func TestQueuedSubscriberIsFIFO(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []int
	b.Subscribe(TopicPrice, func(ctx context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		mu.Unlock()
		return nil
	}, WithQueue(128))

	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(context.Background(), TopicPrice, i))
	}
	b.Close()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestFullQueueSurfacesBackpressure(t *testing.T) {
	b := New()
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	b.Subscribe(TopicOdds, func(ctx context.Context, ev Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, WithQueue(1), WithName("slow"))

	require.NoError(t, b.Publish(context.Background(), TopicOdds, 1))
	<-started // worker holds event 1
	require.NoError(t, b.Publish(context.Background(), TopicOdds, 2))

	err := b.Publish(context.Background(), TopicOdds, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackpressure))
	var bp *BackpressureError
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, []string{"slow"}, bp.Subscribers)

	close(release)
	b.Close()
}

func TestHandlerPanicBecomesAlert(t *testing.T) {
	b := New()
	defer b.Close()

	var alerts []Alert
	b.Subscribe(TopicAlert, func(ctx context.Context, ev Event) error {
		alerts = append(alerts, ev.Payload.(Alert))
		return nil
	})

	calls := 0
	b.Subscribe(TopicPrice, func(ctx context.Context, ev Event) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	}, WithName("flaky"))

	other := 0
	b.Subscribe(TopicPrice, func(ctx context.Context, ev Event) error {
		other++
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), TopicPrice, 1))
	require.NoError(t, b.Publish(context.Background(), TopicPrice, 2))

	assert.Equal(t, 2, calls, "panicking handler keeps receiving events")
	assert.Equal(t, 2, other)
	require.Len(t, alerts, 1)
	assert.Equal(t, "flaky", alerts[0].Source)
	assert.Contains(t, alerts[0].Details["error"], "boom")
}

func TestRepeatedFailuresSuspendThenProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	b := New(WithBreaker(3, time.Minute), WithClock(clock))
	defer b.Close()

	fail := true
	calls := 0
	b.Subscribe(TopicOdds, func(ctx context.Context, ev Event) error {
		calls++
		if fail {
			return errors.New("bad payload")
		}
		return nil
	})

	for i := 0; i < 5; i++ {
		_ = b.Publish(context.Background(), TopicOdds, i)
	}
	assert.Equal(t, 3, calls, "suspended after threshold")

	now = now.Add(time.Minute)
	fail = false
	require.NoError(t, b.Publish(context.Background(), TopicOdds, "probe"))
	require.NoError(t, b.Publish(context.Background(), TopicOdds, "after"))
	assert.Equal(t, 5, calls)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	calls := 0
	tok := b.Subscribe(TopicSignal, func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})
	require.NoError(t, b.Publish(context.Background(), TopicSignal, 1))
	assert.Equal(t, 1, b.GetStats()[string(TopicSignal)])
	assert.True(t, b.Unsubscribe(tok))
	assert.False(t, b.Unsubscribe(tok))
	require.NoError(t, b.Publish(context.Background(), TopicSignal, 2))

	assert.Equal(t, 1, calls)
	assert.Zero(t, b.Subscribers(TopicSignal))
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	b.Close()
	b.Close()
	assert.ErrorIs(t, b.Publish(context.Background(), TopicPrice, 1), ErrClosed)
}
