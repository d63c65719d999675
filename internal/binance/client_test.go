package binance

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malekhnovich/kalshi-arb/internal/types"
)

var t0 = time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)

func klineRow(open time.Time, px float64) string {
	o := open.UnixMilli()
	return fmt.Sprintf(`[%d,"%.2f","%.2f","%.2f","%.2f","12.5",%d,"0",10,"0","0","0"]`,
		o, px-1, px+2, px-3, px, o+60_000-1)
}

// klineServer serves one-minute candles starting at t0, n in total, honouring
// startTime and limit
func klineServer(t *testing.T, n int, calls *int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		*calls++

		start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if end == 0 {
			end = math.MaxInt64
		}

		var rows []string
		for i := 0; i < n && len(rows) < limit; i++ {
			open := t0.Add(time.Duration(i) * time.Minute)
			if open.UnixMilli() < start || open.UnixMilli() > end {
				continue
			}
			rows = append(rows, klineRow(open, 100000+float64(i)))
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))
}

func TestFetchCandlesPaginates(t *testing.T) {
	calls := 0
	srv := klineServer(t, 1500, &calls)
	defer srv.Close()

	c := NewClient(srv.URL, "", WithRateLimit(1000))
	got, err := c.FetchCandles(context.Background(), "btcusdt", "1m", types.Range{Start: t0, End: t0.Add(1500 * time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	require.Len(t, got, 1500)
	assert.Equal(t, "BTCUSDT", got[0].Instrument)
	assert.Equal(t, t0.Add(time.Minute), got[0].Timestamp, "timestamp is the candle close")
	assert.Equal(t, 100000.0, got[0].Close)
	assert.Equal(t, 100002.0, got[0].High)
	assert.Equal(t, 12.5, got[0].Volume)
	assert.Equal(t, t0.Add(1500*time.Minute), got[1499].Timestamp)
}

func TestFetchCandlesDropsCandleClosingAfterRange(t *testing.T) {
	calls := 0
	srv := klineServer(t, 100, &calls)
	defer srv.Close()

	c := NewClient(srv.URL, "", WithRateLimit(1000))
	got, err := c.FetchCandles(context.Background(), "BTCUSDT", "1m", types.Range{Start: t0, End: t0.Add(10*time.Minute + 30*time.Second)})
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, t0.Add(10*time.Minute), got[9].Timestamp)
}

func TestLatestCandlesSkipsFormingCandle(t *testing.T) {
	calls := 0
	srv := klineServer(t, 5, &calls)
	defer srv.Close()

	now := t0.Add(4*time.Minute + 20*time.Second)
	c := NewClient(srv.URL, "", WithRateLimit(1000), WithClock(func() time.Time { return now }))
	got, err := c.LatestCandles(context.Background(), "BTCUSDT", "1m", 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, t0.Add(4*time.Minute), got[3].Timestamp)
}

func TestRESTErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithRateLimit(1000))
	r := types.Range{Start: t0, End: t0.Add(time.Hour)}

	_, err := c.FetchCandles(context.Background(), "BTCUSDT", "1m", r)
	assert.ErrorIs(t, err, ErrRateLimited)

	status = http.StatusBadRequest
	_, err = c.FetchCandles(context.Background(), "BTCUSDT", "1m", r)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Body, "Invalid symbol")

	_, err = c.FetchCandles(context.Background(), "BTCUSDT", "1m", types.Range{Start: t0, End: t0})
	assert.Error(t, err)
}

func TestStreamCandlesEmitsClosedOnly(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "btcusdt@kline_1m/ethusdt@kline_1m", r.URL.Query().Get("streams"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		frame := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{"t":%d,"T":%d,"s":"BTCUSDT","i":"1m","o":"1","c":"%s","h":"3","l":"0.5","v":"7","x":%t}}}`
		open := t0.UnixMilli()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(frame, open, open+59_999, "2", false)))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(frame, open, open+59_999, "2.5", true)))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
	}))
	defer srv.Close()

	c := NewClient("", "ws"+strings.TrimPrefix(srv.URL, "http"))

	var mu sync.Mutex
	var got []types.PriceSample
	err := c.StreamCandles(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, "1m", func(s types.PriceSample) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
	})
	assert.Error(t, err, "server hangs up after three frames")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "BTCUSDT", got[0].Instrument)
	assert.Equal(t, 2.5, got[0].Close)
	assert.Equal(t, t0.Add(time.Minute), got[0].Timestamp)
}

func TestStreamCandlesStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient("", "ws"+strings.TrimPrefix(srv.URL, "http"))

	errc := make(chan error, 1)
	go func() { errc <- c.StreamCandles(ctx, []string{"BTCUSDT"}, "1m", func(types.PriceSample) {}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}
