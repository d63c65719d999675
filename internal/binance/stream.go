package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// streamIdle is how long a kline stream may stay silent before it counts as dead
const streamIdle = 90 * time.Second

// StreamCandles reads the combined kline stream for symbols and calls fn with
// every closed candle. It returns when ctx is done or the connection fails;
// the caller owns reconnecting.
func (c *Client) StreamCandles(ctx context.Context, symbols []string, interval string, fn func(types.PriceSample)) error {
	if len(symbols) == 0 {
		return fmt.Errorf("binance: no symbols to stream")
	}
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@kline_" + interval
	}
	endpoint := c.wsURL + "/stream?streams=" + strings.Join(streams, "/")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("binance: dial stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	log.Info().Strs("symbols", symbols).Str("interval", interval).Msg("📈 Binance kline stream connected")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamIdle))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("binance: read stream: %w", err)
		}
		if s, ok := parseKlineFrame(msg); ok {
			fn(s)
		}
	}
}

// parseKlineFrame accepts both raw and combined-stream kline frames and
// reports false for candles that have not closed yet
func parseKlineFrame(msg []byte) (types.PriceSample, bool) {
	k := gjson.GetBytes(msg, "data.k")
	if !k.Exists() {
		k = gjson.GetBytes(msg, "k")
	}
	if !k.Exists() || !k.Get("x").Bool() {
		return types.PriceSample{}, false
	}
	return types.PriceSample{
		Instrument: strings.ToUpper(k.Get("s").String()),
		Timestamp:  time.UnixMilli(k.Get("T").Int() + 1).UTC(),
		Open:       k.Get("o").Float(),
		High:       k.Get("h").Float(),
		Low:        k.Get("l").Float(),
		Close:      k.Get("c").Float(),
		Volume:     k.Get("v").Float(),
	}, true
}
