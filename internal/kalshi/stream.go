package kalshi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/malekhnovich/kalshi-arb/internal/types"
)

const (
	pingInterval = 10 * time.Second
	streamIdle   = 60 * time.Second
)

// Stream reads the WebSocket ticker channel
type Stream struct {
	wsURL  string
	signer *Signer
	now    func() time.Time
}

// NewStream creates a stream for wsURL, the public endpoint when empty.
// The ticker channel requires a signer.
func NewStream(wsURL string, signer *Signer) *Stream {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &Stream{wsURL: wsURL, signer: signer, now: time.Now}
}

type subscribeCmd struct {
	ID     int             `json:"id"`
	Cmd    string          `json:"cmd"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

// Run subscribes to ticker updates for markets and calls fn with each quote.
// Quotes carry the strike and expiry of the matching market. It returns when
// ctx is done or the connection fails.
func (s *Stream) Run(ctx context.Context, markets []types.Market, fn func(types.OddsSample)) error {
	if len(markets) == 0 {
		return errors.New("kalshi: no markets to stream")
	}
	byID := make(map[string]types.Market, len(markets))
	tickers := make([]string, 0, len(markets))
	for _, m := range markets {
		byID[m.ID] = m
		tickers = append(tickers, m.ID)
	}

	header := http.Header{}
	if s.signer != nil {
		u, err := url.Parse(s.wsURL)
		if err != nil {
			return fmt.Errorf("kalshi: ws url: %w", err)
		}
		if err := s.signer.Apply(header, http.MethodGet, u.Path, s.now()); err != nil {
			return err
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return fmt.Errorf("kalshi: dial stream: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(mt int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(mt, data)
	}

	if err := conn.WriteJSON(subscribeCmd{
		ID:     1,
		Cmd:    "subscribe",
		Params: subscribeParams{Channels: []string{"ticker"}, MarketTickers: tickers},
	}); err != nil {
		return fmt.Errorf("kalshi: subscribe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-t.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	log.Info().Int("markets", len(tickers)).Msg("📡 Kalshi ticker stream connected")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamIdle))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kalshi: read stream: %w", err)
		}

		switch gjson.GetBytes(msg, "type").String() {
		case "ticker":
			if o, ok := parseTicker(msg, byID); ok {
				fn(o)
			}
		case "error":
			return fmt.Errorf("kalshi: stream error %d: %s",
				gjson.GetBytes(msg, "msg.code").Int(), gjson.GetBytes(msg, "msg.msg").String())
		case "subscribed":
			log.Debug().Int64("sid", gjson.GetBytes(msg, "msg.sid").Int()).Msg("Kalshi subscription confirmed")
		}
	}
}

// parseTicker turns a ticker frame into a quote. The NO ask is the complement
// of the YES bid.
func parseTicker(msg []byte, byID map[string]types.Market) (types.OddsSample, bool) {
	body := gjson.GetBytes(msg, "msg")
	id := body.Get("market_ticker").String()
	m, ok := byID[id]
	if !ok {
		return types.OddsSample{}, false
	}

	yes := body.Get("yes_ask").Float()
	if yes == 0 {
		yes = body.Get("price").Float()
	}
	no := 0.0
	if bid := body.Get("yes_bid").Float(); bid > 0 {
		no = 100 - bid
	} else if yes > 0 {
		no = 100 - yes
	}

	at := time.Unix(body.Get("ts").Int(), 0).UTC()
	return types.OddsSample{
		MarketID:   id,
		Instrument: m.Instrument,
		Strike:     m.Strike,
		Expiry:     m.Expiry,
		Timestamp:  at,
		YesPrice:   yes,
		NoPrice:    no,
		Volume:     body.Get("volume").Int(),
	}, true
}
