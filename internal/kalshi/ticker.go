package kalshi

import (
	"regexp"
	"strconv"
	"strings"
)

// underlyings maps a series asset code to the spot instrument it tracks
var underlyings = []struct {
	code       string
	instrument string
}{
	{"BTC", "BTCUSDT"},
	{"ETH", "ETHUSDT"},
	{"SOL", "SOLUSDT"},
	{"XRP", "XRPUSDT"},
	{"DOGE", "DOGEUSDT"},
}

var (
	strikeSuffix = regexp.MustCompile(`-[TB](\d+(?:\.\d+)?)$`)
	titleDollar  = regexp.MustCompile(`\$([0-9,]+(?:\.[0-9]+)?)`)
)

// SeriesOf returns the series part of a market or event ticker:
// KXBTCD-25MAR0416-T100000 -> KXBTCD
func SeriesOf(ticker string) string {
	if i := strings.IndexByte(ticker, '-'); i >= 0 {
		return ticker[:i]
	}
	return ticker
}

// InstrumentFor maps a series or market ticker to its spot symbol, "" if unknown
func InstrumentFor(ticker string) string {
	s := strings.TrimPrefix(strings.ToUpper(SeriesOf(ticker)), "KX")
	for _, u := range underlyings {
		if strings.HasPrefix(s, u.code) {
			return u.instrument
		}
	}
	return ""
}

// ParseStrike reads the strike from a -T/-B ticker suffix, falling back to the
// first dollar amount in the title. Returns 0 when neither has one.
func ParseStrike(ticker, title string) float64 {
	if m := strikeSuffix.FindStringSubmatch(ticker); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v
		}
	}
	if m := titleDollar.FindStringSubmatch(title); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			return v
		}
	}
	return 0
}
