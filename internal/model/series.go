package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SeriesKey identifies one candle series. Both parts are lowercase.
type SeriesKey struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// NewSeriesKey builds a case-normalized key.
func NewSeriesKey(symbol, timeframe string) SeriesKey {
	return SeriesKey{
		Symbol:    strings.ToLower(strings.TrimSpace(symbol)),
		Timeframe: strings.ToLower(strings.TrimSpace(timeframe)),
	}
}

// String returns "symbol_timeframe".
func (k SeriesKey) String() string {
	return k.Symbol + "_" + k.Timeframe
}

// ParseTimeframe converts an interval label such as "1m", "4h" or "1d"
// into its duration. Month intervals are not supported because they have
// no fixed length.
func ParseTimeframe(tf string) (time.Duration, error) {
	tf = strings.ToLower(strings.TrimSpace(tf))
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	var unit time.Duration
	switch tf[len(tf)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", tf)
	}
	return time.Duration(n) * unit, nil
}

// ParseTimeframes splits a comma-separated list, skipping blanks, and
// validates each entry.
func ParseTimeframes(s string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, err := ParseTimeframe(p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
