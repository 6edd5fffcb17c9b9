package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Candle is one time bucket of price/volume activity for a single
// (instrument, timeframe) series. Timestamps are Unix milliseconds.
type Candle struct {
	Symbol      string  `json:"symbol"`
	Timeframe   string  `json:"timeframe"`
	PeriodStart int64   `json:"period_start"` // bucket start, ms
	PeriodEnd   int64   `json:"period_end"`   // bucket end, ms
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	TradeCount  int64   `json:"trade_count,omitempty"`
	Closed      bool    `json:"closed"` // false while the bucket is still forming
}

// Key returns the series key this candle belongs to.
func (c *Candle) Key() SeriesKey {
	return NewSeriesKey(c.Symbol, c.Timeframe)
}

// StartTime returns PeriodStart as a UTC time.
func (c *Candle) StartTime() time.Time {
	return time.UnixMilli(c.PeriodStart).UTC()
}

// EndTime returns PeriodEnd as a UTC time.
func (c *Candle) EndTime() time.Time {
	return time.UnixMilli(c.PeriodEnd).UTC()
}

// Validate checks the bucket and price-range invariants.
func (c *Candle) Validate() error {
	if c.PeriodStart >= c.PeriodEnd {
		return fmt.Errorf("period start %d not before end %d", c.PeriodStart, c.PeriodEnd)
	}
	if c.Low > c.High {
		return fmt.Errorf("low %v above high %v", c.Low, c.High)
	}
	if c.Open < c.Low || c.Open > c.High {
		return fmt.Errorf("open %v outside [%v, %v]", c.Open, c.Low, c.High)
	}
	if c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("close %v outside [%v, %v]", c.Close, c.Low, c.High)
	}
	return nil
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
