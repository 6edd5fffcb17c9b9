package candlestore

import (
	"fmt"
	"log"
	"strings"

	"candlebot/internal/model"
)

// target is one derived timeframe.
type target struct {
	label  string
	dur    int64 // ms
	offset int64 // ms from the epoch to the first bucket boundary
}

// weekOffset moves week buckets from the epoch (a Thursday) to Monday.
const weekOffset = 4 * 24 * 60 * 60 * 1000

// bucketStart returns the start of the bucket holding ts.
func (t target) bucketStart(ts int64) int64 {
	rem := (ts - t.offset) % t.dur
	if rem < 0 {
		rem += t.dur
	}
	return ts - rem
}

// Resampler derives coarser timeframes from a base timeframe. It fronts a
// Store: every upsert is applied to the store and, for base-timeframe
// candles, the enclosing derived buckets are recomputed from the base
// candles currently held for that bucket.
//
// Recomputing instead of merging keeps the derived candle correct when the
// exchange re-sends a forming base candle with cumulative volume. The base
// entry capacity must cover at least one full derived bucket.
type Resampler struct {
	store   *Store
	base    string
	baseDur int64
	targets []target

	// OnDerived is called whenever a derived candle is upserted (optional).
	// A closed bucket may be reported more than once if its last base
	// candle is re-sent.
	OnDerived func(c model.Candle)
}

// NewResampler creates a resampler from baseTF into each of targets.
// Every target must be a whole multiple of the base duration.
func NewResampler(store *Store, baseTF string, targets []string) (*Resampler, error) {
	baseDur, err := model.ParseTimeframe(baseTF)
	if err != nil {
		return nil, err
	}
	r := &Resampler{
		store:   store,
		base:    model.NewSeriesKey("", baseTF).Timeframe,
		baseDur: baseDur.Milliseconds(),
	}
	for _, tf := range targets {
		d, err := model.ParseTimeframe(tf)
		if err != nil {
			return nil, err
		}
		if d <= baseDur || d%baseDur != 0 {
			return nil, fmt.Errorf("timeframe %s is not a multiple of base %s", tf, baseTF)
		}
		label := model.NewSeriesKey("", tf).Timeframe
		t := target{label: label, dur: d.Milliseconds()}
		if strings.HasSuffix(label, "w") {
			t.offset = weekOffset
		}
		r.targets = append(r.targets, t)
	}
	return r, nil
}

// Base returns the base timeframe label.
func (r *Resampler) Base() string { return r.base }

// Targets returns the derived timeframe labels.
func (r *Resampler) Targets() []string {
	out := make([]string, len(r.targets))
	for i, t := range r.targets {
		out[i] = t.label
	}
	return out
}

// MinBaseCapacity returns the smallest base capacity that holds one full
// bucket of the largest target.
func (r *Resampler) MinBaseCapacity() int {
	widest := int64(1)
	for _, t := range r.targets {
		if n := t.dur / r.baseDur; n > widest {
			widest = n
		}
	}
	return int(widest)
}

// Upsert applies c to the store and refreshes the derived buckets.
// Satisfies model.CandleSink.
func (r *Resampler) Upsert(key model.SeriesKey, c model.Candle) error {
	if err := r.store.Upsert(key, c); err != nil {
		return err
	}
	if key.Timeframe != r.base {
		return nil
	}
	entry, err := r.store.Entry(key)
	if err != nil {
		return err
	}

	for _, t := range r.targets {
		bucket := t.bucketStart(c.PeriodStart)
		parts := entry.Since(bucket)
		agg, ok := aggregate(parts, bucket, t)
		if !ok {
			continue
		}
		agg.Symbol = c.Symbol
		dk := model.NewSeriesKey(key.Symbol, t.label)
		if err := r.store.Upsert(dk, agg); err != nil {
			log.Printf("[resample] %s: %v", dk, err)
			continue
		}
		if r.OnDerived != nil {
			r.OnDerived(agg)
		}
	}
	return nil
}

// aggregate folds the base candles inside [bucket, bucket+dur) into one
// candle. parts must be ascending and start at or after bucket.
func aggregate(parts []model.Candle, bucket int64, t target) (model.Candle, bool) {
	end := bucket + t.dur
	var out model.Candle
	n := 0
	for i := range parts {
		p := &parts[i]
		if p.PeriodStart >= end {
			break
		}
		if n == 0 {
			out = model.Candle{
				Timeframe:   t.label,
				PeriodStart: bucket,
				PeriodEnd:   end - 1,
				Open:        p.Open,
				High:        p.High,
				Low:         p.Low,
			}
		}
		if p.High > out.High {
			out.High = p.High
		}
		if p.Low < out.Low {
			out.Low = p.Low
		}
		out.Close = p.Close
		out.Volume += p.Volume
		out.TradeCount += p.TradeCount
		out.Closed = p.Closed && p.PeriodEnd >= end-1
		n++
	}
	return out, n > 0
}
