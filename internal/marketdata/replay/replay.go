// Package replay drives a strategy engine from historical candles so that a
// backtest exercises exactly the code path used live.
package replay

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"candlebot/internal/indicator"
	"candlebot/internal/model"
	"candlebot/internal/strategy"
)

// Ticker is the evaluation entry point of a strategy engine.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Result summarises one replay.
type Result struct {
	Candles int // candles applied to the sink
	Ticks   int // evaluations that ran to completion
	Skipped int // evaluations skipped for warm-up or overlap
	Failed  int // candles rejected by the sink or ticks that errored
}

// Runner feeds candles into Sink and ticks Engine after each one.
type Runner struct {
	Sink   model.CandleSink
	Engine Ticker

	// Speed controls the playback rate: 1.0 = real-time, 10.0 = 10x,
	// 0 = as fast as possible.
	Speed float64

	// MaxGap caps a single simulated sleep. Defaults to 5s.
	MaxGap time.Duration
}

// Run replays candles in PeriodStart order. It returns early with ctx.Err()
// when cancelled.
func (r *Runner) Run(ctx context.Context, candles []model.Candle) (Result, error) {
	var res Result
	if len(candles) == 0 {
		log.Println("[replay] no candles to replay")
		return res, nil
	}

	sorted := make([]model.Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PeriodStart < sorted[j].PeriodStart })

	maxGap := r.MaxGap
	if maxGap <= 0 {
		maxGap = 5 * time.Second
	}

	log.Printf("[replay] loaded %d candles, speed=%.1fx", len(sorted), r.Speed)

	var prevStart int64
	for i, c := range sorted {
		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d candles", res.Candles)
			return res, ctx.Err()
		default:
		}

		// Simulate time gaps between candles
		if r.Speed > 0 && i > 0 {
			if gap := time.Duration(c.PeriodStart-prevStart) * time.Millisecond; gap > 0 {
				scaled := time.Duration(float64(gap) / r.Speed)
				if scaled > maxGap {
					scaled = maxGap
				}
				select {
				case <-ctx.Done():
					return res, ctx.Err()
				case <-time.After(scaled):
				}
			}
		}
		prevStart = c.PeriodStart

		if err := r.Sink.Upsert(c.Key(), c); err != nil {
			log.Printf("[replay] candle %d rejected: %v", c.PeriodStart, err)
			res.Failed++
			continue
		}
		res.Candles++

		err := r.Engine.Tick(ctx)
		switch {
		case err == nil:
			res.Ticks++
		case errors.Is(err, indicator.ErrInsufficientData), errors.Is(err, strategy.ErrTickInProgress):
			res.Skipped++
		default:
			log.Printf("[replay] tick after candle %d: %v", c.PeriodStart, err)
			res.Failed++
		}
	}

	log.Printf("[replay] completed: %d candles, %d ticks, %d skipped, %d failed",
		res.Candles, res.Ticks, res.Skipped, res.Failed)
	return res, nil
}
