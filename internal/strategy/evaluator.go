package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"candlebot/internal/candlestore"
	"candlebot/internal/indicator"
	"candlebot/internal/model"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Intention Intention
	Price     float64   // latest close of the primary series
	Time      time.Time // start of the latest primary candle
	Reason    string
	Statuses  map[string]Status
}

// Evaluator produces a decision from the current market state.
type Evaluator interface {
	Evaluate(ctx context.Context) (Decision, error)
}

// SeriesSource supplies consistent candle snapshots.
type SeriesSource interface {
	Snapshot(key model.SeriesKey) (candlestore.Series, error)
}

// RuleEvaluator evaluates a declarative Strategy against a SeriesSource.
type RuleEvaluator struct {
	src    SeriesSource
	symbol string
	strat  Strategy
}

// NewRuleEvaluator normalizes and validates s. primaryTF is used for
// series that name no timeframe.
func NewRuleEvaluator(src SeriesSource, symbol, primaryTF string, s Strategy) (*RuleEvaluator, error) {
	s.Normalize(primaryTF)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &RuleEvaluator{src: src, symbol: symbol, strat: s}, nil
}

// Strategy returns the normalized definition.
func (r *RuleEvaluator) Strategy() Strategy { return r.strat }

// Evaluate classifies every signal and applies the buy then sell rule.
// Any signal still warming up makes the whole tick insufficient.
func (r *RuleEvaluator) Evaluate(_ context.Context) (Decision, error) {
	snaps := make(map[string]candlestore.Series)
	snapshot := func(tf string) (candlestore.Series, error) {
		if s, ok := snaps[tf]; ok {
			return s, nil
		}
		key := model.NewSeriesKey(r.symbol, tf)
		s, err := r.src.Snapshot(key)
		if errors.Is(err, candlestore.ErrNotFound) {
			return s, fmt.Errorf("%w: no candles for %s", indicator.ErrInsufficientData, key)
		}
		if err != nil {
			return s, err
		}
		if s.Len() == 0 {
			return s, fmt.Errorf("%w: no candles for %s", indicator.ErrInsufficientData, key)
		}
		snaps[tf] = s
		return s, nil
	}
	last2 := func(spec SeriesSpec) (float64, float64, error) {
		s, err := snapshot(spec.Timeframe)
		if err != nil {
			return 0, 0, err
		}
		vals, err := computeSeries(s, spec)
		if err != nil {
			return 0, 0, fmt.Errorf("%s: %w", spec, err)
		}
		prev, cur, err := indicator.Last2(vals)
		if err != nil {
			return 0, 0, fmt.Errorf("%s: %w", spec, err)
		}
		return prev, cur, nil
	}

	primary, err := snapshot(r.strat.Timeframe)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Intention: IntentionHold,
		Price:     primary.Latest.Close,
		Time:      time.UnixMilli(primary.Latest.PeriodStart).UTC(),
		Statuses:  make(map[string]Status, len(r.strat.Signals)),
	}
	var trail []string

	for _, sig := range r.strat.Signals {
		prev, cur, err := last2(sig.Fast)
		if err != nil {
			return Decision{}, fmt.Errorf("signal %s: %w", sig.Name, err)
		}
		var st Status
		switch sig.Kind {
		case KindCross:
			prevSlow, curSlow, err := last2(sig.Slow)
			if err != nil {
				return Decision{}, fmt.Errorf("signal %s: %w", sig.Name, err)
			}
			st = Cross(prev, prevSlow, cur, curSlow)
			trail = append(trail, fmt.Sprintf("%s %s %.3f/%.3f prev %.3f/%.3f", sig.Name, st, cur, curSlow, prev, prevSlow))
		case KindLevel:
			st = Level(cur, sig.Upper, sig.Lower)
			trail = append(trail, fmt.Sprintf("%s %s %.3f [%g,%g]", sig.Name, st, cur, sig.Lower, sig.Upper))
		case KindSlope:
			st = Slope(prev, cur)
			trail = append(trail, fmt.Sprintf("%s %s %.3f prev %.3f", sig.Name, st, cur, prev))
		case KindTrend:
			st = Trend(indicator.Direction(prev), indicator.Direction(cur))
			trail = append(trail, fmt.Sprintf("%s %s", sig.Name, st))
		}
		d.Statuses[sig.Name] = st
	}

	switch {
	case r.strat.Buy.Holds(d.Statuses):
		d.Intention = IntentionBuy
	case r.strat.Sell.Holds(d.Statuses):
		d.Intention = IntentionSell
	}
	d.Reason = strings.Join(trail, "; ")
	return d, nil
}

// computeSeries evaluates one indicator series over a snapshot.
func computeSeries(s candlestore.Series, spec SeriesSpec) ([]float64, error) {
	switch spec.Indicator {
	case IndClose:
		return s.Closes, nil
	case IndSMA:
		return indicator.SMASeries(s.Closes, spec.Period)
	case IndEMA:
		return indicator.EMASeries(s.Closes, spec.Period)
	case IndRSI:
		return indicator.RSISeries(s.Closes, spec.Period)
	case IndStochRSI, IndStochK, IndStochD:
		st, err := indicator.StochRSI(s.Closes, spec.Period, spec.StochPeriod, spec.KPeriod, spec.DPeriod)
		if err != nil {
			return nil, err
		}
		switch spec.Indicator {
		case IndStochK:
			return st.K, nil
		case IndStochD:
			return st.D, nil
		}
		return st.Raw, nil
	case IndOBV:
		return indicator.OBV(s.Closes, s.Volumes)
	case IndTrend:
		band, err := indicator.TrendBand(s.Highs, s.Lows, s.Closes, spec.Period, spec.Multiplier)
		if err != nil {
			return nil, err
		}
		dirs := make([]float64, len(band.Direction))
		for i, d := range band.Direction {
			if math.IsNaN(band.Value[i]) {
				dirs[i] = math.NaN()
				continue
			}
			dirs[i] = float64(d)
		}
		return dirs, nil
	}
	return nil, fmt.Errorf("unknown indicator %q", spec.Indicator)
}
