package indicator

import (
	"fmt"
	"math"
)

// SMASeries returns the simple moving average of values. Needs at least period values.
func SMASeries(values []float64, period int) ([]float64, error) {
	if err := need(len(values), period, "SMA"); err != nil {
		return nil, err
	}
	return run(NewSMA(period), values), nil
}

// EMASeries returns the SMA-seeded exponential moving average of values.
// Needs at least period values.
func EMASeries(values []float64, period int) ([]float64, error) {
	if err := need(len(values), period, "EMA"); err != nil {
		return nil, err
	}
	return run(NewEMA(period), values), nil
}

// RSISeries returns Wilder's RSI of values. Needs period+1 values.
func RSISeries(values []float64, period int) ([]float64, error) {
	if err := need(len(values), period+1, "RSI"); err != nil {
		return nil, err
	}
	return run(NewRSI(period), values), nil
}

// Stoch holds the three StochRSI lines.
type Stoch struct {
	Raw []float64 // stochastic of RSI, 0..100
	K   []float64 // SMA(Raw, kPeriod)
	D   []float64 // SMA(K, dPeriod)
}

// StochRSI applies the stochastic oscillator to RSI(values, rsiPeriod) over
// stochPeriod samples, then smooths it into K and D.
func StochRSI(values []float64, rsiPeriod, stochPeriod, kPeriod, dPeriod int) (Stoch, error) {
	minLen := rsiPeriod + stochPeriod + kPeriod + dPeriod - 2
	if err := need(len(values), minLen, "StochRSI"); err != nil {
		return Stoch{}, err
	}
	rsi := run(NewRSI(rsiPeriod), values)

	raw := make([]float64, len(rsi))
	for i := range rsi {
		raw[i] = math.NaN()
		lo := i - stochPeriod + 1
		if lo < 0 || math.IsNaN(rsi[lo]) {
			continue
		}
		hi, low := rsi[lo], rsi[lo]
		for _, v := range rsi[lo+1 : i+1] {
			hi = math.Max(hi, v)
			low = math.Min(low, v)
		}
		if hi == low {
			raw[i] = 0
			continue
		}
		raw[i] = (rsi[i] - low) / (hi - low) * 100
	}

	k := clampPct(run(NewSMA(kPeriod), raw))
	d := clampPct(run(NewSMA(dPeriod), k))
	return Stoch{Raw: clampPct(raw), K: k, D: d}, nil
}

// clampPct pins values to [0, 100] in place. NaN passes through.
func clampPct(vs []float64) []float64 {
	for i, v := range vs {
		vs[i] = math.Min(100, math.Max(0, v))
	}
	return vs
}

// OBV returns on-balance volume starting from 0. Needs at least 2 values.
func OBV(closes, volumes []float64) ([]float64, error) {
	if len(closes) != len(volumes) {
		return nil, fmt.Errorf("indicator: OBV length mismatch %d != %d", len(closes), len(volumes))
	}
	if err := need(len(closes), 2, "OBV"); err != nil {
		return nil, err
	}
	out := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		switch {
		case closes[i] > closes[i-1]:
			out[i] = out[i-1] + volumes[i]
		case closes[i] < closes[i-1]:
			out[i] = out[i-1] - volumes[i]
		default:
			out[i] = out[i-1]
		}
	}
	return out, nil
}

// TrueRange returns max(h-l, |h-prevClose|, |l-prevClose|) per candle.
// The first element has no previous close and is h-l.
func TrueRange(highs, lows, closes []float64) ([]float64, error) {
	if err := sameLen(highs, lows, closes); err != nil {
		return nil, err
	}
	if err := need(len(highs), 1, "TrueRange"); err != nil {
		return nil, err
	}
	out := make([]float64, len(highs))
	out[0] = highs[0] - lows[0]
	for i := 1; i < len(highs); i++ {
		pc := closes[i-1]
		out[i] = math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-pc), math.Abs(lows[i]-pc)))
	}
	return out, nil
}

// ATR returns the average true range, SMA-seeded then Wilder-smoothed.
func ATR(highs, lows, closes []float64, period int) ([]float64, error) {
	tr, err := TrueRange(highs, lows, closes)
	if err != nil {
		return nil, err
	}
	if err := need(len(tr), period, "ATR"); err != nil {
		return nil, err
	}
	return run(NewSMMA(period), tr), nil
}

func need(have, want int, name string) error {
	if have < want {
		return fmt.Errorf("%w: %s needs %d values, have %d", ErrInsufficientData, name, want, have)
	}
	return nil
}

func sameLen(highs, lows, closes []float64) error {
	if len(highs) != len(lows) || len(highs) != len(closes) {
		return fmt.Errorf("indicator: length mismatch h=%d l=%d c=%d", len(highs), len(lows), len(closes))
	}
	return nil
}
