package indicator

import "math"

// Direction of a trend band.
type Direction int

const (
	Up   Direction = 1
	Down Direction = -1
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// Band is the output of TrendBand. Value is the active band (the lower band
// while Up, the upper band while Down) and is NaN during warm-up.
type Band struct {
	Value     []float64
	Direction []Direction
	Upper     []float64
	Lower     []float64
}

// TrendBand computes a volatility band trend follower.
//
// Bands are hl2 ± multiplier*ATR(atrPeriod). The direction flips up when
// close exceeds the previous upper band and down when it falls below the
// previous lower band. While the direction holds, the active band only
// tightens; a flip restarts it from the raw band. Needs at least atrPeriod candles.
func TrendBand(highs, lows, closes []float64, atrPeriod int, multiplier float64) (Band, error) {
	atr, err := ATR(highs, lows, closes, atrPeriod)
	if err != nil {
		return Band{}, err
	}

	n := len(closes)
	b := Band{
		Value:     make([]float64, n),
		Direction: make([]Direction, n),
		Upper:     make([]float64, n),
		Lower:     make([]float64, n),
	}

	dir := Up
	started := false
	var prevUpper, prevLower float64
	for i := 0; i < n; i++ {
		if math.IsNaN(atr[i]) {
			b.Value[i], b.Upper[i], b.Lower[i] = math.NaN(), math.NaN(), math.NaN()
			b.Direction[i] = Up
			continue
		}

		hl2 := (highs[i] + lows[i]) / 2
		upper := hl2 + multiplier*atr[i]
		lower := hl2 - multiplier*atr[i]

		if !started {
			if closes[i] < lower {
				dir = Down
			}
			started = true
		} else {
			switch {
			case dir == Up && closes[i] < prevLower:
				dir = Down
			case dir == Down && closes[i] > prevUpper:
				dir = Up
			case dir == Up:
				lower = math.Max(lower, prevLower)
			default:
				upper = math.Min(upper, prevUpper)
			}
		}

		b.Upper[i], b.Lower[i] = upper, lower
		b.Direction[i] = dir
		if dir == Up {
			b.Value[i] = lower
		} else {
			b.Value[i] = upper
		}
		prevUpper, prevLower = upper, lower
	}
	return b, nil
}
