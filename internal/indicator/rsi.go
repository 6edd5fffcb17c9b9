package indicator

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// Update is O(1) per value, no history scans.
type RSI struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	current   float64
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	if period < 1 {
		period = 1
	}
	return &RSI{period: period}
}

func (r *RSI) Update(v float64) {
	r.count++

	if r.count == 1 {
		// no delta yet
		r.prevClose = v
		return
	}

	delta := v - r.prevClose
	r.prevClose = v

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	if r.count <= r.period+1 {
		r.avgGain += gain
		r.avgLoss += loss
		if r.count == r.period+1 {
			r.avgGain /= float64(r.period)
			r.avgLoss /= float64(r.period)
			r.current = rsiFrom(r.avgGain, r.avgLoss)
		}
		return
	}

	p := float64(r.period)
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	r.current = rsiFrom(r.avgGain, r.avgLoss)
}

func (r *RSI) Value() float64 { return r.current }
func (r *RSI) Ready() bool    { return r.count > r.period }

// Reset clears accumulated state.
func (r *RSI) Reset() {
	r.count, r.prevClose, r.avgGain, r.avgLoss, r.current = 0, 0, 0, 0, 0
}

// rsiFrom maps average gain/loss to 0..100. A flat window reads 50.
func rsiFrom(avgGain, avgLoss float64) float64 {
	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50
	case avgLoss == 0:
		return 100
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}
