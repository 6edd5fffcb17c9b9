package indicator

// EMA calculates the Exponential Moving Average, seeded with the SMA of the
// first period values.
type EMA struct {
	period     int
	multiplier float64
	count      int
	sum        float64
	current    float64
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Update(v float64) {
	e.count++
	if e.count < e.period {
		e.sum += v
		return
	}
	if e.count == e.period {
		e.sum += v
		e.current = e.sum / float64(e.period)
		return
	}
	e.current = (v-e.current)*e.multiplier + e.current
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }

// Reset clears accumulated state.
func (e *EMA) Reset() {
	e.count, e.sum, e.current = 0, 0, 0
}
