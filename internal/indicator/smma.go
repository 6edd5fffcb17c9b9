package indicator

// SMMA is Wilder's smoothed moving average: an SMA seed followed by
// (prev*(p-1) + v) / p. ATR and RSI use the same smoothing.
type SMMA struct {
	period  int
	count   int
	sum     float64
	current float64
}

// NewSMMA creates a new SMMA indicator with the given period.
func NewSMMA(period int) *SMMA {
	if period < 1 {
		period = 1
	}
	return &SMMA{period: period}
}

func (s *SMMA) Update(v float64) {
	s.count++
	if s.count <= s.period {
		s.sum += v
		if s.count == s.period {
			s.current = s.sum / float64(s.period)
		}
		return
	}
	p := float64(s.period)
	s.current = (s.current*(p-1) + v) / p
}

func (s *SMMA) Value() float64 { return s.current }
func (s *SMMA) Ready() bool    { return s.count >= s.period }

// Reset clears accumulated state.
func (s *SMMA) Reset() {
	s.count, s.sum, s.current = 0, 0, 0
}
