package indicator

// SMA calculates the Simple Moving Average over a fixed period.
// Uses a circular buffer so Update is O(1). The running sum is rebuilt from
// the buffer each time the write position wraps, which bounds float drift to
// one window.
type SMA struct {
	period int
	buf    []float64
	pos    int
	count  int
	sum    float64
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{
		period: period,
		buf:    make([]float64, period),
	}
}

func (s *SMA) Update(v float64) {
	if s.count >= s.period {
		s.sum -= s.buf[s.pos]
	}
	s.buf[s.pos] = v
	s.sum += v
	s.pos = (s.pos + 1) % s.period
	if s.count < s.period {
		s.count++
	}
	if s.pos == 0 {
		s.sum = 0
		for _, b := range s.buf {
			s.sum += b
		}
	}
}

func (s *SMA) Value() float64 {
	if s.count < s.period {
		return 0
	}
	return s.sum / float64(s.period)
}

func (s *SMA) Ready() bool { return s.count >= s.period }

// Reset clears accumulated state.
func (s *SMA) Reset() {
	clear(s.buf)
	s.pos, s.count, s.sum = 0, 0, 0
}
