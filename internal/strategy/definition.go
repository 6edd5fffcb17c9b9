package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"candlebot/internal/model"
)

// Signal kinds.
const (
	KindCross = "cross" // Fast against Slow
	KindLevel = "level" // Fast against Upper/Lower
	KindSlope = "slope" // Fast against its previous value
	KindTrend = "trend" // TREND direction flips
)

// Series indicators a SeriesSpec can name.
const (
	IndClose    = "CLOSE"
	IndSMA      = "SMA"
	IndEMA      = "EMA"
	IndRSI      = "RSI"
	IndStochRSI = "STOCH_RSI"
	IndStochK   = "STOCH_K"
	IndStochD   = "STOCH_D"
	IndOBV      = "OBV"
	IndTrend    = "TREND"
)

// Strategy is a declarative trading strategy: named signals classified per
// tick and two rules combining them into an intention.
type Strategy struct {
	Name      string       `json:"name"`
	Timeframe string       `json:"timeframe,omitempty"` // default for series without one
	Signals   []SignalSpec `json:"signals"`
	Buy       Rule         `json:"buy"`
	Sell      Rule         `json:"sell"`
}

// SignalSpec describes one classified signal.
type SignalSpec struct {
	Name  string     `json:"name"`
	Kind  string     `json:"kind"`
	Fast  SeriesSpec `json:"fast"`
	Slow  SeriesSpec `json:"slow,omitempty"`
	Upper float64    `json:"upper,omitempty"`
	Lower float64    `json:"lower,omitempty"`
}

// SeriesSpec selects an indicator series over one timeframe.
type SeriesSpec struct {
	Indicator   string  `json:"indicator"`
	Period      int     `json:"period,omitempty"`
	StochPeriod int     `json:"stoch_period,omitempty"`
	KPeriod     int     `json:"k_period,omitempty"`
	DPeriod     int     `json:"d_period,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	Timeframe   string  `json:"timeframe,omitempty"`
}

func (s SeriesSpec) String() string {
	ind := strings.ToUpper(s.Indicator)
	switch ind {
	case IndClose, IndOBV:
	case IndStochRSI, IndStochK, IndStochD:
		ind = fmt.Sprintf("%s(%d,%d,%d,%d)", ind, s.Period, s.StochPeriod, s.KPeriod, s.DPeriod)
	case IndTrend:
		ind = fmt.Sprintf("%s(%d,%g)", ind, s.Period, s.Multiplier)
	default:
		ind = fmt.Sprintf("%s(%d)", ind, s.Period)
	}
	if s.Timeframe != "" {
		ind += "@" + s.Timeframe
	}
	return ind
}

// withDefaults fills stochastic periods and the timeframe.
func (s SeriesSpec) withDefaults(tf string) SeriesSpec {
	s.Indicator = strings.ToUpper(s.Indicator)
	if s.Timeframe == "" {
		s.Timeframe = tf
	}
	switch s.Indicator {
	case IndStochRSI, IndStochK, IndStochD:
		if s.StochPeriod == 0 {
			s.StochPeriod = s.Period
		}
		if s.KPeriod == 0 {
			s.KPeriod = 3
		}
		if s.DPeriod == 0 {
			s.DPeriod = 3
		}
	case IndTrend:
		if s.Multiplier == 0 {
			s.Multiplier = 3
		}
	}
	return s
}

func (s SeriesSpec) validate() error {
	switch s.Indicator {
	case IndClose, IndOBV:
		return nil
	case IndSMA, IndEMA, IndRSI, IndTrend:
		if s.Period <= 0 {
			return fmt.Errorf("%s: period must be positive", s.Indicator)
		}
	case IndStochRSI, IndStochK, IndStochD:
		if s.Period <= 0 || s.StochPeriod <= 0 || s.KPeriod <= 0 || s.DPeriod <= 0 {
			return fmt.Errorf("%s: periods must be positive", s.Indicator)
		}
	case "":
		return errors.New("indicator is required")
	default:
		return fmt.Errorf("unknown indicator %q", s.Indicator)
	}
	if s.Timeframe != "" {
		if _, err := model.ParseTimeframe(s.Timeframe); err != nil {
			return err
		}
	}
	return nil
}

// Rule combines signal statuses. With AtLeast > 0 the rule holds when at
// least that many clauses (All and Any together) match. Otherwise every All
// clause must match and, when Any is non-empty, at least one Any clause.
// A rule with no clauses never holds.
type Rule struct {
	All     []Clause `json:"all,omitempty"`
	Any     []Clause `json:"any,omitempty"`
	AtLeast int      `json:"at_least,omitempty"`
}

// Clause matches when the named signal's status is one of Is.
type Clause struct {
	Signal string   `json:"signal"`
	Is     []Status `json:"is"`
}

func (c Clause) matches(statuses map[string]Status) bool {
	st, ok := statuses[c.Signal]
	if !ok {
		return false
	}
	for _, s := range c.Is {
		if s == st {
			return true
		}
	}
	return false
}

// Empty reports whether the rule has no clauses.
func (r Rule) Empty() bool {
	return len(r.All) == 0 && len(r.Any) == 0
}

// Holds evaluates the rule against the tick's statuses.
func (r Rule) Holds(statuses map[string]Status) bool {
	if r.Empty() {
		return false
	}
	if r.AtLeast > 0 {
		n := 0
		for _, c := range r.All {
			if c.matches(statuses) {
				n++
			}
		}
		for _, c := range r.Any {
			if c.matches(statuses) {
				n++
			}
		}
		return n >= r.AtLeast
	}
	for _, c := range r.All {
		if !c.matches(statuses) {
			return false
		}
	}
	if len(r.Any) == 0 {
		return true
	}
	for _, c := range r.Any {
		if c.matches(statuses) {
			return true
		}
	}
	return false
}

func (r Rule) validate(signals map[string]bool) error {
	var errs []error
	clauses := append(append([]Clause{}, r.All...), r.Any...)
	if r.AtLeast > len(clauses) {
		errs = append(errs, fmt.Errorf("at_least %d exceeds %d clauses", r.AtLeast, len(clauses)))
	}
	for _, c := range clauses {
		if !signals[c.Signal] {
			errs = append(errs, fmt.Errorf("clause references unknown signal %q", c.Signal))
		}
		if len(c.Is) == 0 {
			errs = append(errs, fmt.Errorf("clause on %q has no statuses", c.Signal))
		}
		for _, s := range c.Is {
			if !knownStatuses[s] {
				errs = append(errs, fmt.Errorf("clause on %q: unknown status %q", c.Signal, s))
			}
		}
	}
	return errors.Join(errs...)
}

// Normalize applies defaults in place: indicator names upper-cased,
// stochastic periods filled and series timeframes defaulted to tf when the
// strategy does not set its own.
func (s *Strategy) Normalize(tf string) {
	if s.Timeframe == "" {
		s.Timeframe = tf
	}
	for i := range s.Signals {
		sig := &s.Signals[i]
		sig.Kind = strings.ToLower(sig.Kind)
		sig.Fast = sig.Fast.withDefaults(s.Timeframe)
		if sig.Kind == KindCross {
			sig.Slow = sig.Slow.withDefaults(s.Timeframe)
		}
	}
}

// Validate reports every problem in the definition. Call after Normalize.
func (s Strategy) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("strategy: name is required"))
	}
	if len(s.Signals) == 0 {
		errs = append(errs, errors.New("strategy: at least one signal is required"))
	}
	names := make(map[string]bool, len(s.Signals))
	for _, sig := range s.Signals {
		if sig.Name == "" {
			errs = append(errs, errors.New("strategy: signal name is required"))
			continue
		}
		if names[sig.Name] {
			errs = append(errs, fmt.Errorf("strategy: duplicate signal %q", sig.Name))
		}
		names[sig.Name] = true
		if err := sig.Fast.validate(); err != nil {
			errs = append(errs, fmt.Errorf("strategy: signal %q fast: %w", sig.Name, err))
		}
		switch sig.Kind {
		case KindCross:
			if err := sig.Slow.validate(); err != nil {
				errs = append(errs, fmt.Errorf("strategy: signal %q slow: %w", sig.Name, err))
			}
		case KindLevel:
			if sig.Upper < sig.Lower {
				errs = append(errs, fmt.Errorf("strategy: signal %q: upper below lower", sig.Name))
			}
		case KindSlope:
		case KindTrend:
			if sig.Fast.Indicator != IndTrend {
				errs = append(errs, fmt.Errorf("strategy: signal %q: trend kind needs a TREND series", sig.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("strategy: signal %q: unknown kind %q", sig.Name, sig.Kind))
		}
	}
	if s.Buy.Empty() {
		errs = append(errs, errors.New("strategy: buy rule is empty"))
	}
	if err := s.Buy.validate(names); err != nil {
		errs = append(errs, fmt.Errorf("strategy: buy: %w", err))
	}
	if err := s.Sell.validate(names); err != nil {
		errs = append(errs, fmt.Errorf("strategy: sell: %w", err))
	}
	return errors.Join(errs...)
}

// Timeframes lists the distinct timeframes the strategy reads, the
// strategy's own timeframe first. Call after Normalize.
func (s Strategy) Timeframes() []string {
	seen := map[string]bool{}
	var out []string
	add := func(tf string) {
		if tf != "" && !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	add(s.Timeframe)
	for _, sig := range s.Signals {
		add(sig.Fast.Timeframe)
		if sig.Kind == KindCross {
			add(sig.Slow.Timeframe)
		}
	}
	return out
}

// LoadStrategyFile reads a JSON strategy definition.
func LoadStrategyFile(path string) (Strategy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Strategy{}, fmt.Errorf("strategy: read %s: %w", path, err)
	}
	var s Strategy
	if err := json.Unmarshal(raw, &s); err != nil {
		return Strategy{}, fmt.Errorf("strategy: parse %s: %w", path, err)
	}
	return s, nil
}
