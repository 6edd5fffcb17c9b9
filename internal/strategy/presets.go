package strategy

import (
	"fmt"
	"sort"
)

func is(signal string, st ...Status) Clause {
	return Clause{Signal: signal, Is: st}
}

var presets = map[string]func() Strategy{
	"sma_cross": func() Strategy {
		return Strategy{
			Name: "sma_cross",
			Signals: []SignalSpec{
				{Name: "sma", Kind: KindCross, Fast: SeriesSpec{Indicator: IndSMA, Period: 9}, Slow: SeriesSpec{Indicator: IndSMA, Period: 21}},
			},
			Buy:  Rule{All: []Clause{is("sma", StatusCrossUp)}},
			Sell: Rule{All: []Clause{is("sma", StatusCrossDown)}},
		}
	},
	"ema_rsi": func() Strategy {
		return Strategy{
			Name: "ema_rsi",
			Signals: []SignalSpec{
				{Name: "ema", Kind: KindCross, Fast: SeriesSpec{Indicator: IndEMA, Period: 9}, Slow: SeriesSpec{Indicator: IndEMA, Period: 11}},
				{Name: "rsi", Kind: KindLevel, Fast: SeriesSpec{Indicator: IndRSI, Period: 7}, Upper: 80, Lower: 20},
			},
			Buy:  Rule{All: []Clause{is("ema", StatusCrossUp), is("rsi", StatusBelow, StatusNeutral)}},
			Sell: Rule{Any: []Clause{is("ema", StatusCrossDown), is("rsi", StatusAbove)}},
		}
	},
	"rsi_cross": func() Strategy {
		return Strategy{
			Name: "rsi_cross",
			Signals: []SignalSpec{
				{Name: "rsi", Kind: KindCross, Fast: SeriesSpec{Indicator: IndRSI, Period: 7}, Slow: SeriesSpec{Indicator: IndRSI, Period: 9}},
				{Name: "rsi_level", Kind: KindLevel, Fast: SeriesSpec{Indicator: IndRSI, Period: 7}, Upper: 80, Lower: 50},
				{Name: "ema", Kind: KindCross, Fast: SeriesSpec{Indicator: IndEMA, Period: 19}, Slow: SeriesSpec{Indicator: IndEMA, Period: 23}},
			},
			Buy: Rule{All: []Clause{
				is("rsi", StatusCrossUp),
				is("rsi_level", StatusBelow),
				is("ema", StatusUp, StatusCrossUp),
			}},
			Sell: Rule{Any: []Clause{is("rsi", StatusCrossDown), is("rsi_level", StatusAbove)}},
		}
	},
	"stoch_rsi": func() Strategy {
		stoch := func(ind string) SeriesSpec {
			return SeriesSpec{Indicator: ind, Period: 14, StochPeriod: 14, KPeriod: 3, DPeriod: 3}
		}
		return Strategy{
			Name: "stoch_rsi",
			Signals: []SignalSpec{
				{Name: "kd", Kind: KindCross, Fast: stoch(IndStochK), Slow: stoch(IndStochD)},
				{Name: "stoch", Kind: KindSlope, Fast: stoch(IndStochRSI)},
				{Name: "ema", Kind: KindCross, Fast: SeriesSpec{Indicator: IndEMA, Period: 3}, Slow: SeriesSpec{Indicator: IndEMA, Period: 5}},
				{Name: "rsi", Kind: KindCross, Fast: SeriesSpec{Indicator: IndRSI, Period: 3}, Slow: SeriesSpec{Indicator: IndRSI, Period: 5}},
				{Name: "obv", Kind: KindSlope, Fast: SeriesSpec{Indicator: IndOBV}},
			},
			// K held above D over both ticks, EMA trending up
			Buy: Rule{All: []Clause{is("kd", StatusUp), is("ema", StatusUp, StatusCrossUp)}},
			Sell: Rule{AtLeast: 4, Any: []Clause{
				is("kd", StatusCrossDown),
				is("stoch", StatusFalling),
				is("obv", StatusFalling),
				is("ema", StatusCrossDown),
				is("rsi", StatusCrossDown),
				is("rsi", StatusDown, StatusCrossDown),
			}},
		}
	},
	"supertrend": func() Strategy {
		return Strategy{
			Name: "supertrend",
			Signals: []SignalSpec{
				{Name: "trend", Kind: KindTrend, Fast: SeriesSpec{Indicator: IndTrend, Period: 10, Multiplier: 3}},
			},
			Buy:  Rule{All: []Clause{is("trend", StatusUp, StatusCrossUp)}},
			Sell: Rule{All: []Clause{is("trend", StatusDown, StatusCrossDown)}},
		}
	},
}

// Preset returns a fresh copy of a built-in strategy.
func Preset(name string) (Strategy, error) {
	f, ok := presets[name]
	if !ok {
		return Strategy{}, fmt.Errorf("strategy: unknown preset %q (have %v)", name, PresetNames())
	}
	return f(), nil
}

// PresetNames lists the built-in strategies.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the strategy read from file when file is set, otherwise
// the named preset.
func Resolve(name, file string) (Strategy, error) {
	if file != "" {
		return LoadStrategyFile(file)
	}
	return Preset(name)
}
