package strategy

import "candlebot/internal/indicator"

// Status is the classification of one signal on the current tick.
type Status string

const (
	StatusCrossUp   Status = "CROSS_UP"
	StatusCrossDown Status = "CROSS_DOWN"
	StatusUp        Status = "UP"
	StatusDown      Status = "DOWN"
	StatusAbove     Status = "ABOVE"
	StatusBelow     Status = "BELOW"
	StatusNeutral   Status = "NEUTRAL"
	StatusRising    Status = "RISING"
	StatusFalling   Status = "FALLING"
)

var knownStatuses = map[Status]bool{
	StatusCrossUp: true, StatusCrossDown: true, StatusUp: true, StatusDown: true,
	StatusAbove: true, StatusBelow: true, StatusNeutral: true,
	StatusRising: true, StatusFalling: true,
}

// Intention is the per-tick desired action.
type Intention string

const (
	IntentionBuy  Intention = "BUY"
	IntentionSell Intention = "SELL"
	IntentionHold Intention = "HOLD"
)

// Cross classifies a fast line against a slow line. A crossing on this tick
// wins over the plain relation.
func Cross(prevFast, prevSlow, fast, slow float64) Status {
	switch {
	case prevFast < prevSlow && fast > slow:
		return StatusCrossUp
	case prevFast > prevSlow && fast < slow:
		return StatusCrossDown
	case fast > slow:
		return StatusUp
	case fast < slow:
		return StatusDown
	}
	return StatusNeutral
}

// Level classifies v against a band: ABOVE upper, BELOW lower, else NEUTRAL.
func Level(v, upper, lower float64) Status {
	switch {
	case v > upper:
		return StatusAbove
	case v < lower:
		return StatusBelow
	}
	return StatusNeutral
}

// Slope classifies the move from prev to cur.
func Slope(prev, cur float64) Status {
	switch {
	case cur > prev:
		return StatusRising
	case cur < prev:
		return StatusFalling
	}
	return StatusNeutral
}

// Trend classifies two consecutive trend directions; a flip is a crossing.
func Trend(prev, cur indicator.Direction) Status {
	switch {
	case prev == indicator.Down && cur == indicator.Up:
		return StatusCrossUp
	case prev == indicator.Up && cur == indicator.Down:
		return StatusCrossDown
	case cur == indicator.Up:
		return StatusUp
	}
	return StatusDown
}
