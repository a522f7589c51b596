// Package lifecycle classifies fills into position-lifecycle actions.
package lifecycle

import (
	"math"
	"strings"
)

// Side is the taker side of a fill.
type Side string

const (
	Buy  Side = "B"
	Sell Side = "S"
)

// ParseSide normalizes upstream side codes. Hyperliquid reports "B" for buys
// and "A" (ask) or "S" for sells.
func ParseSide(raw string) Side {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "B", "BUY":
		return Buy
	default:
		return Sell
	}
}

// Action is one of the eight canonical position-lifecycle actions.
type Action string

const (
	OpenLong      Action = "Open Long"
	OpenShort     Action = "Open Short"
	IncreaseLong  Action = "Increase Long"
	DecreaseLong  Action = "Decrease Long"
	CloseLong     Action = "Close Long (All)"
	IncreaseShort Action = "Increase Short"
	DecreaseShort Action = "Decrease Short"
	CloseShort    Action = "Close Short (All)"
)

// Result carries the classification outcome.
type Result struct {
	Action      Action
	Delta       float64
	NewPosition float64
}

// epsilon returns the close-all tolerance scaled by position magnitude.
// Strict zero comparison is fragile once sizes round-trip through JSON
// floats, so equality is taken within 1e-12 of the larger operand.
func epsilon(startPos, delta float64) float64 {
	scale := math.Max(math.Abs(startPos), math.Abs(delta))
	if scale < 1 {
		scale = 1
	}
	return 1e-12 * scale
}

// Classify maps (prior position, side, size) to a lifecycle action and the
// resulting position. It is total and deterministic for size > 0: the buy
// delta is +size, the sell delta is -size, and close-all is chosen iff the
// new position is zero within epsilon.
func Classify(startPos float64, side Side, size float64) Result {
	delta := size
	if side != Buy {
		delta = -size
	}
	newPos := startPos + delta
	eps := epsilon(startPos, delta)

	if math.Abs(newPos) <= eps {
		newPos = 0
	}

	var action Action
	switch {
	case math.Abs(startPos) <= eps:
		if delta > 0 {
			action = OpenLong
		} else {
			action = OpenShort
		}
	case startPos > 0:
		switch {
		case delta > 0:
			action = IncreaseLong
		case newPos == 0:
			action = CloseLong
		default:
			action = DecreaseLong
		}
	default:
		switch {
		case delta < 0:
			action = IncreaseShort
		case newPos == 0:
			action = CloseShort
		default:
			action = DecreaseShort
		}
	}

	return Result{Action: action, Delta: delta, NewPosition: newPos}
}
