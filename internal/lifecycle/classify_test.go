package lifecycle

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyEnumeration(t *testing.T) {
	cases := []struct {
		name     string
		startPos float64
		side     Side
		size     float64
		action   Action
		newPos   float64
	}{
		{"open long", 0, Buy, 1.0, OpenLong, 1.0},
		{"open short", 0, Sell, 1.0, OpenShort, -1.0},
		{"increase long", 2.0, Buy, 0.5, IncreaseLong, 2.5},
		{"decrease long", 2.0, Sell, 0.5, DecreaseLong, 1.5},
		{"close long all", 1.0, Sell, 1.0, CloseLong, 0},
		{"increase short", -2.0, Sell, 0.5, IncreaseShort, -2.5},
		{"decrease short", -2.0, Buy, 0.5, DecreaseShort, -1.5},
		{"close short all", -1.0, Buy, 1.0, CloseShort, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Classify(tc.startPos, tc.side, tc.size)
			assert.Equal(t, tc.action, res.Action)
			assert.InDelta(t, tc.newPos, res.NewPosition, 1e-9)
		})
	}
}

func TestClassifyFlipThroughZeroIsDecrease(t *testing.T) {
	// A single fill that crosses zero keeps the decrease tag; the chain
	// validator treats the signed arithmetic as authoritative.
	res := Classify(1.0, Sell, 3.0)
	assert.Equal(t, DecreaseLong, res.Action)
	assert.InDelta(t, -2.0, res.NewPosition, 1e-9)

	res = Classify(-1.0, Buy, 3.0)
	assert.Equal(t, DecreaseShort, res.Action)
	assert.InDelta(t, 2.0, res.NewPosition, 1e-9)
}

func TestClassifyEpsilonCloseAll(t *testing.T) {
	// 0.1+0.2 style float residue still counts as flat.
	start := 0.3
	res := Classify(start, Sell, 0.1+0.2)
	assert.Equal(t, CloseLong, res.Action)
	assert.Equal(t, 0.0, res.NewPosition)
}

func TestClassifyTotality(t *testing.T) {
	actions := map[Action]bool{
		OpenLong: true, OpenShort: true,
		IncreaseLong: true, DecreaseLong: true, CloseLong: true,
		IncreaseShort: true, DecreaseShort: true, CloseShort: true,
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		startPos := (rng.Float64() - 0.5) * 200
		if i%10 == 0 {
			startPos = 0
		}
		size := rng.Float64()*100 + 1e-9
		side := Buy
		if rng.Intn(2) == 1 {
			side = Sell
		}

		res := Classify(startPos, side, size)
		assert.True(t, actions[res.Action], "unknown action %q", res.Action)

		wantDelta := size
		if side == Sell {
			wantDelta = -size
		}
		assert.Equal(t, wantDelta, res.Delta)
		assert.InDelta(t, startPos+wantDelta, res.NewPosition,
			1e-9*math.Max(1, math.Abs(startPos)))
	}
}

func TestParseSide(t *testing.T) {
	assert.Equal(t, Buy, ParseSide("B"))
	assert.Equal(t, Buy, ParseSide("buy"))
	assert.Equal(t, Sell, ParseSide("A"))
	assert.Equal(t, Sell, ParseSide("S"))
	assert.Equal(t, Sell, ParseSide("sell"))
}
