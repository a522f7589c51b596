package bus

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validEvent() FillEvent {
	action := "Open Long"
	start := 0.0
	return FillEvent{
		FillID:        "0xhash",
		Source:        Source,
		Address:       "0xabc",
		Asset:         "BTC",
		Side:          "buy",
		Size:          1.5,
		Price:         60000,
		StartPosition: &start,
		TS:            time.Now().UTC().Format(time.RFC3339Nano),
		Meta:          Meta{Action: &action},
	}
}

func TestFillEventValidate(t *testing.T) {
	evt := validEvent()
	assert.NoError(t, evt.Validate())

	mutations := []struct {
		name   string
		mutate func(*FillEvent)
	}{
		{"missing fill_id", func(e *FillEvent) { e.FillID = "" }},
		{"missing source", func(e *FillEvent) { e.Source = "" }},
		{"missing address", func(e *FillEvent) { e.Address = "" }},
		{"missing asset", func(e *FillEvent) { e.Asset = "" }},
		{"bad side", func(e *FillEvent) { e.Side = "B" }},
		{"zero size", func(e *FillEvent) { e.Size = 0 }},
		{"negative size", func(e *FillEvent) { e.Size = -1 }},
		{"nan size", func(e *FillEvent) { e.Size = math.NaN() }},
		{"zero price", func(e *FillEvent) { e.Price = 0 }},
		{"inf price", func(e *FillEvent) { e.Price = math.Inf(1) }},
		{"nan start", func(e *FillEvent) { f := math.NaN(); e.StartPosition = &f }},
		{"inf pnl", func(e *FillEvent) { f := math.Inf(-1); e.RealizedPnl = &f }},
		{"bad ts", func(e *FillEvent) { e.TS = "yesterday" }},
	}

	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			evt := validEvent()
			m.mutate(&evt)
			assert.Error(t, evt.Validate())
		})
	}
}

func TestFillEventNilOptionalsAreValid(t *testing.T) {
	evt := validEvent()
	evt.StartPosition = nil
	evt.RealizedPnl = nil
	evt.Meta.Action = nil
	assert.NoError(t, evt.Validate())
}
