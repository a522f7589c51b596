// Package hyperliquid implements the upstream exchange client: a REST info
// client for history and snapshots plus a multiplexed websocket stream for
// realtime fills, positions, and mid prices.
package hyperliquid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Number decodes the exchange's numeric fields, which arrive either as JSON
// numbers or as decimal strings.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric value %q: %w", s, err)
	}
	*n = Number(f)
	return nil
}

// Float64 returns the plain float value.
func (n Number) Float64() float64 {
	return float64(n)
}

// Fill is a raw fill as delivered by the userFills channel or the
// userFillsByTime info request.
type Fill struct {
	Coin          string `json:"coin"`
	Px            Number `json:"px"`
	Sz            Number `json:"sz"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	StartPosition Number `json:"startPosition"`
	ClosedPnl     Number `json:"closedPnl"`
	Hash          string `json:"hash"`
	Fee           Number `json:"fee"`
	FeeToken      string `json:"feeToken"`
	Tid           int64  `json:"tid"`
}

// Timestamp returns the fill time as UTC wall time.
func (f *Fill) Timestamp() time.Time {
	return time.UnixMilli(f.Time).UTC()
}

// Position is a normalized per-asset position snapshot.
type Position struct {
	Coin             string
	Size             float64 // signed, negative for shorts
	EntryPrice       float64
	LiquidationPrice *float64
	Leverage         *float64
	UpdatedAt        time.Time
}

// aggregateFills merges fills sharing (time, coin, side, px) into a single
// economic event: sizes, fees, and realized pnl are summed and the first
// hash wins. Input order is preserved for the surviving entries.
func aggregateFills(fills []Fill) []Fill {
	if len(fills) < 2 {
		return fills
	}

	type key struct {
		time int64
		coin string
		side string
		px   Number
	}

	index := make(map[key]int, len(fills))
	out := make([]Fill, 0, len(fills))
	for _, f := range fills {
		k := key{time: f.Time, coin: f.Coin, side: f.Side, px: f.Px}
		if i, ok := index[k]; ok {
			out[i].Sz += f.Sz
			out[i].Fee += f.Fee
			out[i].ClosedPnl += f.ClosedPnl
			continue
		}
		index[k] = len(out)
		out = append(out, f)
	}
	return out
}

// sortFillsOldestFirst orders fills by time ascending, breaking ties by trade
// id so replays are deterministic.
func sortFillsOldestFirst(fills []Fill) {
	sort.SliceStable(fills, func(i, j int) bool {
		if fills[i].Time != fills[j].Time {
			return fills[i].Time < fills[j].Time
		}
		return fills[i].Tid < fills[j].Tid
	})
}
