// Package bus publishes canonical fill events onto the durable message bus.
package bus

import (
	"fmt"
	"math"
	"time"
)

const (
	// SubjectFills is the durable bus subject downstream consumers read.
	SubjectFills = "c.fills.v1"
	// StreamName is the JetStream stream carrying SubjectFills.
	StreamName = "CFILLS"
	// Source identifies the upstream exchange in every event.
	Source = "hyperliquid"
)

// Meta carries optional enrichment for a fill event.
type Meta struct {
	Action *string `json:"action"`
}

// FillEvent is the canonical wire event for subject c.fills.v1. Consumers
// must be idempotent on FillID.
type FillEvent struct {
	FillID        string   `json:"fill_id"`
	Source        string   `json:"source"`
	Address       string   `json:"address"`
	Asset         string   `json:"asset"`
	Side          string   `json:"side"`
	Size          float64  `json:"size"`
	Price         float64  `json:"price"`
	StartPosition *float64 `json:"start_position"`
	RealizedPnl   *float64 `json:"realized_pnl"`
	TS            string   `json:"ts"`
	Meta          Meta     `json:"meta"`
}

// Validate rejects events with absent required fields, non-positive
// magnitudes, or non-finite numbers before they reach the bus.
func (e *FillEvent) Validate() error {
	if e.FillID == "" {
		return fmt.Errorf("fill_id is required")
	}
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	if e.Address == "" {
		return fmt.Errorf("address is required")
	}
	if e.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if e.Side != "buy" && e.Side != "sell" {
		return fmt.Errorf("invalid side %q", e.Side)
	}
	if e.Size <= 0 || !isFinite(e.Size) {
		return fmt.Errorf("invalid size %v", e.Size)
	}
	if e.Price <= 0 || !isFinite(e.Price) {
		return fmt.Errorf("invalid price %v", e.Price)
	}
	if e.StartPosition != nil && !isFinite(*e.StartPosition) {
		return fmt.Errorf("non-finite start_position")
	}
	if e.RealizedPnl != nil && !isFinite(*e.RealizedPnl) {
		return fmt.Errorf("non-finite realized_pnl")
	}
	if _, err := time.Parse(time.RFC3339Nano, e.TS); err != nil {
		return fmt.Errorf("invalid ts %q: %w", e.TS, err)
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
