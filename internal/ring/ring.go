// Package ring implements the bounded, monotonically sequenced event log
// used for client fan-out with replay.
package ring

import (
	"sync"
	"sync/atomic"
)

// Kind discriminates ring event payloads.
type Kind string

const (
	KindTrade    Kind = "trade"
	KindPosition Kind = "position"
)

// Event is a single sequenced entry. Seq is dense from 1 for the lifetime of
// the process.
type Event struct {
	Seq     int64       `json:"seq"`
	Kind    Kind        `json:"kind"`
	Payload interface{} `json:"payload"`
}

// TradePayload is the wire shape of a trade ring event.
type TradePayload struct {
	At             string   `json:"at"`
	Address        string   `json:"address"`
	Symbol         string   `json:"symbol"`
	Action         string   `json:"action"`
	Size           float64  `json:"size"`
	StartPosition  float64  `json:"startPosition"`
	PriceUsd       float64  `json:"priceUsd"`
	RealizedPnlUsd *float64 `json:"realizedPnlUsd,omitempty"`
	Hash           string   `json:"hash"`
}

// PositionPayload is the wire shape of a position snapshot ring event.
type PositionPayload struct {
	At               string   `json:"at"`
	Address          string   `json:"address"`
	Symbol           string   `json:"symbol"`
	Size             float64  `json:"size"`
	EntryPrice       float64  `json:"entryPrice"`
	LiquidationPrice *float64 `json:"liquidationPrice,omitempty"`
	Leverage         *float64 `json:"leverage,omitempty"`
}

// Ring is a fixed-capacity sequenced log. One writer, many readers. Slots are
// published through atomic pointers so readers never block the writer;
// LatestSeq is a single atomic load.
type Ring struct {
	capacity int64
	head     atomic.Int64
	slots    []atomic.Pointer[Event]
	mu       sync.Mutex // serializes writers
}

// New creates a ring with the given capacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 5000
	}
	return &Ring{
		capacity: int64(capacity),
		slots:    make([]atomic.Pointer[Event], capacity),
	}
}

// Push appends an event, assigning the next sequence number. The oldest entry
// is overwritten once the ring is full.
func (r *Ring) Push(kind Kind, payload interface{}) Event {
	r.mu.Lock()
	seq := r.head.Load() + 1
	evt := &Event{Seq: seq, Kind: kind, Payload: payload}
	r.slots[(seq-1)%r.capacity].Store(evt)
	r.head.Store(seq)
	r.mu.Unlock()
	return *evt
}

// LatestSeq returns the most recently assigned sequence number, 0 before the
// first push. Wait-free.
func (r *Ring) LatestSeq() int64 {
	return r.head.Load()
}

// Tail returns the oldest sequence number still retained.
func (r *Ring) Tail() int64 {
	head := r.head.Load()
	if head == 0 {
		return 0
	}
	tail := head - r.capacity + 1
	if tail < 1 {
		tail = 1
	}
	return tail
}

// ListSince returns up to max events with seq > since, in sequence order.
// Requests below the retained tail start at the tail; the caller treats the
// gap as normal backfill loss. The result is a copy and never mutated.
func (r *Ring) ListSince(since int64, max int) []Event {
	head := r.head.Load()
	if max <= 0 || since >= head {
		return nil
	}
	start := since + 1
	if tail := head - r.capacity + 1; start < tail {
		start = tail
	}

	n := head - start + 1
	if int64(max) < n {
		n = int64(max)
	}
	out := make([]Event, 0, n)
	for seq := start; seq <= head && len(out) < max; seq++ {
		evt := r.slots[(seq-1)%r.capacity].Load()
		if evt == nil || evt.Seq != seq {
			// Slot overwritten while reading; the entry is gone the same way
			// ring pressure drops old events.
			continue
		}
		out = append(out, *evt)
	}
	return out
}
