package tracker

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradescout/relay/internal/hyperliquid"
	"github.com/tradescout/relay/internal/lifecycle"
	"github.com/tradescout/relay/internal/ring"
	"github.com/tradescout/relay/internal/store"
)

type fillBatch struct {
	fills    []hyperliquid.Fill
	snapshot bool
}

// worker serializes fill processing for one address. The mailbox decouples
// the websocket read loop from database latency. Without persistence the
// seen window takes over hash dedup, so upstream snapshot replays after a
// reconnect do not fan out twice.
type worker struct {
	address string
	mailbox chan fillBatch
	done    chan struct{}
	seen    *hashWindow // nil when the database owns dedup
	process func(w *worker, batch fillBatch)
}

func newWorker(address string, mailboxSize int, process func(*worker, fillBatch)) *worker {
	return &worker{
		address: address,
		mailbox: make(chan fillBatch, mailboxSize),
		done:    make(chan struct{}),
		process: process,
	}
}

func (w *worker) run() {
	for {
		select {
		case <-w.done:
			return
		case batch := <-w.mailbox:
			w.process(w, batch)
		}
	}
}

func (w *worker) enqueue(b fillBatch) {
	select {
	case w.mailbox <- b:
	case <-w.done:
	}
}

func (w *worker) stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

// hashWindow is a bounded first-in-first-out hash set. It mirrors the
// database's per-hash uniqueness for store-less runs; only the owning worker
// goroutine touches it.
type hashWindow struct {
	capacity int
	order    []string
	seen     map[string]struct{}
}

func newHashWindow(capacity int) *hashWindow {
	if capacity <= 0 {
		capacity = 4096
	}
	return &hashWindow{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// remember reports whether the hash is new, evicting the oldest entry once
// the window is full.
func (h *hashWindow) remember(hash string) bool {
	if _, ok := h.seen[hash]; ok {
		return false
	}
	if len(h.order) >= h.capacity {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.seen, oldest)
	}
	h.seen[hash] = struct{}{}
	h.order = append(h.order, hash)
	return true
}

// processFills runs the pipeline for one ordered batch: normalize, classify,
// insert-if-new, ring push, trade callback. The callback fires for every
// classified fill, duplicates and insert failures included; only a fresh
// insert pushes a ring event.
func (t *Tracker) processFills(w *worker, batch fillBatch) {
	address := w.address
	if batch.snapshot {
		log.Debug().Str("address", address).Int("fills", len(batch.fills)).Msg("Processing upstream fill snapshot")
	}
	for _, f := range batch.fills {
		asset := strings.ToUpper(f.Coin)
		if !t.assetAllowed(asset) {
			continue
		}
		size := f.Sz.Float64()
		if size <= 0 {
			log.Warn().Str("address", address).Str("asset", asset).Float64("size", size).Msg("Skipping fill with non-positive size")
			continue
		}

		side := lifecycle.ParseSide(f.Side)
		res := lifecycle.Classify(f.StartPosition.Float64(), side, size)

		row := toStoredFill(address, asset, f, res.Action, size)

		inserted := true
		switch {
		case t.fills != nil:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := t.fills.InsertFillIfNew(ctx, row)
			cancel()
			switch {
			case err != nil:
				// At-least-once toward the bus: the trade still flows.
				t.reg.InsertFailures.Inc()
				log.Error().Err(err).Str("address", address).Str("hash", row.Hash).Msg("Fill insert failed")
			case !ok:
				inserted = false
				t.reg.FillsDeduped.Inc()
			}
		case w.seen != nil:
			if !w.seen.remember(row.Hash) {
				inserted = false
				t.reg.FillsDeduped.Inc()
			}
		}

		if inserted {
			t.ring.Push(ring.KindTrade, ring.TradePayload{
				At:             row.At.Format(time.RFC3339Nano),
				Address:        address,
				Symbol:         asset,
				Action:         row.Action,
				Size:           size,
				StartPosition:  row.StartPosition,
				PriceUsd:       row.PriceUsd,
				RealizedPnlUsd: row.RealizedPnlUsd,
				Hash:           row.Hash,
			})
			t.reg.FillsIngested.WithLabelValues(asset, row.Action).Inc()
		}

		if t.onTrade != nil {
			t.onTrade(TradeEvent{Fill: row, Side: side})
		}
	}
}

func toStoredFill(address, asset string, f hyperliquid.Fill, action lifecycle.Action, size float64) store.Fill {
	pnl := f.ClosedPnl.Float64()
	fee := f.Fee.Float64()
	row := store.Fill{
		Address:        address,
		Asset:          asset,
		At:             f.Timestamp(),
		Action:         string(action),
		Size:           size,
		StartPosition:  f.StartPosition.Float64(),
		PriceUsd:       f.Px.Float64(),
		RealizedPnlUsd: &pnl,
		Fee:            &fee,
		Hash:           fillHash(address, f),
	}
	if f.FeeToken != "" {
		token := f.FeeToken
		row.FeeToken = &token
	}
	return row
}

// fillHash returns the exchange transaction hash, or a synthesized stable id
// when the exchange reports the zero hash (TWAP child fills do this).
func fillHash(address string, f hyperliquid.Fill) string {
	h := strings.TrimSpace(f.Hash)
	if h != "" && !isZeroHash(h) {
		return h
	}
	key := address + "|" + strconv.FormatInt(f.Time, 10) + "|" + synthSeq(f)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// synthSeq disambiguates fills sharing a millisecond: trade id when the
// exchange provides one, otherwise the economic tuple.
func synthSeq(f hyperliquid.Fill) string {
	if f.Tid != 0 {
		return strconv.FormatInt(f.Tid, 10)
	}
	return f.Coin + "|" + f.Side + "|" +
		strconv.FormatFloat(f.Sz.Float64(), 'g', -1, 64) + "|" +
		strconv.FormatFloat(f.Px.Float64(), 'g', -1, 64)
}

func isZeroHash(h string) bool {
	if !strings.HasPrefix(h, "0x") {
		return false
	}
	for _, c := range h[2:] {
		if c != '0' {
			return false
		}
	}
	return true
}
