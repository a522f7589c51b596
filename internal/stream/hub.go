// Package stream fans ring events and price updates out to dashboard clients
// over websockets, with per-client cursor resumption.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tradescout/relay/internal/metrics"
	"github.com/tradescout/relay/internal/prices"
	"github.com/tradescout/relay/internal/ring"
)

// PriceSource provides the current quote table for hello and price messages.
type PriceSource interface {
	Current() map[string]prices.Quote
}

// Config tunes the fan-out hub.
type Config struct {
	Assets        []string
	BatchLimit    int           // max events per resume batch
	TickLimit     int           // max events per periodic tick
	TickInterval  time.Duration // event delivery cadence
	PriceInterval time.Duration // price broadcast cadence
	PingInterval  time.Duration
	SendQueue     int // per-client outbound queue
}

func (c *Config) defaults() {
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
	if c.TickLimit <= 0 {
		c.TickLimit = 200
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.PriceInterval <= 0 {
		c.PriceInterval = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
}

// Hub owns the client session set and the delivery loops.
type Hub struct {
	cfg    Config
	ring   *ring.Ring
	prices PriceSource
	reg    *metrics.Registry

	upgrader websocket.Upgrader

	mu        sync.Mutex
	sessions  map[string]*session
	lastPrice map[string]float64
}

// NewHub creates a fan-out hub over the given ring and price source.
func NewHub(cfg Config, rb *ring.Ring, ps PriceSource, reg *metrics.Registry) *Hub {
	cfg.defaults()
	return &Hub{
		cfg:    cfg,
		ring:   rb,
		prices: ps,
		reg:    reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions:  make(map[string]*session),
		lastPrice: make(map[string]float64),
	}
}

// clientMsg is the only inbound shape: a resume request.
type clientMsg struct {
	Since *int64 `json:"since"`
}

// ServeWS upgrades one client connection and runs it until disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.cfg.SendQueue),
		done: make(chan struct{}),
	}
	// A fresh session starts at the ring head; history arrives only on an
	// explicit {since} request.
	s.cursor = h.ring.LatestSeq()

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.reg.ClientsConnected.Inc()
	log.Debug().Str("session", s.id).Msg("Client connected")

	s.trySend(h.helloMessage())

	go s.writeLoop(h.cfg.PingInterval, 10*time.Second)
	h.readLoop(s)

	h.drop(s, "disconnect")
}

func (h *Hub) readLoop(s *session) {
	pongWait := h.cfg.PingInterval + h.cfg.PingInterval/2
	s.conn.SetReadLimit(1 << 16)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Since == nil {
			continue
		}
		h.resume(s, *msg.Since)
	}
}

// resume rewinds the client cursor and replays up to BatchLimit retained
// events past it in one batch. The whole round holds the session's delivery
// lock; a tick interleaving between the rewind and the cursor advance would
// deliver the rewound range a second time.
func (h *Hub) resume(s *session, since int64) {
	if since < 0 {
		since = 0
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.rewindCursor(since)
	events := h.ring.ListSince(since, h.cfg.BatchLimit)
	payload, err := json.Marshal(map[string]interface{}{
		"type":   "batch",
		"events": events,
	})
	if err != nil {
		return
	}
	if !s.trySend(payload) {
		h.drop(s, "slow_consumer")
		return
	}
	if n := len(events); n > 0 {
		s.setCursor(events[n-1].Seq)
		h.reg.EventsSent.Add(float64(n))
	}
}

// helloMessage carries the ring head and current prices so a client can
// render immediately and choose a resume point.
func (h *Hub) helloMessage() []byte {
	quotes := h.prices.Current()
	table := make(map[string]float64, len(quotes))
	for asset, q := range quotes {
		table[strings.ToLower(asset)] = q.Price
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"type":      "hello",
		"latestSeq": h.ring.LatestSeq(),
		"prices":    table,
	})
	return payload
}

// Run drives the event tick and price broadcast loops until ctx ends, then
// closes every session.
func (h *Hub) Run(ctx context.Context) {
	eventTicker := time.NewTicker(h.cfg.TickInterval)
	priceTicker := time.NewTicker(h.cfg.PriceInterval)
	defer eventTicker.Stop()
	defer priceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-eventTicker.C:
			h.tick()
		case <-priceTicker.C:
			h.broadcastPrices()
		}
	}
}

// tick delivers pending ring events to every lagging client.
func (h *Hub) tick() {
	head := h.ring.LatestSeq()

	h.mu.Lock()
	clients := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		clients = append(clients, s)
	}
	h.mu.Unlock()

	for _, s := range clients {
		h.advance(s, head)
	}
}

// advance delivers one tick's worth of events to a single lagging client,
// under the same delivery lock resume takes.
func (h *Hub) advance(s *session, head int64) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	cursor := s.getCursor()
	if cursor >= head {
		return
	}
	events := h.ring.ListSince(cursor, h.cfg.TickLimit)
	if len(events) == 0 {
		s.setCursor(head)
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"type":   "events",
		"events": events,
	})
	if err != nil {
		return
	}
	if !s.trySend(payload) {
		h.drop(s, "slow_consumer")
		return
	}
	s.setCursor(events[len(events)-1].Seq)
	h.reg.EventsSent.Add(float64(len(events)))
}

// broadcastPrices sends the price table when any tracked asset moved since
// the last broadcast.
func (h *Hub) broadcastPrices() {
	quotes := h.prices.Current()

	h.mu.Lock()
	changed := false
	msg := map[string]interface{}{"type": "price"}
	for _, asset := range h.cfg.Assets {
		q, ok := quotes[strings.ToUpper(asset)]
		if !ok {
			continue
		}
		key := strings.ToLower(asset)
		msg[key] = q.Price
		if h.lastPrice[key] != q.Price {
			h.lastPrice[key] = q.Price
			changed = true
		}
	}
	clients := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		clients = append(clients, s)
	}
	h.mu.Unlock()

	if !changed {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, s := range clients {
		if !s.trySend(payload) {
			h.drop(s, "slow_consumer")
		}
	}
}

// drop removes a session from the set and closes it. Idempotent.
func (h *Hub) drop(s *session, reason string) {
	h.mu.Lock()
	_, present := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if !present {
		return
	}
	s.close()
	h.reg.ClientsConnected.Dec()
	h.reg.ClientsDropped.WithLabelValues(reason).Inc()
	log.Debug().Str("session", s.id).Str("reason", reason).Msg("Client dropped")
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close terminates every session.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		clients = append(clients, s)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range clients {
		s.close()
		h.reg.ClientsConnected.Dec()
	}
}
