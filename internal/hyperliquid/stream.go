package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultBackoffBase  = 250 * time.Millisecond
	defaultBackoffCap   = 30 * time.Second
	wsWriteWait         = 10 * time.Second
	wsReadLimit         = 1 << 22
)

// FillHandler receives raw fills for one address in upstream order.
type FillHandler func(address string, fills []Fill, isSnapshot bool)

// PositionHandler receives position snapshot updates for one address.
type PositionHandler func(address string, positions []Position)

// MidsHandler receives the full mid price table on every allMids tick.
type MidsHandler func(mids map[string]float64)

// StateHandler is notified when the upstream connection drops or recovers.
// The tracker uses recovery notifications to re-prime positions.
type StateHandler func(connected bool)

// StreamConfig configures the websocket session.
type StreamConfig struct {
	URL          string
	PingInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Stream multiplexes all upstream subscriptions over one durable websocket
// session. It reconnects with capped exponential backoff and resubscribes
// everything after a reconnect.
type Stream struct {
	cfg StreamConfig

	mu            sync.RWMutex
	fillSubs      map[string]FillHandler
	posSubs       map[string]PositionHandler
	midsHandlers  []MidsHandler
	stateHandlers []StateHandler
	midsWanted    bool
	connected     bool

	writeMu sync.Mutex
	conn    *websocket.Conn

	onReconnect func()
	closed      chan struct{}
	closeOnce   sync.Once
}

// NewStream creates a stream for the given websocket URL.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	return &Stream{
		cfg:      cfg,
		fillSubs: make(map[string]FillHandler),
		posSubs:  make(map[string]PositionHandler),
		closed:   make(chan struct{}),
	}
}

// OnReconnect registers a callback fired after every successful reconnect.
func (s *Stream) OnReconnect(fn func()) {
	s.onReconnect = fn
}

// OnState registers a connection-state handler.
func (s *Stream) OnState(h StateHandler) {
	s.mu.Lock()
	s.stateHandlers = append(s.stateHandlers, h)
	s.mu.Unlock()
}

// Start runs the session loop until ctx is cancelled or Close is called.
// The first dial happens synchronously so startup failures surface early;
// later drops are retried in the background.
func (s *Stream) Start(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.cfg.URL, err)
	}
	s.attach(conn, false)
	go s.run(ctx)
	return nil
}

// Close terminates the session permanently.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.writeMu.Unlock()
	})
}

// SubscribeFills registers a fill handler for an address. When connected the
// subscription is sent immediately; otherwise the reconnect loop picks it up.
func (s *Stream) SubscribeFills(address string, h FillHandler) error {
	s.mu.Lock()
	s.fillSubs[address] = h
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.send(subscribeMsg("userFills", address))
}

// SubscribePositions registers a position handler for an address.
func (s *Stream) SubscribePositions(address string, h PositionHandler) error {
	s.mu.Lock()
	s.posSubs[address] = h
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.send(subscribeMsg("webData2", address))
}

// Unsubscribe removes both channels for an address.
func (s *Stream) Unsubscribe(address string) error {
	s.mu.Lock()
	delete(s.fillSubs, address)
	delete(s.posSubs, address)
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	if err := s.send(unsubscribeMsg("userFills", address)); err != nil {
		return err
	}
	return s.send(unsubscribeMsg("webData2", address))
}

// SubscribeMids registers a mid-price handler. The allMids channel is
// subscribed once regardless of handler count.
func (s *Stream) SubscribeMids(h MidsHandler) error {
	s.mu.Lock()
	s.midsHandlers = append(s.midsHandlers, h)
	first := !s.midsWanted
	s.midsWanted = true
	connected := s.connected
	s.mu.Unlock()

	if !first || !connected {
		return nil
	}
	return s.send(subscribeMsg("allMids", ""))
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)
	return conn, nil
}

// attach swaps in a live connection and replays every registered
// subscription.
func (s *Stream) attach(conn *websocket.Conn, isReconnect bool) {
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	s.mu.Lock()
	s.connected = true
	handlers := append([]StateHandler(nil), s.stateHandlers...)
	addrsFills := make([]string, 0, len(s.fillSubs))
	for addr := range s.fillSubs {
		addrsFills = append(addrsFills, addr)
	}
	addrsPos := make([]string, 0, len(s.posSubs))
	for addr := range s.posSubs {
		addrsPos = append(addrsPos, addr)
	}
	midsWanted := s.midsWanted
	s.mu.Unlock()

	for _, addr := range addrsFills {
		if err := s.send(subscribeMsg("userFills", addr)); err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("Failed to resubscribe userFills")
		}
	}
	for _, addr := range addrsPos {
		if err := s.send(subscribeMsg("webData2", addr)); err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("Failed to resubscribe webData2")
		}
	}
	if midsWanted {
		if err := s.send(subscribeMsg("allMids", "")); err != nil {
			log.Warn().Err(err).Msg("Failed to resubscribe allMids")
		}
	}

	if isReconnect && s.onReconnect != nil {
		s.onReconnect()
	}
	for _, h := range handlers {
		h(true)
	}
}

func (s *Stream) markDisconnected() {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	handlers := append([]StateHandler(nil), s.stateHandlers...)
	s.mu.Unlock()

	if !wasConnected {
		return
	}
	for _, h := range handlers {
		h(false)
	}
}

// run drives the read loop and the reconnect cycle.
func (s *Stream) run(ctx context.Context) {
	backoff := s.cfg.BackoffBase
	for {
		pingDone := make(chan struct{})
		go s.pingLoop(pingDone)
		err := s.readLoop()
		close(pingDone)
		s.markDisconnected()

		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		default:
		}

		log.Warn().Err(err).Dur("backoff", backoff).Msg("Upstream websocket dropped, reconnecting")

		// Full jitter keeps a fleet of relays from stampeding the exchange.
		sleep := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-time.After(sleep):
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			backoff *= 2
			if backoff > s.cfg.BackoffCap {
				backoff = s.cfg.BackoffCap
			}
			continue
		}
		backoff = s.cfg.BackoffBase
		s.attach(conn, true)
	}
}

func (s *Stream) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.send(map[string]string{"method": "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *Stream) readLoop() error {
	s.writeMu.Lock()
	conn := s.conn
	s.writeMu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	// Pongs arrive as application messages, so any traffic refreshes the
	// deadline. Three silent ping intervals means the connection is half-open
	// and the reconnect cycle takes over.
	readWait := 3 * s.cfg.PingInterval
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(data)
	}
}

func (s *Stream) send(msg interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(msg)
}

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsUserFills struct {
	IsSnapshot bool   `json:"isSnapshot"`
	User       string `json:"user"`
	Fills      []Fill `json:"fills"`
}

type wsWebData2 struct {
	User               string             `json:"user"`
	ClearinghouseState clearinghouseState `json:"clearinghouseState"`
}

type wsAllMids struct {
	Mids map[string]Number `json:"mids"`
}

func (s *Stream) dispatch(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Msg("Unparseable upstream message")
		return
	}

	switch env.Channel {
	case "userFills":
		s.handleUserFills(env.Data)
	case "webData2":
		s.handleWebData2(env.Data)
	case "allMids":
		s.handleAllMids(env.Data)
	case "pong", "subscriptionResponse":
		// expected housekeeping
	case "error":
		// A permanent subscription error surfaces here without taking the
		// session down; other subscriptions keep flowing.
		log.Error().RawJSON("detail", env.Data).Msg("Upstream subscription error")
	default:
		log.Debug().Str("channel", env.Channel).Msg("Ignoring upstream channel")
	}
}

func (s *Stream) handleUserFills(data json.RawMessage) {
	var payload wsUserFills
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Warn().Err(err).Msg("Failed to decode userFills payload")
		return
	}
	user := strings.ToLower(payload.User)

	s.mu.RLock()
	handler := s.fillSubs[user]
	s.mu.RUnlock()
	if handler == nil || len(payload.Fills) == 0 {
		return
	}
	handler(user, payload.Fills, payload.IsSnapshot)
}

func (s *Stream) handleWebData2(data json.RawMessage) {
	var payload wsWebData2
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Warn().Err(err).Msg("Failed to decode webData2 payload")
		return
	}
	user := strings.ToLower(payload.User)

	s.mu.RLock()
	handler := s.posSubs[user]
	s.mu.RUnlock()
	if handler == nil {
		return
	}

	at := time.Now().UTC()
	if payload.ClearinghouseState.Time > 0 {
		at = time.UnixMilli(payload.ClearinghouseState.Time).UTC()
	}
	positions := make([]Position, 0, len(payload.ClearinghouseState.AssetPositions))
	for _, ap := range payload.ClearinghouseState.AssetPositions {
		p := ap.Position
		if p.Szi == 0 {
			continue
		}
		pos := Position{
			Coin:       strings.ToUpper(p.Coin),
			Size:       p.Szi.Float64(),
			EntryPrice: p.EntryPx.Float64(),
			UpdatedAt:  at,
		}
		if p.LiquidationPx != 0 {
			liq := p.LiquidationPx.Float64()
			pos.LiquidationPrice = &liq
		}
		if p.Leverage.Value != 0 {
			lev := p.Leverage.Value.Float64()
			pos.Leverage = &lev
		}
		positions = append(positions, pos)
	}
	handler(user, positions)
}

func (s *Stream) handleAllMids(data json.RawMessage) {
	var payload wsAllMids
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Warn().Err(err).Msg("Failed to decode allMids payload")
		return
	}

	mids := make(map[string]float64, len(payload.Mids))
	for coin, mid := range payload.Mids {
		mids[strings.ToUpper(coin)] = mid.Float64()
	}

	s.mu.RLock()
	handlers := append([]MidsHandler(nil), s.midsHandlers...)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(mids)
	}
}

func subscribeMsg(channel, user string) map[string]interface{} {
	sub := map[string]interface{}{"type": channel}
	if user != "" {
		sub["user"] = user
	}
	return map[string]interface{}{"method": "subscribe", "subscription": sub}
}

func unsubscribeMsg(channel, user string) map[string]interface{} {
	sub := map[string]interface{}{"type": channel}
	if user != "" {
		sub["user"] = user
	}
	return map[string]interface{}{"method": "unsubscribe", "subscription": sub}
}
