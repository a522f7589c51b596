package hyperliquid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchUserFills(t *testing.T) {
	s := NewStream(StreamConfig{URL: "wss://example.invalid/ws"})

	var gotAddr string
	var gotFills []Fill
	var gotSnapshot bool
	s.fillSubs["0xabc"] = func(address string, fills []Fill, isSnapshot bool) {
		gotAddr = address
		gotFills = fills
		gotSnapshot = isSnapshot
	}

	s.dispatch([]byte(`{"channel":"userFills","data":{"isSnapshot":false,"user":"0xABC","fills":[
		{"coin":"BTC","px":"60000","sz":"1","side":"B","time":1700000000000,"startPosition":"0","hash":"0xf1"}
	]}}`))

	assert.Equal(t, "0xabc", gotAddr)
	require.Len(t, gotFills, 1)
	assert.Equal(t, "0xf1", gotFills[0].Hash)
	assert.False(t, gotSnapshot)
}

func TestDispatchIgnoresUnsubscribedUser(t *testing.T) {
	s := NewStream(StreamConfig{URL: "wss://example.invalid/ws"})

	called := false
	s.fillSubs["0xother"] = func(string, []Fill, bool) { called = true }

	s.dispatch([]byte(`{"channel":"userFills","data":{"user":"0xabc","fills":[
		{"coin":"BTC","px":"1","sz":"1","side":"B","time":1,"startPosition":"0","hash":"0x1"}
	]}}`))
	assert.False(t, called)
}

func TestDispatchWebData2(t *testing.T) {
	s := NewStream(StreamConfig{URL: "wss://example.invalid/ws"})

	var got []Position
	s.posSubs["0xabc"] = func(_ string, positions []Position) { got = positions }

	s.dispatch([]byte(`{"channel":"webData2","data":{"user":"0xabc","clearinghouseState":{
		"time":1700000000000,
		"assetPositions":[{"position":{"coin":"ETH","szi":"2.5","entryPx":"3000"}}]
	}}}`))

	require.Len(t, got, 1)
	assert.Equal(t, "ETH", got[0].Coin)
	assert.Equal(t, 2.5, got[0].Size)
	assert.Equal(t, 3000.0, got[0].EntryPrice)
}

func TestDispatchAllMids(t *testing.T) {
	s := NewStream(StreamConfig{URL: "wss://example.invalid/ws"})

	var got map[string]float64
	s.midsHandlers = append(s.midsHandlers, func(mids map[string]float64) { got = mids })

	s.dispatch([]byte(`{"channel":"allMids","data":{"mids":{"btc":"60000.5","eth":"3000"}}}`))

	require.NotNil(t, got)
	assert.Equal(t, 60000.5, got["BTC"])
	assert.Equal(t, 3000.0, got["ETH"])
}

func TestDispatchToleratesGarbage(t *testing.T) {
	s := NewStream(StreamConfig{URL: "wss://example.invalid/ws"})
	s.dispatch([]byte(`not json`))
	s.dispatch([]byte(`{"channel":"error","data":"unknown user"}`))
	s.dispatch([]byte(`{"channel":"pong"}`))
}

// A server that accepts the connection and swallows pings without ever
// answering simulates a half-open session; the read deadline must force a
// reconnect instead of stalling forever.
func TestSilentConnectionForcesReconnect(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewStream(StreamConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		PingInterval: 25 * time.Millisecond,
		BackoffBase:  5 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := dials
		mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("half-open connection was never dropped")
}
