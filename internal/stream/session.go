package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// session is one connected dashboard client. The cursor tracks the last ring
// sequence delivered; it only moves forward. deliverMu serializes whole
// read-cursor/list/send/advance rounds, so a resume batch and a broadcaster
// tick can never hand the same events to the client twice.
type session struct {
	id   string
	conn *websocket.Conn

	deliverMu sync.Mutex

	mu     sync.Mutex
	cursor int64

	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *session) setCursor(seq int64) {
	s.mu.Lock()
	if seq > s.cursor {
		s.cursor = seq
	}
	s.mu.Unlock()
}

// rewindCursor is the one allowed backward move: an explicit client resume
// request.
func (s *session) rewindCursor(seq int64) {
	s.mu.Lock()
	s.cursor = seq
	s.mu.Unlock()
}

func (s *session) getCursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// trySend enqueues without blocking; false means the outbound queue is full.
func (s *session) trySend(msg []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// writeLoop owns the connection's write side: queued messages plus pings.
func (s *session) writeLoop(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Str("session", s.id).Msg("Client write failed")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
