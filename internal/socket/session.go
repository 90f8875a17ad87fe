// Package socket implements the per-connection session state machine and
// local connection manager (C8): each accepted websocket connection is a
// Session owning a bounded outbound mailbox and a pair of read/write
// pump goroutines, and a Manager tracks which sessions are locally
// joined to which conversations so fan-out delivered over the bus can
// reach them without a second network hop.
package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State is a session's position in its connection lifecycle. A session
// only ever moves forward; Draining/Closed are terminal.
type State int

const (
	StateHandshaking State = iota
	StateAuthorized
	StateActive
	StateDraining
	StateClosed
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	mailboxCap     = 256
	maxFrameBytes  = 64 * 1024
)

// Frame is the wire shape of every message exchanged over the socket,
// whichever direction it travels.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is one accepted, authenticated websocket connection.
type Session struct {
	ID         string
	UserID     string
	InstanceID string

	conn    *websocket.Conn
	mailbox chan []byte
	onClose func(*Session)
	onFrame func(*Session, Frame)

	mu    sync.Mutex
	state State
}

// NewSession wraps an upgraded connection in Authorized state, ready to
// move to Active once its pumps are started.
func NewSession(id, userID, instanceID string, conn *websocket.Conn, onFrame func(*Session, Frame), onClose func(*Session)) *Session {
	return &Session{
		ID: id, UserID: userID, InstanceID: instanceID,
		conn: conn, mailbox: make(chan []byte, mailboxCap),
		onFrame: onFrame, onClose: onClose,
		state: StateAuthorized,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the session's current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send enqueues payload for delivery to the client. It never blocks: a
// full mailbox means the client is a slow consumer, and the session is
// closed with a "slow-consumer" close frame rather than let the queue
// grow unbounded.
func (s *Session) Send(payload []byte) {
	if s.State() == StateClosed {
		return
	}
	select {
	case s.mailbox <- payload:
	default:
		log.Warn().Str("session_id", s.ID).Str("user_id", s.UserID).
			Msg("socket: slow consumer, closing session")
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "slow-consumer"),
			time.Now().Add(writeWait))
		s.Close()
	}
}

// Run starts the write pump in the caller's goroutine and the read pump
// in a second goroutine, blocking until the connection closes.
func (s *Session) Run(ctx context.Context) {
	s.setState(StateActive)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readPump(ctx)
	}()
	s.writePump(ctx, done)
}

func (s *Session) readPump(ctx context.Context) {
	defer s.Close()
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if s.State() == StateClosed {
			return
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("socket: malformed frame")
			continue
		}
		if s.onFrame != nil {
			s.onFrame(s, f)
		}
	}
}

func (s *Session) writePump(ctx context.Context, readerDone <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case payload, ok := <-s.mailbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close transitions the session to Closed and releases its connection.
// Safe to call more than once; callers should still expect onClose to
// fire exactly once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	_ = s.conn.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
}
