package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/orchestrator"
)

// session is one live connection. Three goroutines share it: the reader
// (runs in the HTTP handler), the writer draining send, and the turn
// loop draining inbound. The reader is the only goroutine that ends the
// session; everyone else just closes the socket to wake it.
type session struct {
	h      *Handler
	conn   *websocket.Conn
	userID uuid.UUID
	id     string

	ctx    context.Context
	cancel context.CancelFunc

	send    chan []byte
	inbound chan orchestrator.TurnInput

	// done is closed at teardown so blocked producers drop their frames
	// instead of waiting on a writer that will never drain them.
	done chan struct{}
	once sync.Once

	loopDone   chan struct{}
	writerDone chan struct{}

	mu         sync.Mutex
	turnCancel map[uuid.UUID]context.CancelFunc
	closeCode  int
	closeText  string
}

// run pumps the connection until the reader exits, then drains the turn
// loop and the writer in that order. The send channel closes only after
// both producers (reader, turn loop) are gone.
func (s *session) run() {
	go s.writeLoop()
	go s.turnLoop()
	s.readLoop()

	s.teardown()
	<-s.loopDone
	close(s.send)
	<-s.writerDone
	_ = s.conn.Close()
}

func (s *session) teardown() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// shutdown closes the session from outside the reader: announce, cancel
// the running turn, and close the socket so the blocked reader returns.
func (s *session) shutdown() {
	s.setClose(websocket.CloseGoingAway, "server shutting down")
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
	s.teardown()
	_ = s.conn.Close()
}

// readLoop owns the socket's read side: keepalive deadlines, rate
// limiting, frame decoding, and dispatch. It returns when the connection
// dies or the client earns a close.
func (s *session) readLoop() {
	s.conn.SetReadLimit(s.h.maxFrame)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	malformed := 0
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		if allowed, lerr := s.h.frames.Allow(s.ctx, s.id); lerr == nil && !allowed {
			s.observeInbound("dropped")
			s.sendError(uuid.Nil, model.ErrCodeRateLimited, "inbound frame rate exceeded")
			continue
		}

		if messageType != websocket.TextMessage {
			if s.noteMalformed(&malformed, "frames must be JSON text messages") {
				return
			}
			continue
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			if s.noteMalformed(&malformed, "malformed frame") {
				return
			}
			continue
		}

		switch f.Kind {
		case kindChat:
			s.observeInbound(kindChat)
			if f.ConversationID == uuid.Nil {
				if s.noteMalformed(&malformed, "chat frame missing conversation_id") {
					return
				}
				continue
			}
			s.dispatchChat(f)
		case kindCancel:
			s.observeInbound(kindCancel)
			if f.TurnID == uuid.Nil {
				if s.noteMalformed(&malformed, "cancel frame missing turn_id") {
					return
				}
				continue
			}
			s.cancelTurn(f.TurnID)
		default:
			if s.noteMalformed(&malformed, fmt.Sprintf("unknown frame kind %q", f.Kind)) {
				return
			}
		}
	}
}

// dispatchChat checks the per-user turn budget and queues the turn. The
// session assigns the turn ID here so a cancel frame can reference the
// turn as soon as turn_started reaches the client.
func (s *session) dispatchChat(f clientFrame) {
	if allowed, err := s.h.turns.Allow(s.ctx, s.userID.String()); err == nil && !allowed {
		s.sendError(uuid.Nil, model.ErrCodeRateLimited, "turn rate exceeded")
		return
	}

	in := orchestrator.TurnInput{
		TurnID:         uuid.New(),
		ConversationID: f.ConversationID,
		Content:        f.Content,
		Options:        f.Options,
	}
	select {
	case s.inbound <- in:
	default:
		s.sendError(uuid.Nil, model.ErrCodeRateLimited, "too many queued turns")
	}
}

// noteMalformed answers one bad frame and reports whether the connection
// has used up its allowance.
func (s *session) noteMalformed(count *int, message string) bool {
	*count++
	s.observeInbound("malformed")
	s.h.logger.Warn("session: malformed frame",
		"session_id", s.id, "user_id", s.userID, "reason", message)
	s.sendError(uuid.Nil, model.ErrCodeValidation, message)
	if *count < malformedLimit {
		return false
	}
	s.setClose(websocket.ClosePolicyViolation, "too many malformed frames")
	return true
}

// turnLoop runs queued turns one at a time. Serial execution is what
// keeps turn_ended ahead of the next turn_started on the wire.
func (s *session) turnLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-s.inbound:
			if s.ctx.Err() != nil {
				return
			}
			s.runTurn(in)
		}
	}
}

func (s *session) runTurn(in orchestrator.TurnInput) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.turnCancel[in.TurnID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.turnCancel, in.TurnID)
		s.mu.Unlock()
		cancel()
	}()

	if err := s.h.runner.RunTurn(ctx, s.userID, in, s); err != nil {
		s.h.logger.Error("session: turn failed",
			"session_id", s.id,
			"user_id", s.userID,
			"turn_id", in.TurnID,
			"error", err)
	}
}

func (s *session) cancelTurn(turnID uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.turnCancel[turnID]
	s.mu.Unlock()
	if !ok {
		s.h.logger.Debug("session: cancel for unknown turn",
			"session_id", s.id, "turn_id", turnID)
		return
	}
	cancel()
}

// writeLoop owns the socket's write side: queued frames, keepalive
// pings, and the final close frame once send is drained.
func (s *session) writeLoop() {
	defer close(s.writerDone)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				code, text := s.closeReason()
				deadline := time.Now().Add(writeWait)
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text), deadline)
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Wake the reader; run() finishes the teardown.
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

// enqueue blocks until the writer accepts the frame or the session dies.
// Blocking is the backpressure contract: a slow client stalls its own
// turn, nothing is dropped while the connection lives.
func (s *session) enqueue(kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.h.logger.Error("session: marshal frame",
			"session_id", s.id, "kind", kind, "error", err)
		return
	}
	select {
	case s.send <- data:
		s.h.outCount.Add(s.ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	case <-s.done:
	}
}

func (s *session) observeInbound(kind string) {
	s.h.inCount.Add(s.ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (s *session) setClose(code int, text string) {
	s.mu.Lock()
	s.closeCode = code
	s.closeText = text
	s.mu.Unlock()
}

func (s *session) closeReason() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeText
}
