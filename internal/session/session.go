// Package session owns the streaming side of Braid: one authenticated
// WebSocket per client, with a reader and a writer goroutine per
// connection and a bounded outbound queue between the orchestrator and
// the socket.
//
// Producers block when the queue fills, so a slow client throttles its
// own turns without affecting other sessions. Turns serialize per
// session: the reader hands chat frames to a single turn loop, and a
// turn's terminal frame is written before the next turn starts.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/orchestrator"
	"github.com/braidhq/braid/internal/ratelimit"
	"github.com/braidhq/braid/internal/telemetry"
)

const (
	// defaultOutboundQueue is the per-session write buffer. Producers block
	// when it fills; frames are never dropped while the connection lives.
	defaultOutboundQueue = 256
	// inboundQueue holds chat frames waiting for the turn loop.
	inboundQueue = 16

	// defaultMaxFrameBytes caps a single inbound frame.
	defaultMaxFrameBytes = 1 << 20

	pongWait   = 45 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 10 * time.Second

	// malformedLimit closes the connection after this many bad frames.
	malformedLimit = 3
)

// Default rate limits. Config overrides them.
const (
	defaultFramesPerSecond = 10
	defaultTurnsPerMinute  = 100
)

// TurnRunner executes one chat turn, emitting frames onto the sink. The
// orchestrator satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, userID uuid.UUID, in orchestrator.TurnInput, sink orchestrator.Sink) error
}

// Config tunes the inbound limits. Zero values take the defaults.
type Config struct {
	// FramesPerSecond caps inbound frames per session.
	FramesPerSecond float64
	// TurnsPerMinute caps chat frames per user, across all their sessions.
	TurnsPerMinute float64
	// QueueSize is the per-session outbound frame buffer.
	QueueSize int
	// MaxFrameBytes caps a single inbound frame.
	MaxFrameBytes int64
}

func (c Config) queueSize() int {
	if c.QueueSize > 0 {
		return c.QueueSize
	}
	return defaultOutboundQueue
}

func (c Config) maxFrameBytes() int64 {
	if c.MaxFrameBytes > 0 {
		return c.MaxFrameBytes
	}
	return defaultMaxFrameBytes
}

func (c Config) framesPerSecond() float64 {
	if c.FramesPerSecond > 0 {
		return c.FramesPerSecond
	}
	return defaultFramesPerSecond
}

func (c Config) turnsPerMinute() float64 {
	if c.TurnsPerMinute > 0 {
		return c.TurnsPerMinute
	}
	return defaultTurnsPerMinute
}

// Handler upgrades GET /v1/stream requests and runs the session protocol
// over them. One instance serves all connections.
type Handler struct {
	runner    TurnRunner
	jwt       *auth.JWTManager
	frames    ratelimit.Limiter
	turns     ratelimit.Limiter
	queueSize int
	maxFrame  int64
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup

	active   metric.Int64UpDownCounter
	inCount  metric.Int64Counter
	outCount metric.Int64Counter
}

// NewHandler wires a stream handler. The rate limiters it creates are
// owned by the handler and released on Shutdown.
func NewHandler(runner TurnRunner, jwt *auth.JWTManager, cfg Config, logger *slog.Logger) *Handler {
	meter := telemetry.Meter("braid/session")
	active, _ := meter.Int64UpDownCounter("braid.session.active",
		metric.WithDescription("Open stream sessions"))
	inCount, _ := meter.Int64Counter("braid.session.frames.in",
		metric.WithDescription("Inbound frames by kind"))
	outCount, _ := meter.Int64Counter("braid.session.frames.out",
		metric.WithDescription("Outbound frames by kind"))

	return &Handler{
		runner:    runner,
		jwt:       jwt,
		frames:    ratelimit.NewMemoryLimiter(cfg.framesPerSecond(), int(cfg.framesPerSecond())),
		turns:     ratelimit.NewMemoryLimiter(cfg.turnsPerMinute()/60, int(cfg.turnsPerMinute())),
		queueSize: cfg.queueSize(),
		maxFrame:  cfg.maxFrameBytes(),
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			// Access is gated by the bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
		active:   active,
		inCount:  inCount,
		outCount: outCount,
	}
}

// ServeHTTP authenticates the request, upgrades it, and runs the session
// until the connection dies.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		return
	}

	s := h.newSession(r.Context(), conn, claims.UserID)
	if s == nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = conn.Close()
		return
	}

	h.logger.Info("session: opened", "session_id", s.id, "user_id", s.userID)
	h.active.Add(r.Context(), 1)
	start := time.Now()

	s.run()

	h.active.Add(context.Background(), -1)
	h.remove(s)
	h.logger.Info("session: closed",
		"session_id", s.id,
		"user_id", s.userID,
		"duration_ms", time.Since(start).Milliseconds())
}

// authenticate pulls the bearer token from the Authorization header or,
// for browser clients that cannot set headers on a WebSocket dial, from
// the token query parameter.
func (h *Handler) authenticate(r *http.Request) (*auth.Claims, error) {
	token := ""
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return nil, fmt.Errorf("session: invalid authorization format")
		}
		token = parts[1]
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, fmt.Errorf("session: missing bearer token")
	}
	return h.jwt.ValidateToken(token)
}

func (h *Handler) newSession(parent context.Context, conn *websocket.Conn, userID uuid.UUID) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	s := &session{
		h:          h,
		conn:       conn,
		userID:     userID,
		id:         uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		send:       make(chan []byte, h.queueSize),
		inbound:    make(chan orchestrator.TurnInput, inboundQueue),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		writerDone: make(chan struct{}),
		turnCancel: make(map[uuid.UUID]context.CancelFunc),
		closeCode:  websocket.CloseNormalClosure,
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	return s
}

func (h *Handler) remove(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.wg.Done()
}

// ActiveSessions reports how many stream sessions are currently open.
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown stops accepting sessions, closes the live ones, and waits for
// them to drain. The rate limiters are released once the last session
// exits.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	open := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.shutdown()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	_ = h.frames.Close()
	_ = h.turns.Close()
	return err
}
