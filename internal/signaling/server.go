package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/dispatch"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/ratelimit"
)

const (
	DefaultPath              = "/observer"
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
	DefaultWriteTimeout      = time.Second
	DefaultSendQueueFrames   = 256
	DefaultSendQueueBytes    = 1 << 20
)

// Config wires the transport to the rest of the relay.
type Config struct {
	// Path is the WebSocket endpoint. Defaults to DefaultPath.
	Path string

	Notifier   *lifecycle.Notifier
	Dispatcher *dispatch.Dispatcher

	// Origins restricts browser origins. If nil, every origin is accepted.
	Origins *origin.Policy

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxMessageBytes bounds a single inbound frame.
	MaxMessageBytes int64
	// MessagesPerSecond bounds inbound frames per connection; excess frames
	// are dropped. Negative disables the limit.
	MessagesPerSecond int
	// IdleTimeout closes a connection that sends nothing (not even a pong)
	// for this long. Zero disables it.
	IdleTimeout time.Duration

	WriteTimeout    time.Duration
	SendQueueFrames int
	SendQueueBytes  int

	// NewID defaults to uuid.NewString.
	NewID func() string
	Clock ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MessagesPerSecond == 0 {
		c.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SendQueueFrames <= 0 {
		c.SendQueueFrames = DefaultSendQueueFrames
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = DefaultSendQueueBytes
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}

// Server accepts signaling WebSockets.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*wsConn]struct{}
	draining bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Notifier == nil || cfg.Dispatcher == nil {
		return nil, errors.New("signaling: notifier and dispatcher are required")
	}
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:   cfg,
		conns: make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET "+s.cfg.Path, s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	// The id is assigned before the handshake completes so ids follow
	// handshake order.
	id := s.cfg.NewID()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.cfg.Logger.Debug("signaling upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := newWSConn(id, attributes(r.URL.Query()), ws, s.cfg)
	if !s.track(c) {
		go c.writeLoop()
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		<-c.writerDone
		c.shutdown()
		return
	}
	defer s.untrack(c)

	s.serve(c, r.RemoteAddr)
}

func (s *Server) serve(c *wsConn, remote string) {
	go c.writeLoop()

	s.cfg.Metrics.Inc(metrics.ConnOpened)
	c.log.Info("signaling connection opened", "remote", remote)

	s.cfg.Notifier.Connect(c)
	reason := s.readLoop(c)
	s.cfg.Notifier.Disconnect(c, reason)

	c.shutdown()
	s.cfg.Metrics.Inc(metrics.ConnClosed)
	c.log.Info("signaling connection closed", "code", reason.Code, "reason", reason.Text)
}

func (s *Server) readLoop(c *wsConn) lifecycle.CloseReason {
	ws := c.ws
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	idle := s.cfg.IdleTimeout
	extend := func() {
		if idle > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(idle))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	limiter := ratelimit.PerSecond(s.cfg.Clock, s.cfg.MessagesPerSecond)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.log.Debug("closing idle signaling connection", "idle_timeout", idle)
				c.closeWith(websocket.CloseNormalClosure, idleTimeoutText)
				<-c.writerDone
			}
			return closeReason(err)
		}
		extend()

		// The frame is read before the limit is applied so the socket never
		// holds unread data the limiter is waiting on.
		if !limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.FrameRateLimited)
			c.log.Debug("dropping rate-limited signaling message")
			continue
		}
		if msgType != websocket.TextMessage {
			s.cfg.Metrics.Inc(metrics.FrameNonText)
			c.log.Debug("dropping non-text signaling message", "ws_type", msgType)
			continue
		}

		// Dispatch logs and counts its own failures; none of them close the
		// connection.
		_ = s.cfg.Dispatcher.Dispatch(c, data)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Origins == nil {
		return true
	}
	normalized, ok := s.cfg.Origins.Check(r)
	if !ok {
		s.cfg.Metrics.Inc(metrics.ConnRejectedOrigin)
		s.cfg.Logger.Warn("rejecting signaling connection from disallowed origin",
			"origin", r.Header.Get("Origin"), "normalized", normalized, "remote", r.RemoteAddr)
	}
	return ok
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown stops accepting connections, asks every open connection to close
// with 1001 (going away), and waits until each one has run its disconnect
// observers. If ctx ends first, the remaining sockets are dropped.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.Close()
		}
		<-done
		return ctx.Err()
	}
}

// Len returns the number of open WebSockets.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
