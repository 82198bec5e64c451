// Package gateway serves the streaming transport: a websocket endpoint
// publishing the engine's event stream to external observers, plus
// health and metrics endpoints on the same mux.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/eventic/internal/engine"
	"github.com/haasonsaas/eventic/internal/observability"
	"github.com/haasonsaas/eventic/pkg/models"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second
)

// Config tunes the gateway.
type Config struct {
	// ListenAddr is the bind address. Default ":8321".
	ListenAddr string

	// Buffer sizes each subscriber's droppable lane. Default 256.
	Buffer int

	// AllowedOrigins restricts websocket upgrades to the listed
	// Origin headers. Empty allows all origins.
	AllowedOrigins []string
}

// Server fans the process event stream out to websocket subscribers.
// Each connection gets its own backpressure sink, so one slow consumer
// sheds its own progress events without affecting the others.
//
// Thread Safety:
// Server is safe for concurrent use.
type Server struct {
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	tasks TaskService

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	httpServer *http.Server
	listener   net.Listener
}

type subscriber struct {
	sink   *engine.BackpressureSink
	events <-chan models.Event
}

// New creates a gateway server. Call Emit (or wire the server as the
// process sink) to feed it events, and Start to serve.
func New(cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8321"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// originChecker allows any origin when the list is empty, including
// non-browser clients that send no Origin header at all.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Emit implements engine.Sink: the event is fanned out to every
// connected subscriber through its own backpressure sink.
func (s *Server) Emit(ctx context.Context, e models.Event) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.sink.Emit(ctx, e)
	}
}

// Handler returns the gateway mux: /events (websocket), /healthz,
// Prometheus /metrics, and the task admin API when SetTasks was
// called.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	s.registerTaskRoutes(mux)
	return mux
}

// Start listens and serves in the background. Addr reports the bound
// address once Start returns.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.httpServer = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "gateway server error", "error", err)
		}
	}()
	s.logger.Info(context.Background(), "gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server and disconnects subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	for sub := range s.subs {
		sub.sink.Close()
	}
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleEvents upgrades the connection and streams JSON event
// envelopes until the client goes away or falls too far behind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	sink, events := engine.NewBackpressureSink(engine.BackpressureConfig{
		DroppableBuffer: s.cfg.Buffer,
	})
	sub := &subscriber{sink: sink, events: events}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sink.Close()
		_ = conn.Close()
		if dropped := sink.DroppedCount(); dropped > 0 {
			s.metrics.RecordDroppedEvent("gateway_subscriber")
			s.logger.Debug(r.Context(), "subscriber shed events", "dropped", dropped)
		}
	}()

	// Reader: we never expect client frames, but reading drives pong
	// handling and detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 20)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				// A consumer stuck past the write deadline is dropped;
				// the backpressure sink already shed its backlog.
				return
			}
		}
	}
}
