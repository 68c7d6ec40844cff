// Package websocket bridges browser clients into the relay. Each binary
// WebSocket message carries exactly one frame, and frames are fanned out
// through the same registry as TCP clients.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/config"
	"github.com/luciancaetano/relaynet/internal/protocol"
	"github.com/luciancaetano/relaynet/internal/registry"
	"github.com/luciancaetano/relaynet/internal/session"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// AllOrigins accepts every origin.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

type ServerConfig struct {
	Config      *config.Config
	Registry    *registry.Registry
	CheckOrigin CheckOriginFn
	Logger      *slog.Logger
	OnJoin      relaynet.OnJoinFn
	OnLeave     relaynet.OnLeaveFn
}

// Server serves the WebSocket bridge and the health and stats endpoints.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	logger   *slog.Logger
	hooks    session.Hooks
	upgrader websocket.Upgrader
	router   chi.Router

	// ctx is the parent of every bridge session.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	closing  bool
	server   *http.Server
	listener net.Listener
	sessions sync.WaitGroup
}

// New creates the bridge. It serves on cfg.Config.HTTPAddr once started, and
// its Handler can also be mounted elsewhere.
func New(cfg *ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:      cfg.Config,
		registry: cfg.Registry,
		logger:   cfg.Logger.With("transport", "websocket"),
		hooks:    session.Hooks{OnJoin: cfg.OnJoin, OnLeave: cfg.OnLeave},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  protocol.MaxFrameSize,
			WriteBufferSize: protocol.MaxFrameSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
	}

	router := chi.NewRouter()
	router.Use(serverHeader)
	router.Get("/ws", s.handleWebSocket)
	router.Get("/health", health)
	router.Get("/stats", s.handleStats)
	s.router = router

	return s
}

// Handler returns the bridge's HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds HTTPAddr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return relaynet.ErrServerAlreadyRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.HTTPAddr)
	if err != nil {
		return err
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}(s.server)

	s.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops serving HTTP and cancels every bridge session. Sessions are
// not waited for; see Wait. A bridge mounted through Handler can be shut down
// without Start. Shutting down twice returns ErrServerNotRunning.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return relaynet.ErrServerNotRunning
	}
	s.closing = true
	srv := s.server
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.cancel()

	if srv != nil && wasRunning {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Wait blocks until every bridge session has finished or ctx expires.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the bridge down and waits for its sessions.
func (s *Server) Stop(ctx context.Context) error {
	err := s.Shutdown(ctx)
	if werr := s.Wait(ctx); err == nil {
		err = werr
	}
	return err
}

// Addr returns the bound HTTP address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// track registers a new session with the wait group unless shutdown has
// begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

// handleWebSocket upgrades the request and hands the connection to a session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, relaynet.ErrShutdown.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.sessions.Done()
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(s.ctx, s, conn, r.RemoteAddr)
	go func() {
		defer s.sessions.Done()
		client.serve()
	}()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.registry.Stats())
}

func health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func serverHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "relaynet")
		next.ServeHTTP(w, r)
	})
}

var _ relaynet.Server = (*Server)(nil)
