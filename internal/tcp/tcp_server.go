// Package tcp implements the relay's TCP listener and client sessions.
package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/config"
	"github.com/luciancaetano/relaynet/internal/registry"
	"github.com/luciancaetano/relaynet/internal/session"
)

// AcceptLimitConfig throttles how fast the listener admits new connections,
// using a token bucket shared by all clients.
type AcceptLimitConfig struct {
	// ConnectionsPerSecond defines how many connections are admitted per second
	ConnectionsPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if admission limiting is active
	Enabled bool
}

// AcceptLimitFromConfig returns the admission limit described by cfg.
// A zero AcceptRate disables it.
func AcceptLimitFromConfig(cfg *config.Config) *AcceptLimitConfig {
	if cfg.AcceptRate <= 0 {
		return NoAcceptLimit()
	}
	return &AcceptLimitConfig{
		ConnectionsPerSecond: rate.Limit(cfg.AcceptRate),
		Burst:                cfg.AcceptBurst,
		Enabled:              true,
	}
}

// NoAcceptLimit returns a configuration with admission limiting disabled
func NoAcceptLimit() *AcceptLimitConfig {
	return &AcceptLimitConfig{Enabled: false}
}

type ServerConfig struct {
	Config      *config.Config
	Registry    *registry.Registry
	AcceptLimit *AcceptLimitConfig
	Logger      *slog.Logger
	OnJoin      relaynet.OnJoinFn
	OnLeave     relaynet.OnLeaveFn
}

// Server accepts TCP clients and runs one session goroutine per connection.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	limiter  *rate.Limiter
	logger   *slog.Logger
	hooks    session.Hooks

	mu       sync.Mutex
	running  bool
	listener net.Listener
	cancel   context.CancelFunc
	loopDone chan struct{}
	sessions sync.WaitGroup
}

// New creates a TCP server. A nil AcceptLimit disables admission limiting and
// a nil Logger uses slog.Default().
func New(cfg *ServerConfig) *Server {
	if cfg.AcceptLimit == nil {
		cfg.AcceptLimit = NoAcceptLimit()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.AcceptLimit.Enabled {
		limiter = rate.NewLimiter(cfg.AcceptLimit.ConnectionsPerSecond, cfg.AcceptLimit.Burst)
	}

	return &Server{
		cfg:      cfg.Config,
		registry: cfg.Registry,
		limiter:  limiter,
		logger:   cfg.Logger.With("transport", "tcp"),
		hooks:    session.Hooks{OnJoin: cfg.OnJoin, OnLeave: cfg.OnLeave},
	}
}

// Start binds the configured address and begins accepting in the background.
// Cancelling ctx stops the listener loop and every session, as Stop does.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return relaynet.ErrServerAlreadyRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.running = true

	go s.acceptLoop(loopCtx, ln, s.loopDone)

	s.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops accepting and cancels every session without waiting for
// them. It blocks only until the listener loop has returned.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return relaynet.ErrServerNotRunning
	}
	s.running = false
	cancel, ln, done := s.cancel, s.listener, s.loopDone
	s.mu.Unlock()

	cancel()
	_ = ln.Close()
	<-done
	return nil
}

// Wait blocks until every session has finished or ctx expires.
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

// Stop stops accepting, cancels the sessions and waits for them. Sessions
// notice cancellation within one read timeout.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.Shutdown(); err != nil {
		return err
	}
	return s.Wait(ctx)
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// acceptLoop polls the listener with a short deadline so cancellation is
// observed within one poll interval even when no client connects. The
// listener is closed when the loop returns.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)
	defer ln.Close()

	dl, _ := ln.(deadliner)
	for {
		if ctx.Err() != nil {
			return
		}
		if dl != nil {
			_ = dl.SetDeadline(time.Now().Add(s.cfg.PollInterval))
		}

		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			s.logger.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			return
		}

		s.admit(ctx, conn)
	}
}

// admit decides whether conn gets a session. Refused sockets are closed
// before any frame is exchanged.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	if s.registry.Len() >= s.registry.Max() {
		s.refuse(conn, remote, "server full")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.refuse(conn, remote, "accept rate exceeded")
		return
	}

	sess := newSession(ctx, s, conn)
	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		sess.serve()
	}()
}

func (s *Server) refuse(conn net.Conn, remote, why string) {
	s.registry.Metrics().Rejected.Add(1)
	s.logger.Info("connection refused", "remote", remote, "reason", why)
	_ = conn.Close()
}

var _ relaynet.Server = (*Server)(nil)
