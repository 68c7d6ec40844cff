// Package relay assembles a complete relay: the shared registry, the TCP
// listener and, when configured, the WebSocket bridge.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/config"
	"github.com/luciancaetano/relaynet/internal/registry"
	"github.com/luciancaetano/relaynet/internal/tcp"
	"github.com/luciancaetano/relaynet/internal/websocket"
)

type Config = config.Config
type Stats = registry.Stats
type Snapshot = registry.Snapshot
type CheckOriginFn = websocket.CheckOriginFn

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// AllOrigins returns the checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return websocket.AllOrigins()
}

// Options configures New. Only Config is required.
type Options struct {
	Config *Config
	Logger *slog.Logger

	// CheckOrigin validates WebSocket origins. Nil applies gorilla's
	// same-origin check.
	CheckOrigin CheckOriginFn

	OnJoin  relaynet.OnJoinFn
	OnLeave relaynet.OnLeaveFn
}

// Relay is a running relay process.
type Relay struct {
	logger   *slog.Logger
	registry *registry.Registry
	tcp      *tcp.Server
	bridge   *websocket.Server

	mu      sync.Mutex
	running bool
}

// New validates opts.Config and wires the components. Nothing is bound until
// Start.
func New(opts Options) (*Relay, error) {
	if opts.Config == nil {
		opts.Config = DefaultConfig()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg := opts.Config
	reg := registry.New(cfg.MaxPlayers)

	r := &Relay{
		logger:   opts.Logger,
		registry: reg,
		tcp: tcp.New(&tcp.ServerConfig{
			Config:      cfg,
			Registry:    reg,
			AcceptLimit: tcp.AcceptLimitFromConfig(cfg),
			Logger:      opts.Logger,
			OnJoin:      opts.OnJoin,
			OnLeave:     opts.OnLeave,
		}),
	}

	if cfg.HTTPAddr != "" {
		r.bridge = websocket.New(&websocket.ServerConfig{
			Config:      cfg,
			Registry:    reg,
			CheckOrigin: opts.CheckOrigin,
			Logger:      opts.Logger,
			OnJoin:      opts.OnJoin,
			OnLeave:     opts.OnLeave,
		})
	}

	return r, nil
}

// Start binds the TCP listener and, if configured, the HTTP endpoint. A bind
// failure leaves nothing running. A stopped relay cannot be started again.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return relaynet.ErrServerAlreadyRunning
	}
	if r.registry.Closed() {
		return relaynet.ErrShutdown
	}

	if err := r.tcp.Start(ctx); err != nil {
		return err
	}
	if r.bridge != nil {
		if err := r.bridge.Start(ctx); err != nil {
			_ = r.tcp.Shutdown()
			return err
		}
	}

	r.running = true
	return nil
}

// Stop drains the relay: no new connections are accepted, every registered
// connection is closed, and sessions are given until ctx expires to finish.
// A summary of the relay's counters is logged at the end.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	_ = r.tcp.Shutdown()

	var errs []error
	if r.bridge != nil {
		if err := r.bridge.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	closed := r.registry.CloseAll()
	r.logger.Info("closing connections", "count", closed)

	if err := r.tcp.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.bridge != nil {
		if err := r.bridge.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s := r.registry.Metrics().Snapshot()
	r.logger.Info("relay stopped",
		"accepted", s.Accepted,
		"rejected", s.Rejected,
		"relayed", s.Relayed,
		"throttled", s.Throttled,
		"violations", s.Violations,
		"write_failures", s.WriteFailures,
		"remaining", r.registry.Len(),
	)

	return errors.Join(errs...)
}

// Addr returns the bound TCP address, or "" before Start.
func (r *Relay) Addr() string {
	return r.tcp.Addr()
}

// HTTPAddr returns the bound HTTP address, or "" when the bridge is disabled
// or not started.
func (r *Relay) HTTPAddr() string {
	if r.bridge == nil {
		return ""
	}
	return r.bridge.Addr()
}

// Len returns the number of connected clients across all transports.
func (r *Relay) Len() int {
	return r.registry.Len()
}

// Stats returns the live connections and counters.
func (r *Relay) Stats() Stats {
	return r.registry.Stats()
}

var _ relaynet.Server = (*Relay)(nil)
