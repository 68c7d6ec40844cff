// Package config loads the relay's process configuration from defaults, a
// key=value file, the environment and the command line, in that order.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/luciancaetano/relaynet/internal/registry"
)

const (
	// DefaultFile is read from the working directory when no path is given.
	DefaultFile = "config.yaml"

	// ConfigPathEnv names an alternative config file.
	ConfigPathEnv = "RELAY_CONFIG"
)

var (
	ErrInvalid       = errors.New("invalid configuration")
	ErrUnknownKey    = errors.New("unknown configuration key")
	ErrMalformedLine = errors.New("malformed configuration line")
	ErrUnexpectedArg = errors.New("unexpected argument")
)

// Config is created once at startup and never modified afterwards. It is
// shared by pointer with every component.
type Config struct {
	Host       string `env:"RELAY_HOST,overwrite"`
	Port       int    `env:"RELAY_PORT,overwrite"`
	Mirror     bool   `env:"RELAY_MIRROR,overwrite"`
	MaxPlayers int    `env:"RELAY_MAX_PLAYERS,overwrite"`
	// MaxRate is the number of frames per second a single connection may
	// have relayed. Frames beyond it are dropped silently.
	MaxRate int  `env:"RELAY_MAX_RATE,overwrite"`
	Debug   bool `env:"RELAY_DEBUG,overwrite"`

	// ReadTimeout bounds each socket read and therefore how long a session
	// takes to notice shutdown.
	ReadTimeout time.Duration `env:"RELAY_READ_TIMEOUT,overwrite"`
	// WriteTimeout bounds each per-peer write during a broadcast.
	WriteTimeout time.Duration `env:"RELAY_WRITE_TIMEOUT,overwrite"`
	// PollInterval is the accept deadline of the listener loop.
	PollInterval time.Duration `env:"RELAY_POLL_INTERVAL,overwrite"`

	// AcceptRate limits new connections per second across the listener.
	// Zero disables the limit.
	AcceptRate  float64 `env:"RELAY_ACCEPT_RATE,overwrite"`
	AcceptBurst int     `env:"RELAY_ACCEPT_BURST,overwrite"`

	// HTTPAddr enables the WebSocket bridge and the health/stats endpoint.
	HTTPAddr string `env:"RELAY_HTTP_ADDR,overwrite"`

	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT,overwrite"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            45565,
		Mirror:          true,
		MaxPlayers:      10,
		MaxRate:         60,
		Debug:           false,
		ReadTimeout:     time.Second,
		WriteTimeout:    250 * time.Millisecond,
		PollInterval:    100 * time.Millisecond,
		AcceptRate:      0,
		AcceptBurst:     10,
		HTTPAddr:        "",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be between 0 and 65535, got %d", ErrInvalid, c.Port)
	}
	if c.MaxPlayers < 1 || c.MaxPlayers >= registry.IDSpace {
		return fmt.Errorf("%w: max_players must be between 1 and %d, got %d", ErrInvalid, registry.IDSpace-1, c.MaxPlayers)
	}
	if c.MaxRate < 1 {
		return fmt.Errorf("%w: max_rate must be positive, got %d", ErrInvalid, c.MaxRate)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read_timeout must be positive", ErrInvalid)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write_timeout must be positive", ErrInvalid)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalid)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("%w: accept_rate cannot be negative", ErrInvalid)
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		return fmt.Errorf("%w: accept_burst must be positive when accept_rate is set", ErrInvalid)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalid)
	}
	return nil
}

// Addr returns the TCP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LogLevel maps the debug flag to a slog level.
func (c *Config) LogLevel() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// ApplyEnv overlays variables found through l onto c. A nil lookuper reads
// the process environment.
func (c *Config) ApplyEnv(ctx context.Context, l envconfig.Lookuper) error {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: c, Lookuper: l}); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// Load builds the configuration with precedence
// command line > environment > file > defaults, then validates it.
//
// The file is taken from -config, then RELAY_CONFIG, then DefaultFile. Only
// an explicitly named file has to exist.
func Load(ctx context.Context, args []string, l envconfig.Lookuper) (*Config, error) {
	if l == nil {
		l = envconfig.OsLookuper()
	}

	flags, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}

	path, explicit := DefaultFile, false
	if v, ok := l.Lookup(ConfigPathEnv); ok && v != "" {
		path, explicit = v, true
	}
	if flags.ConfigPath != "" {
		path, explicit = flags.ConfigPath, true
	}

	cfg := DefaultConfig()

	if err := cfg.ApplyFile(path); err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
		return nil, err
	}

	if err := cfg.ApplyEnv(ctx, l); err != nil {
		return nil, err
	}

	flags.Apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
