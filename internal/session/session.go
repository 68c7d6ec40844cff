// Package session holds the per-connection state shared by every transport:
// identity, lifecycle context, the rate limiter and the hand-off of admitted
// frames to the registry.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/registry"
	"github.com/luciancaetano/relaynet/internal/throttle"
)

// Base implements relaynet.Session. Transports embed it and add the read loop.
type Base struct {
	id     int32
	key    string
	remote string
	ctx    context.Context
	cancel context.CancelFunc
	window *throttle.Window
	now    func() time.Time
	log    *slog.Logger
}

// New creates session state for a freshly accepted connection. The session
// context is derived from parent, so cancelling parent ends the session.
func New(parent context.Context, remote string, maxRate int, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	key := uuid.New().String()

	return &Base{
		id:     registry.NoID,
		key:    key,
		remote: remote,
		ctx:    ctx,
		cancel: cancel,
		window: throttle.NewWindow(maxRate),
		now:    time.Now,
		log:    logger.With("key", key, "remote", remote),
	}
}

// ID returns the registry id, or registry.NoID before Join.
func (b *Base) ID() int32 {
	return b.id
}

// Key returns the session's random correlation key.
func (b *Base) Key() string {
	return b.key
}

// RemoteAddr returns the client's remote network address
func (b *Base) RemoteAddr() string {
	return b.remote
}

// Context returns the session's lifecycle context
func (b *Base) Context() context.Context {
	return b.ctx
}

// Logger returns a logger carrying the session's attributes.
func (b *Base) Logger() *slog.Logger {
	return b.log
}

// Join registers peer and records the assigned id.
func (b *Base) Join(reg *registry.Registry, peer registry.Peer) error {
	id, err := reg.Join(peer)
	if err != nil {
		return err
	}
	b.id = id
	b.log = b.log.With("id", id)
	return nil
}

// Forward runs one complete frame through the rate limiter and, if admitted,
// broadcasts it. Dropped frames are counted and otherwise ignored. It reports
// whether the frame was relayed.
func (b *Base) Forward(reg *registry.Registry, frame []byte, mirror bool) bool {
	if !b.window.Admit(b.now(), 1) {
		reg.Metrics().Throttled.Add(1)
		b.log.Debug("frame dropped by rate limit", "size", len(frame))
		return false
	}

	d := reg.Broadcast(b.id, frame, mirror)
	b.log.Debug("frame relayed", "size", len(frame), "sent", d.Sent, "failed", d.Failed)
	return true
}

// Leave removes the session from reg and logs why it ended. It returns the
// reason to hand to OnLeave. The caller still owns closing the connection.
func (b *Base) Leave(reg *registry.Registry, err error) error {
	reason := b.Reason(err)
	reg.Remove(b.id)

	switch {
	case errors.Is(reason, relaynet.ErrProtocol):
		reg.Metrics().Violations.Add(1)
		b.log.Warn("client disconnected", "reason", reason)
	case reason == nil, errors.Is(reason, relaynet.ErrShutdown):
		b.log.Info("client left", "reason", reason, "clients", reg.Len())
	default:
		b.log.Info("client disconnected", "error", reason, "clients", reg.Len())
	}
	return reason
}

// Cancel ends the session context.
func (b *Base) Cancel() {
	b.cancel()
}

// Reason maps the error that ended a read loop to the value handed to
// OnLeave: nil for a clean close, relaynet.ErrShutdown when the session was
// cancelled, and err itself otherwise. Protocol violations keep their cause.
func (b *Base) Reason(err error) error {
	switch {
	case errors.Is(err, relaynet.ErrProtocol):
		return err
	case errors.Is(err, relaynet.ErrShutdown), b.ctx.Err() != nil:
		return relaynet.ErrShutdown
	case err == nil, errors.Is(err, io.EOF):
		return nil
	default:
		return err
	}
}
