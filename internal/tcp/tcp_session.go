package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/protocol"
	"github.com/luciancaetano/relaynet/internal/registry"
	"github.com/luciancaetano/relaynet/internal/session"
)

// peer is the registry's write handle for a TCP connection.
type peer struct {
	conn         net.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// Send writes one frame with a single Write call bounded by the write
// timeout. Callers are serialised by the registry lock. A failed write may
// have left part of the frame on the wire, so the connection is closed and
// the owning session ends on its next read.
func (p *peer) Send(frame []byte) error {
	err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	if err == nil {
		_, err = p.conn.Write(frame)
	}
	if err != nil {
		_ = p.Close()
	}
	return err
}

func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

func (p *peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// Session is one accepted TCP client.
type Session struct {
	*session.Base

	conn        net.Conn
	peer        *peer
	server      *Server
	readTimeout time.Duration
}

func newSession(ctx context.Context, s *Server, conn net.Conn) *Session {
	return &Session{
		Base: session.New(ctx, conn.RemoteAddr().String(), s.cfg.MaxRate, s.logger),
		conn: conn,
		peer: &peer{
			conn:         conn,
			writeTimeout: s.cfg.WriteTimeout,
		},
		server:      s,
		readTimeout: s.cfg.ReadTimeout,
	}
}

// serve registers the session, runs the read loop and tears everything down.
// It owns the connection from the moment it is called.
func (s *Session) serve() {
	reg := s.server.registry
	log := s.Logger()

	if err := s.Join(reg, s.peer); err != nil {
		reg.Metrics().Rejected.Add(1)
		log.Info("connection refused", "error", err)
		_ = s.peer.Close()
		s.Cancel()
		return
	}
	reg.Metrics().Accepted.Add(1)
	log = s.Logger()
	log.Info("client joined", "clients", reg.Len())

	s.server.hooks.Joined(s, log)

	reason := s.Leave(reg, s.readLoop())
	_ = s.peer.Close()
	s.Cancel()

	s.server.hooks.Left(s, reason, log)
}

// readLoop reads frames until the client leaves, violates the framing rules,
// hits an I/O error or the session is cancelled.
func (s *Session) readLoop() error {
	buf := make([]byte, protocol.MaxFrameSize)
	mirror := s.server.cfg.Mirror
	reg := s.server.registry

	for {
		if s.Context().Err() != nil {
			return relaynet.ErrShutdown
		}

		if err := s.readFull(buf[:protocol.HeaderSize]); err != nil {
			return err
		}
		size, err := protocol.DecodeHeader(buf[:protocol.HeaderSize])
		if err != nil {
			return fmt.Errorf("%w: %w", relaynet.ErrProtocol, err)
		}

		if err := s.readFull(buf[protocol.HeaderSize:size]); err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}

		// Broadcast writes synchronously, so buf is free again on return.
		s.Forward(reg, buf[:size], mirror)
	}
}

// readFull fills p. A read that times out with nothing wrong just means no
// data yet: the session checks for cancellation and tries again.
func (s *Session) readFull(p []byte) error {
	for n := 0; n < len(p); {
		if s.Context().Err() != nil {
			return relaynet.ErrShutdown
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return err
		}

		m, err := s.conn.Read(p[n:])
		n += m
		if err == nil {
			continue
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		if errors.Is(err, io.EOF) && n > 0 {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

var _ registry.Peer = (*peer)(nil)
var _ relaynet.Session = (*Session)(nil)
