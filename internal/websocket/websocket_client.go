package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/protocol"
	"github.com/luciancaetano/relaynet/internal/registry"
	"github.com/luciancaetano/relaynet/internal/session"
)

const (
	// pongWait is how long a client may stay silent, pongs included.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second
	// controlWait bounds close and ping control frames.
	controlWait = time.Second
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrTextMessage      = errors.New("text messages are not supported")
)

// Client is one bridge session. It is also the registry's write handle for
// the connection.
type Client struct {
	*session.Base

	conn         *websocket.Conn
	server       *Server
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func newClient(ctx context.Context, s *Server, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		Base:         session.New(ctx, remoteAddr, s.cfg.MaxRate, s.logger),
		conn:         conn,
		server:       s,
		writeTimeout: s.cfg.WriteTimeout,
	}
}

// Send writes frame as one binary message. Callers are serialised by the
// registry lock, which keeps gorilla's single-writer rule.
func (c *Client) Send(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close is used by the registry on shutdown.
func (c *Client) Close() error {
	return c.CloseWithCode(websocket.CloseGoingAway, relaynet.ErrShutdown.Error())
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Client) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	message := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(controlWait))
	return c.conn.Close()
}

func (c *Client) serve() {
	reg := c.server.registry
	log := c.Logger()

	if err := c.Join(reg, c); err != nil {
		reg.Metrics().Rejected.Add(1)
		log.Info("connection refused", "error", err)
		_ = c.CloseWithCode(websocket.CloseTryAgainLater, err.Error())
		c.Cancel()
		return
	}
	reg.Metrics().Accepted.Add(1)
	log = c.Logger()
	log.Info("client joined", "clients", reg.Len())

	// A blocked ReadMessage cannot poll for cancellation, so cancellation
	// closes the connection instead.
	stop := context.AfterFunc(c.Context(), func() { _ = c.Close() })

	c.server.hooks.Joined(c, log)
	go c.keepalive()

	reason := c.Leave(reg, c.readLoop())
	stop()

	switch {
	case errors.Is(reason, relaynet.ErrProtocol):
		_ = c.CloseWithCode(websocket.CloseProtocolError, "protocol violation")
	case errors.Is(reason, relaynet.ErrShutdown):
		_ = c.Close()
	default:
		_ = c.CloseWithCode(websocket.CloseNormalClosure, "")
	}
	c.Cancel()

	c.server.hooks.Left(c, reason, log)
}

func (c *Client) readLoop() error {
	reg := c.server.registry
	mirror := c.server.cfg.Mirror

	c.conn.SetReadLimit(protocol.MaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				return fmt.Errorf("%w: %w", relaynet.ErrProtocol, protocol.ErrFrameTooLarge)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				return io.EOF
			}
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if mt != websocket.BinaryMessage {
			return fmt.Errorf("%w: %w", relaynet.ErrProtocol, ErrTextMessage)
		}
		if _, err := protocol.Decode(data); err != nil {
			return fmt.Errorf("%w: %w", relaynet.ErrProtocol, err)
		}

		c.Forward(reg, data, mirror)
	}
}

// keepalive pings the client until the session ends.
func (c *Client) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
				return
			}
		case <-c.Context().Done():
			return
		}
	}
}

var _ registry.Peer = (*Client)(nil)
var _ relaynet.Session = (*Client)(nil)
