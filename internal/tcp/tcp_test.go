package tcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/config"
	"github.com/luciancaetano/relaynet/internal/protocol"
	"github.com/luciancaetano/relaynet/internal/registry"
)

type leave struct {
	id     int32
	reason error
}

type harness struct {
	cfg    *config.Config
	server *Server
	reg    *registry.Registry
	joins  chan int32
	leaves chan leave
}

func newHarness(t *testing.T, modify func(c *config.Config)) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ReadTimeout = 50 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	if modify != nil {
		modify(cfg)
	}

	h := &harness{
		cfg:    cfg,
		reg:    registry.New(cfg.MaxPlayers),
		joins:  make(chan int32, 64),
		leaves: make(chan leave, 64),
	}
	h.server = New(&ServerConfig{
		Config:      cfg,
		Registry:    h.reg,
		AcceptLimit: AcceptLimitFromConfig(cfg),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnJoin:      func(s relaynet.Session) { h.joins <- s.ID() },
		OnLeave:     func(s relaynet.Session, reason error) { h.leaves <- leave{s.ID(), reason} },
	})

	if err := h.server.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.reg.CloseAll()
		_ = h.server.Stop(ctx)
	})
	return h
}

// connect dials the server and waits until the session has joined.
func (h *harness) connect(t *testing.T) (net.Conn, int32) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", h.server.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case id := <-h.joins:
		return conn, id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for join")
		return nil, 0
	}
}

func (h *harness) nextLeave(t *testing.T) leave {
	t.Helper()
	select {
	case l := <-h.leaves:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for leave")
		return leave{}
	}
}

func frame(t *testing.T, payload []byte) []byte {
	t.Helper()
	f, err := protocol.Encode(payload)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	return f
}

func readFrame(conn net.Conn, timeout time.Duration) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header)
	if size < protocol.MinFrameSize || size > protocol.MaxFrameSize {
		return nil, errors.New("bad frame size from server")
	}
	f := make([]byte, size)
	copy(f, header)
	if _, err := io.ReadFull(conn, f[protocol.HeaderSize:]); err != nil {
		return nil, err
	}
	return f, nil
}

func expectNothing(t *testing.T, conn net.Conn) {
	t.Helper()
	f, err := readFrame(conn, 100*time.Millisecond)
	if err == nil {
		t.Fatalf("received unexpected frame %v", f)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("read error = %v, want timeout", err)
	}
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("connection still open, read returned data")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open after 2s")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if h.server.Addr() == "" {
		t.Fatal("Addr() empty after Start")
	}
	if err := h.server.Start(context.Background()); !errors.Is(err, relaynet.ErrServerAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrServerAlreadyRunning", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.server.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := h.server.Stop(ctx); !errors.Is(err, relaynet.ErrServerNotRunning) {
		t.Errorf("second Stop() error = %v, want ErrServerNotRunning", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	srv := New(&ServerConfig{Config: config.DefaultConfig(), Registry: registry.New(1)})
	if err := srv.Stop(context.Background()); !errors.Is(err, relaynet.ErrServerNotRunning) {
		t.Errorf("Stop() error = %v, want ErrServerNotRunning", err)
	}
}

func TestStartBindFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, port, _ := net.SplitHostPort(h.server.Addr())

	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port, _ = strconv.Atoi(port)
	other := New(&ServerConfig{Config: cfg, Registry: registry.New(1)})
	if err := other.Start(context.Background()); err == nil {
		_ = other.Stop(context.Background())
		t.Fatal("Start() on a busy port succeeded")
	}
}

// TestDistinctIDs tests that concurrent clients get distinct ids in range
func TestDistinctIDs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	seen := make(map[int32]bool)
	for i := 0; i < 10; i++ {
		_, id := h.connect(t)
		if id < registry.MinID || id > registry.MaxID {
			t.Errorf("id %d outside [%d, %d]", id, registry.MinID, registry.MaxID)
		}
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if h.reg.Len() != 10 {
		t.Errorf("Len() = %d, want 10", h.reg.Len())
	}
}

// TestCapacity tests that a connection beyond max_players is closed without frames
func TestCapacity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) { c.MaxPlayers = 2 })
	h.connect(t)
	h.connect(t)

	extra, err := net.DialTimeout("tcp", h.server.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer extra.Close()
	expectClosed(t, extra)

	waitFor(t, "rejected count", func() bool { return h.reg.Metrics().Snapshot().Rejected == 1 })
	if h.reg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", h.reg.Len())
	}
}

// TestRelayScenario tests sender exclusion, byte-exact delivery and the rate limit
func TestRelayScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) {
		c.Mirror = false
		c.MaxRate = 60
	})
	a, _ := h.connect(t)
	b, _ := h.connect(t)
	c, _ := h.connect(t)

	want := frame(t, []byte("0123456789"))
	if _, err := a.Write(want); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	for name, conn := range map[string]net.Conn{"b": b, "c": c} {
		got, err := readFrame(conn, time.Second)
		if err != nil {
			t.Fatalf("client %s read error: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("client %s got %v, want %v", name, got, want)
		}
	}
	expectNothing(t, a)

	// The frame above and these sixty make 61 from a within one second.
	var burst bytes.Buffer
	for i := 0; i < 60; i++ {
		burst.Write(frame(t, []byte{byte(i)}))
	}
	if _, err := a.Write(burst.Bytes()); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	for name, conn := range map[string]net.Conn{"b": b, "c": c} {
		received := 1
		for {
			if _, err := readFrame(conn, 300*time.Millisecond); err != nil {
				break
			}
			received++
		}
		if received != 60 {
			t.Errorf("client %s received %d frames, want 60", name, received)
		}
	}
	if got := h.reg.Metrics().Snapshot().Throttled; got != 1 {
		t.Errorf("Throttled = %d, want 1", got)
	}
}

// TestRateLimitDropsExcess tests that the 61st frame within one second is dropped
func TestRateLimitDropsExcess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) {
		c.Mirror = false
		c.MaxRate = 60
	})
	a, _ := h.connect(t)
	b, _ := h.connect(t)

	var burst bytes.Buffer
	for i := 0; i < 61; i++ {
		burst.Write(frame(t, []byte{byte(i)}))
	}
	if _, err := a.Write(burst.Bytes()); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	received := 0
	for {
		f, err := readFrame(b, 300*time.Millisecond)
		if err != nil {
			break
		}
		if f[protocol.HeaderSize] != byte(received) {
			t.Fatalf("frame %d out of order: payload %d", received, f[protocol.HeaderSize])
		}
		received++
	}
	if received != 60 {
		t.Errorf("received %d frames, want 60", received)
	}
	if got := h.reg.Metrics().Snapshot().Throttled; got != 1 {
		t.Errorf("Throttled = %d, want 1", got)
	}
}

func TestMirror(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) { c.Mirror = true })
	a, _ := h.connect(t)
	b, _ := h.connect(t)

	want := frame(t, []byte("echo"))
	if _, err := a.Write(want); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	for name, conn := range map[string]net.Conn{"a": a, "b": b} {
		got, err := readFrame(conn, time.Second)
		if err != nil {
			t.Fatalf("client %s read error: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("client %s got %v, want %v", name, got, want)
		}
	}
}

// TestFrameBounds tests the smallest and largest legal frames
func TestFrameBounds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) { c.Mirror = false })
	a, _ := h.connect(t)
	b, _ := h.connect(t)

	for _, payload := range [][]byte{{}, bytes.Repeat([]byte{0xAB}, protocol.MaxPayloadSize)} {
		want := frame(t, payload)
		if _, err := a.Write(want); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		got, err := readFrame(b, time.Second)
		if err != nil {
			t.Fatalf("read error for %d-byte frame: %v", len(want), err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%d-byte frame altered in transit", len(want))
		}
	}
}

// TestViolation tests that an out-of-range size closes only the sender
func TestViolation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		size uint32
	}{
		{"too large", 513},
		{"huge", 0xFFFFFFFF},
		{"too small", 3},
		{"zero", 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, func(c *config.Config) { c.Mirror = true })
			a, aID := h.connect(t)
			b, _ := h.connect(t)

			bad := make([]byte, 8)
			binary.LittleEndian.PutUint32(bad, tt.size)
			if _, err := a.Write(bad); err != nil {
				t.Fatalf("Write() error: %v", err)
			}

			expectClosed(t, a)
			l := h.nextLeave(t)
			if l.id != aID || !errors.Is(l.reason, relaynet.ErrProtocol) {
				t.Errorf("leave = %+v, want id %d with ErrProtocol", l, aID)
			}
			expectNothing(t, b)

			if got := h.reg.Metrics().Snapshot().Violations; got != 1 {
				t.Errorf("Violations = %d, want 1", got)
			}
			if h.reg.Len() != 1 {
				t.Errorf("Len() = %d, want 1", h.reg.Len())
			}
		})
	}
}

// TestSplitFrame tests that a frame delivered across read timeouts is reassembled
func TestSplitFrame(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) { c.Mirror = false })
	a, _ := h.connect(t)
	b, _ := h.connect(t)

	want := frame(t, []byte("slowly"))
	for _, part := range [][]byte{want[:2], want[2:6], want[6:]} {
		if _, err := a.Write(part); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		time.Sleep(120 * time.Millisecond)
	}

	got, err := readFrame(b, time.Second)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestDisconnectRemovesID tests cleanup after a client leaves
func TestDisconnectRemovesID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) { c.MaxPlayers = 1 })
	a, aID := h.connect(t)
	a.Close()

	l := h.nextLeave(t)
	if l.id != aID || l.reason != nil {
		t.Errorf("leave = %+v, want id %d with nil reason", l, aID)
	}
	waitFor(t, "empty registry", func() bool { return h.reg.Len() == 0 })

	// The only slot is free again.
	b, _ := h.connect(t)
	if ids := h.reg.IDs(); len(ids) != 1 {
		t.Errorf("IDs() = %v, want one id", ids)
	}
	expectNothing(t, b)
}

// TestTruncatedFrame tests that EOF in the middle of a frame is an error
func TestTruncatedFrame(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	a, _ := h.connect(t)

	f := frame(t, []byte("cut short"))
	if _, err := a.Write(f[:6]); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	a.Close()

	l := h.nextLeave(t)
	if !errors.Is(l.reason, io.ErrUnexpectedEOF) {
		t.Errorf("leave reason = %v, want io.ErrUnexpectedEOF", l.reason)
	}
}

// TestShutdownClosesClients tests that clients are disconnected within one poll interval
func TestShutdownClosesClients(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) {
		c.PollInterval = config.DefaultConfig().PollInterval
	})
	a, _ := h.connect(t)
	b, _ := h.connect(t)

	start := time.Now()
	if err := h.server.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	h.reg.CloseAll()

	expectClosed(t, a)
	expectClosed(t, b)
	if elapsed := time.Since(start); elapsed > h.cfg.PollInterval {
		t.Errorf("clients closed after %v, want within %v", elapsed, h.cfg.PollInterval)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.server.Wait(ctx); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	for i := 0; i < 2; i++ {
		if l := h.nextLeave(t); !errors.Is(l.reason, relaynet.ErrShutdown) {
			t.Errorf("leave reason = %v, want ErrShutdown", l.reason)
		}
	}
	if h.reg.Len() != 0 {
		t.Errorf("Len() = %d after shutdown, want 0", h.reg.Len())
	}
}

// TestCancelStopsSessions tests that cancelling the start context ends idle sessions
func TestCancelStopsSessions(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ReadTimeout = 50 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond

	var mu sync.Mutex
	var reasons []error
	reg := registry.New(cfg.MaxPlayers)
	joined := make(chan struct{}, 1)
	srv := New(&ServerConfig{
		Config:   cfg,
		Registry: reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnJoin:   func(relaynet.Session) { joined <- struct{}{} },
		OnLeave: func(_ relaynet.Session, reason error) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	<-joined

	cancel()
	expectClosed(t, conn)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || !errors.Is(reasons[0], relaynet.ErrShutdown) {
		t.Errorf("leave reasons = %v, want one ErrShutdown", reasons)
	}
}

// TestCancelClosesListener tests that cancelling the start context releases the port
func TestCancelClosesListener(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.PollInterval = 20 * time.Millisecond

	reg := registry.New(cfg.MaxPlayers)
	srv := New(&ServerConfig{
		Config:   cfg,
		Registry: reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	addr := srv.Addr()
	cancel()

	waitFor(t, "listener to close", func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d after cancel, want 0", reg.Len())
	}
}

// TestPeerSendFailureClosesConn tests that a timed out write closes the connection
func TestPeerSendFailureClosesConn(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()

	p := &peer{conn: server, writeTimeout: 10 * time.Millisecond}
	if err := p.Send(frame(t, []byte("nobody reads this"))); err == nil {
		t.Fatal("Send() succeeded without a reader")
	}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("Read() error = %v, want io.EOF", err)
	}
	if err := p.Send(frame(t, []byte("again"))); err == nil {
		t.Error("Send() succeeded on a closed peer")
	}
}

// TestAcceptLimit tests the listener admission throttle
func TestAcceptLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) {
		c.AcceptRate = 0.01
		c.AcceptBurst = 1
	})
	h.connect(t)

	extra, err := net.DialTimeout("tcp", h.server.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer extra.Close()
	expectClosed(t, extra)

	waitFor(t, "rejected count", func() bool { return h.reg.Metrics().Snapshot().Rejected == 1 })
}

func TestAcceptLimitFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	if AcceptLimitFromConfig(cfg).Enabled {
		t.Error("admission limit enabled with AcceptRate 0")
	}

	cfg.AcceptRate = 5
	cfg.AcceptBurst = 2
	l := AcceptLimitFromConfig(cfg)
	if !l.Enabled || l.ConnectionsPerSecond != 5 || l.Burst != 2 {
		t.Errorf("AcceptLimitFromConfig() = %+v", l)
	}
}
