package relaynet

import "context"

// Server defines a relay endpoint that accepts connections and fans frames
// out through a shared registry.
//
// Example usage:
//
//	import "github.com/luciancaetano/relaynet/relay"
//
//	cfg := relay.DefaultConfig()
//	cfg.Mirror = false
//	r, err := relay.New(relay.Options{Config: cfg})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := r.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	<-ctx.Done()
//	r.Stop(context.Background())
type Server interface {
	// Start binds the listener and begins accepting connections in the
	// background. It returns once the listener is bound.
	//
	// Returns an error if the server is already running or if there's a
	// problem binding to the network address.
	Start(ctx context.Context) error

	// Stop stops accepting connections, closes every registered connection
	// and waits for their sessions to finish or for ctx to expire.
	Stop(ctx context.Context) error

	// Addr returns the bound listener address, or "" before Start.
	Addr() string
}

// Session represents one connected client, whatever its transport.
//
// The numeric ID is what the registry is keyed by. It is unique among live
// sessions but may be handed to a later connection once this one leaves, so
// logs correlate sessions by Key instead.
type Session interface {
	// ID returns the registry id, in [10000, 16383].
	ID() int32

	// Key returns a random identifier that is never reused.
	Key() string

	// RemoteAddr returns the client's remote network address.
	//
	// This is typically in the format "IP:port", for example "192.168.1.100:54321".
	RemoteAddr() string

	// Context returns the session's lifecycle context.
	//
	// This context is cancelled when the session ends, whatever the cause.
	Context() context.Context
}

// OnJoinFn is called once a session has been registered and before its read
// loop starts.
type OnJoinFn = func(s Session)

// OnLeaveFn is called exactly once when a registered session ends. reason is
// nil for a clean close by the client; otherwise it explains the disconnect
// (see the Err* values in this package and in the protocol package).
type OnLeaveFn = func(s Session, reason error)
