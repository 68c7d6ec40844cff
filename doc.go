// Package relaynet is a message relay for real-time applications such as
// multiplayer game-state synchronisation.
//
// Clients connect over TCP (or, optionally, WebSocket), send length-prefixed
// binary frames, and the relay rebroadcasts every frame unchanged to the other
// connected clients. Payloads are never interpreted.
//
// # Quick Start
//
//	import "github.com/luciancaetano/relaynet/relay"
//
//	cfg := relay.DefaultConfig()
//	cfg.Port = 45565
//	cfg.Mirror = false
//
//	r, err := relay.New(relay.Options{
//	    Config: cfg,
//	    OnJoin: func(s relaynet.Session) {
//	        log.Printf("joined: id=%d remote=%s", s.ID(), s.RemoteAddr())
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := r.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	<-ctx.Done()
//	r.Stop(context.Background())
//
// # Protocol Format
//
//	[4 bytes: size (uint32, little-endian)][size-4 bytes: payload]
//
// size counts the header itself, so an empty payload is sent as size 4. A
// size outside [4, 512] is a protocol violation and the sender is
// disconnected. There is no handshake and no acknowledgement.
//
// Over WebSocket each binary message must carry exactly one complete frame,
// header included. Violations close the connection with code 1002.
//
// # Broadcast
//
// A frame is written to every other connected client, or to every client
// including the sender when mirror mode is on. Broadcasts are serialised, so
// all clients observe frames in the same order. A client that cannot accept a
// write within the write timeout is disconnected; nobody else is affected.
//
// # Rate Limiting
//
// Each connection may have at most max_rate frames relayed in any rolling
// one-second window. Excess frames are dropped silently and the connection
// stays open. The listener can additionally limit how fast new connections
// are admitted (accept_rate, accept_burst).
//
// # Connection IDs
//
// Each client is assigned a random id in [10000, 16383] that is unique among
// live connections. Ids are reused after a client leaves; Session.Key is a
// random string that is never reused.
//
// # Shutdown
//
// Stop refuses new connections, closes every connected client immediately and
// waits for the sessions to finish before logging a summary of the relay's
// counters.
package relaynet
