package relaynet

import "errors"

// Server lifecycle errors
var (
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerNotRunning     = errors.New("server not running")
)

// Session end reasons, passed to OnLeaveFn
var (
	// ErrShutdown means the session observed server cancellation.
	ErrShutdown = errors.New("server shutting down")
	// ErrProtocol wraps framing violations.
	ErrProtocol = errors.New("protocol violation")
)
