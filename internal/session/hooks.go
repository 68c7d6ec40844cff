package session

import (
	"log/slog"

	"github.com/luciancaetano/relaynet"
)

// Hooks carries the optional lifecycle callbacks. A panicking callback is
// logged and does not end the session or the server.
type Hooks struct {
	OnJoin  relaynet.OnJoinFn
	OnLeave relaynet.OnLeaveFn
}

// Joined calls OnJoin, if set.
func (h Hooks) Joined(s relaynet.Session, log *slog.Logger) {
	if h.OnJoin == nil {
		return
	}
	defer recoverHook(log, "OnJoin")
	h.OnJoin(s)
}

// Left calls OnLeave, if set.
func (h Hooks) Left(s relaynet.Session, reason error, log *slog.Logger) {
	if h.OnLeave == nil {
		return
	}
	defer recoverHook(log, "OnLeave")
	h.OnLeave(s, reason)
}

func recoverHook(log *slog.Logger, name string) {
	if r := recover(); r != nil {
		log.Error("hook panicked", "hook", name, "panic", r)
	}
}
