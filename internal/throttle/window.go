// Package throttle implements per-connection sliding-window admission control.
package throttle

import "time"

// DefaultSpan is the trailing interval a Window accounts over.
const DefaultSpan = time.Second

type entry struct {
	at     time.Time
	weight int
}

// Window admits events while the summed weight of the events admitted in the
// trailing span stays below limit. It keeps the exact history instead of a
// refill rate, so a burst is bounded within any rolling span.
//
// A Window belongs to a single connection and is not safe for concurrent use.
type Window struct {
	limit   int
	span    time.Duration
	entries []entry // time-ascending; entries[head:] are live
	head    int
	sum     int
}

// NewWindow returns a one-second window with the given threshold.
func NewWindow(limit int) *Window {
	return NewWindowSpan(limit, DefaultSpan)
}

// NewWindowSpan returns a window over an arbitrary span.
func NewWindowSpan(limit int, span time.Duration) *Window {
	return &Window{limit: limit, span: span}
}

// Admit trims expired entries, then records (now, weight) and returns true
// unless the weight already in the window has reached the limit. A rejected
// event leaves no trace.
func (w *Window) Admit(now time.Time, weight int) bool {
	w.trim(now)

	if w.sum >= w.limit {
		return false
	}

	w.entries = append(w.entries, entry{at: now, weight: weight})
	w.sum += weight
	return true
}

// Sum returns the weight currently accounted in the window.
func (w *Window) Sum() int {
	return w.sum
}

// Len returns the number of events currently in the window.
func (w *Window) Len() int {
	return len(w.entries) - w.head
}

func (w *Window) trim(now time.Time) {
	cutoff := now.Add(-w.span)
	for w.head < len(w.entries) && w.entries[w.head].at.Before(cutoff) {
		w.sum -= w.entries[w.head].weight
		w.entries[w.head] = entry{}
		w.head++
	}

	// Reclaim the dead prefix once it dominates the backing array.
	if w.head > 0 && w.head >= len(w.entries)/2 {
		n := copy(w.entries, w.entries[w.head:])
		w.entries = w.entries[:n]
		w.head = 0
	}
}
