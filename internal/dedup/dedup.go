// Package dedup provides a bounded-lifetime membership window for provider
// event ids.
//
// The provider delivers at-least-once, so the same event id can arrive more
// than once. Each tenant worker owns one Window; an id marked within the TTL
// is treated as already handled. Entries expire individually, so a sweep
// never resets the whole history at once. Nothing survives a process restart.
package dedup

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is the default lifetime of a marked event id.
const DefaultTTL = 5 * time.Minute

// Window is a per-entry expiring set of event ids. Safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewWindow creates a Window with the given entry lifetime.
// A non-positive ttl falls back to DefaultTTL.
func NewWindow(ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Window{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Seen reports whether id was marked within the window's TTL.
// Expired entries are treated as unseen (and dropped lazily).
func (w *Window) Seen(id string) bool {
	if id == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	expiry, ok := w.entries[id]
	if !ok {
		return false
	}
	if w.now().After(expiry) {
		delete(w.entries, id)
		return false
	}
	return true
}

// Mark records id as handled. Marking an empty id is a no-op.
func (w *Window) Mark(id string) {
	if id == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[id] = w.now().Add(w.ttl)
}

// Sweep drops all expired entries and returns how many were removed.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	removed := 0
	for id, expiry := range w.entries {
		if now.After(expiry) {
			delete(w.entries, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Dedup window swept", "removed", removed, "remaining", len(w.entries))
	}
	return removed
}

// Len returns the number of entries currently held, including expired ones
// that have not yet been swept.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
