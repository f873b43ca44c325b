// Package prefcache tracks, per peer, which media wire format that peer's
// client has most recently proven it can decode. The dispatcher consults
// this to steer auto-mode sends; only the inbound router ever writes to it.
package prefcache

import "sync"

// Hint is the remembered preferred encoding for a peer, or "" if unset.
type Hint string

const (
	HintUnset      Hint = ""
	HintPacked     Hint = "packed"
	HintSwiftJSON  Hint = "swift-json"
	HintInlineJSON Hint = "inline-json"
)

// Preference is one peer's learned dispatch hint.
type Preference struct {
	PrefersInline bool
	Hint          Hint
}

// Cache is a mutex-protected peer -> Preference map. It is never persisted
// to disk — a fresh process starts with an empty cache and relearns from
// inbound traffic.
type Cache struct {
	mu    sync.RWMutex
	prefs map[string]Preference
}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{prefs: make(map[string]Preference)}
}

// Get returns the remembered preference for peer, if any.
func (c *Cache) Get(peer string) (Preference, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prefs[peer]
	return p, ok
}

// Update records that an inbound media payload from peer was successfully
// decoded as the given hint.
func (c *Cache) Update(peer string, hint Hint) {
	prefersInline := hint == HintInlineJSON || hint == HintSwiftJSON

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefs[peer] = Preference{PrefersInline: prefersInline, Hint: hint}
}
