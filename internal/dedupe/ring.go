// Package dedupe implements the bounded fingerprint ring that suppresses
// replayed offline messages, plus the stale-offline cutoff that runs ahead
// of it.
package dedupe

import (
	"fmt"
	"sync"
)

// Capacity is the maximum number of fingerprints the ring retains.
// Overflow evicts the oldest entry by insertion order.
const Capacity = 20000

// StaleOfflineWindowSeconds is how far in the past an offline-flagged
// message's timestamp may lag the process start before it is dropped as a
// stale replay rather than forwarded.
const StaleOfflineWindowSeconds = 300

// Fingerprint identifies one inbound delivery for duplicate suppression.
type Fingerprint struct {
	Peer       string
	TS         int64
	Offline    bool
	FileName   string
	MediaType  string
	Size       uint64
	TextDigest string
}

// Key renders the fingerprint to a single comparable string.
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%s|%d|%t|%s|%s|%d|%s", f.Peer, f.TS, f.Offline, f.FileName, f.MediaType, f.Size, f.TextDigest)
}

// TextDigest implements the text_digest rule: the full text if it is at
// most 256 bytes, otherwise the first 192 bytes, the length, and the last
// 48 bytes, so a long message's fingerprint is cheap to compute and compare
// without hashing the whole body.
func TextDigest(text string) string {
	if len(text) <= 256 {
		return text
	}
	head := text[:192]
	tail := text[len(text)-48:]
	return fmt.Sprintf("%s|%d|%s", head, len(text), tail)
}

// IsStaleOffline reports whether an offline-flagged message's timestamp
// predates the process's startup by more than StaleOfflineWindowSeconds —
// the transport replays old offline messages on reconnect, and without this
// filter ancient messages would re-trigger downstream workflows.
func IsStaleOffline(startupTS, ts int64, offline bool) bool {
	if !offline || startupTS <= 0 || ts <= 0 {
		return false
	}
	return ts < startupTS-StaleOfflineWindowSeconds
}

// Ring is a bounded set+FIFO of recently-seen fingerprints.
type Ring struct {
	mu    sync.Mutex
	set   map[string]struct{}
	order []string
}

// NewRing constructs an empty ring.
func NewRing() *Ring {
	return &Ring{set: make(map[string]struct{}, Capacity)}
}

// Remember reports whether fp has been seen before. A fresh fingerprint is
// recorded and true is returned; a duplicate returns false without
// mutating the ring.
func (r *Ring) Remember(fp Fingerprint) bool {
	key := fp.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.set[key]; dup {
		return false
	}

	r.set[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > Capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	return true
}

// Len returns the current number of tracked fingerprints (test/debug use).
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
