// Package presence tracks friend state mirrored from the Carrier transport:
// online/offline transitions, presence values, and full-record upserts, each
// optionally enriched with a best-effort IP/location annotation.
package presence

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// FriendState mirrors one transport-reported friend record.
type FriendState struct {
	FriendID    string
	Name        string
	Gender      string
	Phone       string
	Email       string
	Description string
	Region      string
	Label       string
	Status      int // 0 offline, 1 online
	Presence    int
}

// Event is emitted on every friend_connection callback (online/offline) and
// on a full upsert that changes any field (updated).
type Event struct {
	Kind     string // "online", "offline", "updated"
	Friend   FriendState
	IP       string
	Location string
	TS       int64
}

// Tracker is the mutex-protected friend state map plus its IP/location
// annotator. One mutex, held across read-modify-write for a single friend —
// never across a callback invocation.
type Tracker struct {
	mu      sync.Mutex
	friends map[string]FriendState
	locator Locator
	onEvent func(Event)
}

// New constructs a Tracker. onEvent is invoked synchronously from whichever
// goroutine reported the change (the Carrier link's control-stream reader,
// per spec); it must not block.
func New(locator Locator, onEvent func(Event)) *Tracker {
	if locator == nil {
		locator = NoopLocator{}
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Tracker{
		friends: make(map[string]FriendState),
		locator: locator,
		onEvent: onEvent,
	}
}

// Connection handles a friend_connection(peer, status) callback.
func (t *Tracker) Connection(peer string, online bool) {
	status := 0
	kind := "offline"
	if online {
		status = 1
		kind = "online"
	}

	t.mu.Lock()
	f := t.friends[peer]
	f.FriendID = peer
	f.Status = status
	t.friends[peer] = f
	t.mu.Unlock()

	ip, loc := t.locator.Locate(peer)
	slog.Info("friend connection", "peer", peer, "status", kind, "ip", ip, "location", loc)
	t.onEvent(Event{Kind: kind, Friend: f, IP: ip, Location: loc, TS: time.Now().Unix()})
}

// Presence handles a friend_presence(peer, presence) callback. Silent: no
// event is emitted, only the field is updated.
func (t *Tracker) Presence(peer string, value int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.friends[peer]
	f.FriendID = peer
	f.Presence = value
	t.friends[peer] = f
}

// Upsert handles friend_info / friend_added / friend_list_entry callbacks: a
// full record replace. An event fires only if some field actually changed.
func (t *Tracker) Upsert(f FriendState) {
	t.mu.Lock()
	prev, existed := t.friends[f.FriendID]
	changed := !existed || prev != f
	t.friends[f.FriendID] = f
	t.mu.Unlock()

	if !changed {
		return
	}
	slog.Debug("friend upserted", "peer", f.FriendID, "changed", true)
	t.onEvent(Event{Kind: "updated", Friend: f, TS: time.Now().Unix()})
}

// Get returns the current record for peer.
func (t *Tracker) Get(peer string) (FriendState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.friends[peer]
	return f, ok
}

// Snapshot returns every known friend, ordered by FriendID for deterministic
// TSV/MySQL projection.
func (t *Tracker) Snapshot() []FriendState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FriendState, 0, len(t.friends))
	for _, f := range t.friends {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FriendID < out[j].FriendID })
	return out
}

// IsOnline reports the peer's last-known connection status — consulted by
// the outbound dispatcher's filetransfer-first heuristic.
func (t *Tracker) IsOnline(peer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.friends[peer].Status == 1
}

// TSVLine renders a FriendState as the ten tab-separated fields persisted to
// friend_state.tsv.
func (f FriendState) TSVLine() string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d",
		f.FriendID, f.Name, f.Gender, f.Phone, f.Email, f.Description, f.Region, f.Label, f.Status, f.Presence)
}
