// Package carrier provides the concrete binding from the sidecar's core
// logic to a running Carrier peer-to-peer node: a Transport interface
// matching the callbacks/verbs of the external interface, a WebTransport-based
// Link implementation, and a Loopback fake used by tests and the optional
// virtual test peer.
package carrier

import "context"

// Handle identifies one file-transfer session at the transport layer. It is
// whatever the transport exposes as a stable identity for the session map
// (spec §9's "session map keyed by transport handle").
type Handle uint64

// FileInfo describes a file being offered or requested over a filetransfer
// session.
type FileInfo struct {
	FileName  string
	MediaType string
	Size      uint64
}

// FriendInfo is the transport's wire shape for a friend record, as seen on
// friend_info / friend_added / friend_list_entry callbacks.
type FriendInfo struct {
	FriendID    string
	Name        string
	Gender      string
	Phone       string
	Email       string
	Description string
	Region      string
	Label       string
	Status      int
	Presence    int
}

// SelfInfo is what set_self_info/get_self_info exchange.
type SelfInfo struct {
	Name        string
	Gender      string
	Phone       string
	Email       string
	Description string
	Region      string
}

// Callbacks is the full set of inbound notifications the core registers
// with Start. Every field is optional; a nil callback is simply never
// invoked. Control-stream callbacks are invoked serially from the transport
// loop; filetransfer Data and StateChanged callbacks may arrive from a
// separate per-transfer goroutine. Callbacks must not block.
type Callbacks struct {
	ConnectionStatus func(connected bool)
	Ready            func()
	FriendConnection func(peer string, online bool)
	FriendInfo       func(info FriendInfo)
	FriendAdded      func(info FriendInfo)
	FriendPresence   func(peer string, presence int)
	FriendMessage    func(peer string, data []byte, ts int64, offline bool)
	FriendRequest    func(peer string)
	FriendInvite     func(peer string, data []byte)
	FriendList       func(list []FriendInfo)

	// Filetransfer, inbound connect (receiver role).
	FiletransferConnect func(peer string, handle Handle, info FileInfo)

	// Filetransfer, per-session (both roles).
	StateChanged func(handle Handle, state SessionState)
	File         func(handle Handle, fileid uint32)
	Pull         func(handle Handle, fileid uint32, offset uint64)
	Data         func(handle Handle, fileid uint32, data []byte)
	Cancel       func(handle Handle, fileid uint32, status int, reason string)
}

// SessionState mirrors the transport's filetransfer state codes.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateCompleted
	StateFailed
	StateCanceled
	StateClosed
)

// Transport is the opaque Carrier binding. The core depends only on this
// interface; Link and Loopback are its two implementations.
type Transport interface {
	// Start connects to the Carrier node and begins invoking cb. Start
	// returns once the initial handshake completes; Ready fires
	// asynchronously once the node itself reports readiness.
	Start(ctx context.Context, cb Callbacks) error
	// Stop tears the connection down. Safe to call multiple times.
	Stop()

	SendFriendMessage(peer string, data []byte) (msgID uint32, err error)
	AcceptFriend(peer string) error
	GetFriends() ([]FriendInfo, error)
	SetSelfInfo(info SelfInfo) error
	GetSelfInfo() (SelfInfo, error)
	UserID() string
	Address() string

	// MaxUserDataLen is the transport's maximum per-frame chunk size for
	// filetransfer pull/data frames.
	MaxUserDataLen() int

	FiletransferNew(peer string, info FileInfo) (Handle, error)
	FiletransferFileID(handle Handle) (uint32, error)
	FiletransferConnect(handle Handle) error
	FiletransferAcceptConnect(handle Handle) error
	FiletransferPull(handle Handle, fileid uint32, offset uint64) error
	FiletransferSend(handle Handle, fileid uint32, data []byte) (sent int, err error)
	FiletransferCancel(handle Handle, fileid uint32, status int, reason string) error
	FiletransferClose(handle Handle) error
}
