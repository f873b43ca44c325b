package carrier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Loopback is an in-memory Transport with no real network I/O: tests drive
// it by calling the Inject* methods, and it records sent friend messages
// (see Sent) and accepted friend requests so a test can assert on them.
// It is also the basis for RunTestPeer,
// the optional synthetic friend used for local smoke-testing.
type Loopback struct {
	mu  sync.Mutex
	cb  Callbacks
	log []string

	userID  string
	address string

	nextHandle atomic.Uint64
	nextFileID atomic.Uint32
	sent       []SentMessage
	peerOf     map[Handle]string

	// FailSend, when set, makes SendFriendMessage fail for the named peer —
	// used to exercise the HTTP fallback path.
	FailSend map[string]bool

	// FailConnect, when set, makes FiletransferConnect report StateFailed
	// instead of StateConnected for the named peer.
	FailConnect map[string]bool
}

// SentMessage records one SendFriendMessage call for test assertions.
type SentMessage struct {
	Peer string
	Data []byte
}

// NewLoopback constructs a ready-to-use fake transport.
func NewLoopback(userID, address string) *Loopback {
	return &Loopback{
		userID:      userID,
		address:     address,
		FailSend:    make(map[string]bool),
		FailConnect: make(map[string]bool),
		peerOf:      make(map[Handle]string),
	}
}

func (l *Loopback) Start(_ context.Context, cb Callbacks) error {
	l.mu.Lock()
	l.cb = cb
	l.mu.Unlock()
	if cb.Ready != nil {
		cb.Ready()
	}
	return nil
}

// SetManagerCallbacks is a test convenience wiring a filetransfer.Manager's
// handler methods onto this Loopback's callback set without going through
// Start's full Callbacks literal.
func (l *Loopback) SetManagerCallbacks(
	onConnect func(peer string, handle Handle, info FileInfo),
	onState func(handle Handle, state SessionState),
	onPull func(handle Handle, fileid uint32, offset uint64),
	onData func(handle Handle, fileid uint32, data []byte),
	onCancel func(handle Handle, fileid uint32, status int, reason string),
) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cb.FiletransferConnect = onConnect
	l.cb.StateChanged = onState
	l.cb.Pull = onPull
	l.cb.Data = onData
	l.cb.Cancel = onCancel
}

func (l *Loopback) Stop() {}

func (l *Loopback) MaxUserDataLen() int { return 4096 }
func (l *Loopback) UserID() string      { return l.userID }
func (l *Loopback) Address() string     { return l.address }

func (l *Loopback) SendFriendMessage(peer string, data []byte) (uint32, error) {
	l.mu.Lock()
	fail := l.FailSend[peer]
	if !fail {
		l.sent = append(l.sent, SentMessage{Peer: peer, Data: append([]byte(nil), data...)})
	}
	l.mu.Unlock()
	if fail {
		return 0, fmt.Errorf("loopback: send to %s forced to fail", peer)
	}
	return uint32(len(l.sent)), nil
}

// Sent returns every message accepted by SendFriendMessage, for assertions.
func (l *Loopback) Sent() []SentMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SentMessage(nil), l.sent...)
}

func (l *Loopback) AcceptFriend(peer string) error {
	l.mu.Lock()
	l.log = append(l.log, "accept_friend:"+peer)
	l.mu.Unlock()
	return nil
}

func (l *Loopback) GetFriends() ([]FriendInfo, error) { return nil, nil }

func (l *Loopback) SetSelfInfo(SelfInfo) error     { return nil }
func (l *Loopback) GetSelfInfo() (SelfInfo, error) { return SelfInfo{}, nil }

func (l *Loopback) FiletransferNew(peer string, info FileInfo) (Handle, error) {
	handle := Handle(l.nextHandle.Add(1))
	l.mu.Lock()
	l.peerOf[handle] = peer
	l.mu.Unlock()
	return handle, nil
}

func (l *Loopback) FiletransferFileID(Handle) (uint32, error) {
	return l.nextFileID.Add(1), nil
}

// FiletransferConnect simulates the remote accepting the connect and, since
// this fake collapses both ends of the wire into one process, immediately
// solicits the first chunk the way a real receiver's state-changed handler
// would — letting a sender-role Manager drive SendFile to completion
// against nothing but this fake.
func (l *Loopback) FiletransferConnect(handle Handle) error {
	l.mu.Lock()
	cb := l.cb
	fail := l.FailConnect[l.peerOf[handle]]
	l.mu.Unlock()

	if fail {
		if cb.StateChanged != nil {
			cb.StateChanged(handle, StateFailed)
		}
		return nil
	}
	if cb.StateChanged != nil {
		cb.StateChanged(handle, StateConnected)
	}
	if cb.Pull != nil {
		cb.Pull(handle, 1, 0)
	}
	return nil
}

func (l *Loopback) FiletransferAcceptConnect(handle Handle) error {
	l.mu.Lock()
	cb := l.cb
	l.mu.Unlock()
	if cb.StateChanged != nil {
		cb.StateChanged(handle, StateConnected)
	}
	return nil
}

func (l *Loopback) FiletransferPull(handle Handle, fileid uint32, offset uint64) error {
	l.mu.Lock()
	cb := l.cb
	l.mu.Unlock()
	if cb.Pull != nil {
		cb.Pull(handle, fileid, offset)
	}
	return nil
}

func (l *Loopback) FiletransferSend(Handle, uint32, []byte) (int, error) { return 0, nil }

// SimulateInboundFile drives the receiver lifecycle end to end as if a peer
// had opened a transfer and pushed data: connect, one data chunk, then the
// zero-length EOF frame. Returns the handle assigned.
func (l *Loopback) SimulateInboundFile(peer string, info FileInfo, data []byte) Handle {
	handle := Handle(l.nextHandle.Add(1))
	l.mu.Lock()
	l.peerOf[handle] = peer
	cb := l.cb
	l.mu.Unlock()

	if cb.FiletransferConnect != nil {
		cb.FiletransferConnect(peer, handle, info)
	}
	if cb.Data != nil {
		cb.Data(handle, 1, data)
		cb.Data(handle, 1, nil)
	}
	return handle
}

func (l *Loopback) FiletransferCancel(handle Handle, fileid uint32, status int, reason string) error {
	l.mu.Lock()
	cb := l.cb
	l.mu.Unlock()
	if cb.Cancel != nil {
		cb.Cancel(handle, fileid, status, reason)
	}
	return nil
}

func (l *Loopback) FiletransferClose(handle Handle) error {
	l.mu.Lock()
	cb := l.cb
	l.mu.Unlock()
	if cb.StateChanged != nil {
		cb.StateChanged(handle, StateClosed)
	}
	return nil
}

// InjectFriendMessage simulates an inbound friend_message callback — the
// hook tests and RunTestPeer use to drive the inbound router.
func (l *Loopback) InjectFriendMessage(peer string, data []byte, ts int64, offline bool) {
	l.mu.Lock()
	cb := l.cb
	l.mu.Unlock()
	if cb.FriendMessage != nil {
		cb.FriendMessage(peer, data, ts, offline)
	}
}

// InjectFriendConnection simulates a friend_connection callback.
func (l *Loopback) InjectFriendConnection(peer string, online bool) {
	l.mu.Lock()
	cb := l.cb
	l.mu.Unlock()
	if cb.FriendConnection != nil {
		cb.FriendConnection(peer, online)
	}
}
