// Package filetransfer implements the per-transfer sender/receiver state
// machine coordinating with the Carrier filetransfer primitive: fileid
// allocation, connect-wait, chunked streaming with cancellation, and
// receiver-side file assembly. The condition-variable wait pairs the
// original design used (connect_done, transfer_done) become one-shot
// channels here — the dispatcher's idiomatic replacement.
package filetransfer

import (
	"sync"

	"beagle-sidecar/internal/carrier"
)

// Role identifies which side of a transfer a Session represents.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

// State is the session's own lifecycle state, distinct from the transport's
// raw SessionState codes — the state-changed callback translates one into
// the other.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateCompleted
	StateFailed
	StateCanceled
	StateClosed
)

// ConnectResult is delivered on a session's connect_done gate.
type ConnectResult struct {
	OK bool
}

// TransferResult is delivered on a session's transfer_done gate.
type TransferResult struct {
	OK     bool
	Detail string
}

// Session is one file transfer's state, guarded by its own mutex. At most
// one Session exists per transport handle at any time (enforced by
// Manager's registration).
type Session struct {
	mu sync.Mutex

	Role      Role
	Peer      string
	Handle    carrier.Handle
	FileID    uint32
	FileName  string
	MediaType string

	SourcePath string // sender only
	TargetPath string // receiver only

	ExpectedSize uint64
	Transferred  uint64
	State        State
	CancelReason string

	connectDone  chan ConnectResult
	transferDone chan TransferResult
	connectOnce  sync.Once
	transferOnce sync.Once
}

func newSession(role Role, peer string, handle carrier.Handle) *Session {
	return &Session{
		Role:         role,
		Peer:         peer,
		Handle:       handle,
		State:        StateCreated,
		connectDone:  make(chan ConnectResult, 1),
		transferDone: make(chan TransferResult, 1),
	}
}

// signalConnect delivers exactly one result to the connect_done gate;
// subsequent calls are no-ops, since both a timeout and a late callback
// racing to close the same gate is expected.
func (s *Session) signalConnect(ok bool) {
	s.connectOnce.Do(func() { s.connectDone <- ConnectResult{OK: ok} })
}

func (s *Session) signalTransfer(ok bool, detail string) {
	s.transferOnce.Do(func() { s.transferDone <- TransferResult{OK: ok, Detail: detail} })
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.State = state
	s.mu.Unlock()
}

func (s *Session) addTransferred(n uint64) {
	s.mu.Lock()
	s.Transferred += n
	s.mu.Unlock()
}

func (s *Session) snapshotTransferred() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Transferred
}
