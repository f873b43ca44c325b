package filetransfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"beagle-sidecar/internal/carrier"
	"beagle-sidecar/internal/codec"
	"beagle-sidecar/internal/model"
)

// Limits, per spec §4.3: defaults and their overridable ranges.
const (
	DefaultWaitConnectMS  = 8000
	MinWaitConnectMS      = 1000
	MaxWaitConnectMS      = 60000
	DefaultWaitTransferMS = 15000
	MinWaitTransferMS     = 1000
	MaxWaitTransferMS     = 120000
)

// ClampWaitConnectMS clamps a configured wait_connect_ms to its allowed range.
func ClampWaitConnectMS(ms int) int {
	return clamp(ms, MinWaitConnectMS, MaxWaitConnectMS, DefaultWaitConnectMS)
}

// ClampWaitTransferMS clamps a configured wait_transfer_ms to its allowed range.
func ClampWaitTransferMS(ms int) int {
	return clamp(ms, MinWaitTransferMS, MaxWaitTransferMS, DefaultWaitTransferMS)
}

func clamp(v, lo, hi, def int) int {
	if v <= 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Manager owns the process-wide session map, keyed by transport handle, and
// implements the receiver/sender callback handlers the Carrier link invokes.
type Manager struct {
	transport    carrier.Transport
	mediaDir     string
	waitConnect  time.Duration
	waitTransfer time.Duration
	onReceived   func(model.IncomingMessage)

	mu       sync.Mutex
	sessions map[carrier.Handle]*Session
	files    openFiles
}

// NewManager constructs a Manager. waitConnectMS/waitTransferMS are clamped
// to their allowed ranges. onReceived is called once per completed receiver
// session with the normalized inbound event.
func NewManager(transport carrier.Transport, mediaDir string, waitConnectMS, waitTransferMS int, onReceived func(model.IncomingMessage)) *Manager {
	if onReceived == nil {
		onReceived = func(model.IncomingMessage) {}
	}
	return &Manager{
		transport:    transport,
		mediaDir:     mediaDir,
		waitConnect:  time.Duration(ClampWaitConnectMS(waitConnectMS)) * time.Millisecond,
		waitTransfer: time.Duration(ClampWaitTransferMS(waitTransferMS)) * time.Millisecond,
		onReceived:   onReceived,
		sessions:     make(map[carrier.Handle]*Session),
	}
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.Handle] = s
	m.mu.Unlock()
}

func (m *Manager) take(handle carrier.Handle) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[handle]
	if ok {
		delete(m.sessions, handle)
	}
	return s, ok
}

func (m *Manager) get(handle carrier.Handle) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[handle]
	return s, ok
}

// SendFile runs the sender lifecycle (spec §4.3): allocate a fileid,
// register the session, connect, wait for the connect gate, then wait for
// the transfer gate — the two condition-variable waits the dispatcher
// blocks its caller on.
func (m *Manager) SendFile(ctx context.Context, peer, sourcePath, fileName, mediaType string) (ok bool, reason string) {
	fi, err := os.Stat(sourcePath)
	if err != nil {
		return false, "file_not_readable"
	}

	handle, err := m.transport.FiletransferNew(peer, carrier.FileInfo{
		FileName:  fileName,
		MediaType: mediaType,
		Size:      uint64(fi.Size()),
	})
	if err != nil {
		return false, "transport_send_failed"
	}

	s := newSession(RoleSender, peer, handle)
	s.FileName = fileName
	s.MediaType = mediaType
	s.SourcePath = sourcePath
	s.ExpectedSize = uint64(fi.Size())
	m.register(s)

	fileid, err := m.transport.FiletransferFileID(handle)
	if err != nil {
		m.reap(handle, "fileid_failed")
		return false, "transport_send_failed"
	}
	s.FileID = fileid
	s.setState(StateConnecting)

	if err := m.transport.FiletransferConnect(handle); err != nil {
		m.reap(handle, "connect_failed")
		return false, "transport_send_failed"
	}

	select {
	case res := <-s.connectDone:
		if !res.OK {
			m.reap(handle, "connect_rejected")
			return false, "filetransfer_not_ok"
		}
	case <-time.After(m.waitConnect):
		_ = m.transport.FiletransferCancel(handle, fileid, 1, "connect_timeout")
		m.reap(handle, "connect_timeout")
		return false, "filetransfer_connect_timeout"
	case <-ctx.Done():
		_ = m.transport.FiletransferCancel(handle, fileid, 1, "context_canceled")
		m.reap(handle, "context_canceled")
		return false, "filetransfer_connect_timeout"
	}

	select {
	case res := <-s.transferDone:
		if !res.OK {
			slog.Warn("filetransfer send failed", "peer", peer, "detail", res.Detail)
			m.reap(handle, res.Detail)
			return false, "filetransfer_not_ok"
		}
		m.reap(handle, "send_complete")
		return true, ""
	case <-time.After(m.waitTransfer):
		m.reap(handle, "transfer_timeout")
		return false, "filetransfer_send_timeout"
	case <-ctx.Done():
		m.reap(handle, "context_canceled")
		return false, "filetransfer_send_timeout"
	}
}

// OnFiletransferConnect is the receiver lifecycle's entry point: the
// Carrier link invokes it when the remote peer opens a new transfer.
func (m *Manager) OnFiletransferConnect(peer string, handle carrier.Handle, info carrier.FileInfo) {
	name := codec.SanitizeFilename(info.FileName)
	targetPath := filepath.Join(m.mediaDir, fmt.Sprintf("%d_%s", time.Now().Unix(), name))

	if err := os.MkdirAll(m.mediaDir, 0o755); err != nil {
		slog.Error("filetransfer: create media dir failed", "err", err)
		return
	}
	f, err := os.Create(targetPath)
	if err != nil {
		slog.Error("filetransfer: create target file failed", "err", err)
		return
	}

	s := newSession(RoleReceiver, peer, handle)
	s.FileName = name
	s.MediaType = info.MediaType
	s.TargetPath = targetPath
	s.ExpectedSize = info.Size
	m.register(s)
	m.files.set(handle, f)

	fileid, err := m.transport.FiletransferFileID(handle)
	if err == nil {
		s.FileID = fileid
	}

	if err := m.transport.FiletransferAcceptConnect(handle); err != nil {
		slog.Warn("filetransfer: accept connect failed", "peer", peer, "err", err)
		m.reap(handle, "accept_failed")
	}
}

// OnStateChanged translates the transport's raw state codes to session
// transitions and fires the connect_done / receiver-pull handoff.
func (m *Manager) OnStateChanged(handle carrier.Handle, state carrier.SessionState) {
	s, ok := m.get(handle)
	if !ok {
		return
	}

	switch state {
	case carrier.StateConnected:
		s.setState(StateConnected)
		s.signalConnect(true)
		if s.Role == RoleReceiver {
			if err := m.transport.FiletransferPull(handle, s.FileID, 0); err != nil {
				slog.Warn("filetransfer: receiver pull(0) failed", "peer", s.Peer, "err", err)
			}
		}
	case carrier.StateFailed:
		s.setState(StateFailed)
		s.signalConnect(false)
		s.signalTransfer(false, "transport_failed")
		m.reap(handle, "transport_failed")
	case carrier.StateClosed:
		s.setState(StateClosed)
		m.reap(handle, "closed")
	}
}

// OnFile records the transport-announced fileid for a session.
func (m *Manager) OnFile(handle carrier.Handle, fileid uint32) {
	if s, ok := m.get(handle); ok {
		s.mu.Lock()
		s.FileID = fileid
		s.mu.Unlock()
	}
}

// OnPull is the sender lifecycle's streaming loop, invoked once the
// transport solicits data. It never reads past ExpectedSize bytes from
// SourcePath and always finishes with a zero-length EOF frame. Any read or
// send error cancels the transfer at the transport so the remote peer
// learns it aborted, then signals the transfer gate.
func (m *Manager) OnPull(handle carrier.Handle, fileid uint32, offset uint64) {
	s, ok := m.get(handle)
	if !ok || s.Role != RoleSender {
		return
	}

	abort := func(reason string) {
		_ = m.transport.FiletransferCancel(handle, fileid, 1, reason)
		s.signalTransfer(false, reason)
	}

	f, err := os.Open(s.SourcePath)
	if err != nil {
		abort("send_chunk_failed")
		return
	}
	defer f.Close()
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		abort("send_chunk_failed")
		return
	}

	chunkSize := m.transport.MaxUserDataLen()
	remaining := int64(s.ExpectedSize) - int64(offset)
	reader := io.LimitReader(f, remaining)
	buf := make([]byte, chunkSize)

	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, err := m.transport.FiletransferSend(handle, fileid, buf[:n]); err != nil {
				abort("send_chunk_failed")
				return
			}
			s.addTransferred(uint64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			abort("send_chunk_failed")
			return
		}
	}

	if _, err := m.transport.FiletransferSend(handle, fileid, nil); err != nil {
		abort("send_finish_failed")
		return
	}
	s.signalTransfer(true, "send_complete")
}

// OnData is the receiver lifecycle's assembly loop. A zero-length frame is
// the EOF marker: the target file is closed, the session completes, and a
// normalized IncomingMessage is emitted.
func (m *Manager) OnData(handle carrier.Handle, fileid uint32, data []byte) {
	s, ok := m.get(handle)
	if !ok || s.Role != RoleReceiver {
		return
	}
	f, ok := m.files.get(handle)
	if !ok {
		return
	}

	if len(data) == 0 {
		_ = f.Close()
		m.files.delete(handle)
		s.setState(StateCompleted)

		m.onReceived(model.IncomingMessage{
			Peer:      s.Peer,
			MediaPath: s.TargetPath,
			MediaType: s.MediaType,
			FileName:  s.FileName,
			Size:      s.snapshotTransferred(),
			MsgID:     fmt.Sprintf("ft-%d", handle),
			TS:        time.Now().Unix(),
		})
		m.reap(handle, "receive_complete")
		return
	}

	if _, err := f.Write(data); err != nil {
		slog.Warn("filetransfer: write target failed", "peer", s.Peer, "err", err)
		return
	}
	s.addTransferred(uint64(len(data)))
}

// OnCancel marks the session canceled and tears it down identically to a
// terminal transport state.
func (m *Manager) OnCancel(handle carrier.Handle, fileid uint32, status int, reason string) {
	s, ok := m.get(handle)
	if !ok {
		return
	}
	s.mu.Lock()
	s.State = StateCanceled
	s.CancelReason = reason
	s.mu.Unlock()

	s.signalConnect(false)
	s.signalTransfer(false, "canceled:"+reason)
	m.reap(handle, "canceled:"+reason)
}

// reap removes the session from the handle map, closes any open receiver
// file, and closes the transport handle — the terminal teardown shared by
// completion, failure, cancellation, and close.
func (m *Manager) reap(handle carrier.Handle, reason string) {
	_, existed := m.take(handle)
	if f, ok := m.files.get(handle); ok {
		_ = f.Close()
		m.files.delete(handle)
	}
	if existed {
		_ = m.transport.FiletransferClose(handle)
	}
	slog.Debug("filetransfer session reaped", "handle", handle, "reason", reason)
}

// openFiles is a tiny mutex-protected map of open receiver file handles,
// separate from the session map so OnData's hot path doesn't need to touch
// the broader Session struct's lock.
type openFiles struct {
	mu sync.Mutex
	m  map[carrier.Handle]*os.File
}

func (o *openFiles) set(h carrier.Handle, f *os.File) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.m == nil {
		o.m = make(map[carrier.Handle]*os.File)
	}
	o.m[h] = f
}

func (o *openFiles) get(h carrier.Handle) (*os.File, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.m[h]
	return f, ok
}

func (o *openFiles) delete(h carrier.Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.m, h)
}
