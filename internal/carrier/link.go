package carrier

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// linkMaxUserDataLen is the chunk size the Link reads/writes on a per-transfer
// stream. It has no relation to QUIC's own datagram limits — it's simply
// the unit the session state machine uses for progress accounting.
const linkMaxUserDataLen = 16 * 1024

// reconnectBackoff bounds how Link retries a dropped session.
var reconnectBackoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

// frame is the newline-delimited JSON envelope carried on the control
// stream, in both directions. Each Type sets only the payload fields it
// uses — the same flat-DTO-with-omitempty idiom used throughout this
// repo's wire types.
type frame struct {
	Type string `json:"type"`

	Peer     string `json:"peer,omitempty"`
	Online   bool   `json:"online,omitempty"`
	Presence int    `json:"presence,omitempty"`
	Data     []byte `json:"data,omitempty"`
	TS       int64  `json:"ts,omitempty"`
	Offline  bool   `json:"offline,omitempty"`

	Friend  *FriendInfo  `json:"friend,omitempty"`
	Friends []FriendInfo `json:"friends,omitempty"`

	Handle uint64   `json:"handle,omitempty"`
	FileID uint32   `json:"fileId,omitempty"`
	Offset uint64   `json:"offset,omitempty"`
	State  int      `json:"state,omitempty"`
	Status int      `json:"status,omitempty"`
	Reason string   `json:"reason,omitempty"`
	File   FileInfo `json:"file,omitempty"`

	MsgID uint32 `json:"msgId,omitempty"`
	Errno int    `json:"errno,omitempty"`

	Self *SelfInfo `json:"self,omitempty"`

	UserID  string `json:"userId,omitempty"`
	Address string `json:"address,omitempty"`
}

// Endpoint is the Carrier node's local connection parameters.
type Endpoint struct {
	Addr            string
	TLSFingerprint  string // expected SHA-256 fingerprint, hex; empty disables pinning
	ReconnectEnable bool
}

// Link is a Transport implementation that speaks to a locally-running
// Carrier node process over a WebTransport session: one control stream for
// the callback/verb traffic of spec §6, and one additional QUIC stream per
// active file transfer.
type Link struct {
	endpoint Endpoint

	mu      sync.Mutex
	session *webtransport.Session
	control webtransport.Stream
	cb      Callbacks
	closed  atomic.Bool

	userID  string
	address string

	nextHandle atomic.Uint64
	transfers  map[Handle]webtransport.Stream
	transferMu sync.Mutex

	pending   map[uint64]chan frame
	pendingMu sync.Mutex
	nextReqID atomic.Uint64
}

// NewLink constructs a Link that will dial endpoint when Start is called.
func NewLink(endpoint Endpoint) *Link {
	return &Link{
		endpoint:  endpoint,
		transfers: make(map[Handle]webtransport.Stream),
		pending:   make(map[uint64]chan frame),
	}
}

// Start dials the Carrier node and launches the control-stream read loop.
// When the endpoint has ReconnectEnable set, it also starts a loop that
// retries with bounded backoff on disconnect until ctx is canceled or Stop
// is called; otherwise a dropped session is not re-dialed.
func (l *Link) Start(ctx context.Context, cb Callbacks) error {
	l.cb = cb

	if err := l.connect(ctx); err != nil {
		return fmt.Errorf("[carrier] initial connect: %w", err)
	}

	if l.endpoint.ReconnectEnable {
		go l.reconnectLoop(ctx)
	}
	return nil
}

func (l *Link) connect(ctx context.Context) error {
	tlsConfig, fingerprint, err := generateTLSConfig(24*time.Hour, "")
	if err != nil {
		return err
	}
	slog.Info("carrier link tls fingerprint", "sha256", fingerprint)

	// The Carrier node runs with a self-signed certificate on loopback;
	// trust is either pinned to a configured fingerprint or skipped.
	tlsConfig.InsecureSkipVerify = true
	if pin := l.endpoint.TLSFingerprint; pin != "" {
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				sum := sha256.Sum256(raw)
				if hex.EncodeToString(sum[:]) == pin {
					return nil
				}
			}
			return fmt.Errorf("carrier node certificate does not match pinned fingerprint")
		}
	}

	dialer := webtransport.Dialer{
		TLSClientConfig: tlsConfig,
		QUICConfig: &quic.Config{
			MaxIdleTimeout:  60 * time.Second,
			KeepAlivePeriod: 15 * time.Second,
			EnableDatagrams: true,
		},
	}
	_, session, err := dialer.Dial(ctx, l.endpoint.Addr, http.Header{})
	if err != nil {
		return fmt.Errorf("dial carrier node at %s: %w", l.endpoint.Addr, err)
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		_ = session.CloseWithError(0, "open control stream failed")
		return fmt.Errorf("open control stream: %w", err)
	}

	l.mu.Lock()
	l.session = session
	l.control = stream
	l.mu.Unlock()

	go l.readLoop(stream)

	if l.cb.ConnectionStatus != nil {
		l.cb.ConnectionStatus(true)
	}
	return nil
}

func (l *Link) reconnectLoop(ctx context.Context) {
	for {
		<-l.sessionClosed()
		if l.closed.Load() || ctx.Err() != nil {
			return
		}
		if l.cb.ConnectionStatus != nil {
			l.cb.ConnectionStatus(false)
		}
		for _, backoff := range reconnectBackoff {
			if ctx.Err() != nil {
				return
			}
			if err := l.connect(ctx); err == nil {
				break
			}
			slog.Warn("carrier link reconnect failed, retrying", "backoff", backoff)
			time.Sleep(backoff)
		}
	}
}

// sessionClosed returns a channel that closes when the current session's
// context is done.
func (l *Link) sessionClosed() <-chan struct{} {
	l.mu.Lock()
	sess := l.session
	l.mu.Unlock()
	if sess == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return sess.Context().Done()
}

// Stop tears the link down. Safe to call multiple times.
func (l *Link) Stop() {
	if l.closed.Swap(true) {
		return
	}
	l.mu.Lock()
	sess := l.session
	l.mu.Unlock()
	if sess != nil {
		_ = sess.CloseWithError(0, "shutdown")
	}
}

func (l *Link) readLoop(stream webtransport.Stream) {
	r := bufio.NewReader(stream)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				slog.Warn("carrier control stream read error", "err", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			slog.Warn("carrier control stream bad frame", "err", err)
			continue
		}
		l.dispatch(f)
	}
}

func (l *Link) dispatch(f frame) {
	if replyCh := l.takeReply(f); replyCh != nil {
		replyCh <- f
		return
	}

	switch f.Type {
	case "ready":
		if l.cb.Ready != nil {
			l.cb.Ready()
		}
	case "friend_connection":
		if l.cb.FriendConnection != nil {
			l.cb.FriendConnection(f.Peer, f.Online)
		}
	case "friend_info":
		if l.cb.FriendInfo != nil && f.Friend != nil {
			l.cb.FriendInfo(*f.Friend)
		}
	case "friend_added":
		if l.cb.FriendAdded != nil && f.Friend != nil {
			l.cb.FriendAdded(*f.Friend)
		}
	case "friend_presence":
		if l.cb.FriendPresence != nil {
			l.cb.FriendPresence(f.Peer, f.Presence)
		}
	case "friend_message":
		if l.cb.FriendMessage != nil {
			l.cb.FriendMessage(f.Peer, f.Data, f.TS, f.Offline)
		}
	case "friend_request":
		if l.cb.FriendRequest != nil {
			l.cb.FriendRequest(f.Peer)
		}
	case "friend_invite":
		if l.cb.FriendInvite != nil {
			l.cb.FriendInvite(f.Peer, f.Data)
		}
	case "friend_list":
		if l.cb.FriendList != nil {
			l.cb.FriendList(f.Friends)
		}
	case "filetransfer_connect":
		if l.cb.FiletransferConnect != nil {
			l.cb.FiletransferConnect(f.Peer, Handle(f.Handle), f.File)
		}
	case "state_changed":
		if l.cb.StateChanged != nil {
			l.cb.StateChanged(Handle(f.Handle), SessionState(f.State))
		}
	case "file":
		if l.cb.File != nil {
			l.cb.File(Handle(f.Handle), f.FileID)
		}
	case "pull":
		if l.cb.Pull != nil {
			l.cb.Pull(Handle(f.Handle), f.FileID, f.Offset)
		}
	case "cancel":
		if l.cb.Cancel != nil {
			l.cb.Cancel(Handle(f.Handle), f.FileID, f.Status, f.Reason)
		}
	default:
		slog.Debug("carrier control stream unhandled frame", "type", f.Type)
	}
}

// call sends a frame and waits for the correlated reply, used by verbs that
// need a synchronous response (send_friend_message, get_friends, ...).
func (l *Link) call(ctx context.Context, req frame) (frame, error) {
	reqID := l.nextReqID.Add(1)
	replyCh := make(chan frame, 1)

	l.pendingMu.Lock()
	l.pending[reqID] = replyCh
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, reqID)
		l.pendingMu.Unlock()
	}()

	req.MsgID = uint32(reqID)
	if err := l.send(req); err != nil {
		return frame{}, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-time.After(10 * time.Second):
		return frame{}, fmt.Errorf("carrier control call %q timed out", req.Type)
	}
}

func (l *Link) takeReply(f frame) chan frame {
	if f.MsgID == 0 {
		return nil
	}
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	ch, ok := l.pending[uint64(f.MsgID)]
	if !ok {
		return nil
	}
	delete(l.pending, uint64(f.MsgID))
	return ch
}

func (l *Link) send(f frame) error {
	l.mu.Lock()
	stream := l.control
	l.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("carrier link is not connected")
	}

	line, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal control frame: %w", err)
	}
	line = append(line, '\n')
	_, err = stream.Write(line)
	return err
}

func (l *Link) MaxUserDataLen() int { return linkMaxUserDataLen }

func (l *Link) UserID() string  { return l.userID }
func (l *Link) Address() string { return l.address }

func (l *Link) SendFriendMessage(peer string, data []byte) (uint32, error) {
	reply, err := l.call(context.Background(), frame{Type: "send_friend_message", Peer: peer, Data: data})
	if err != nil {
		return 0, err
	}
	if reply.Errno != 0 {
		return 0, fmt.Errorf("send_friend_message: transport errno %d", reply.Errno)
	}
	return reply.MsgID, nil
}

func (l *Link) AcceptFriend(peer string) error {
	_, err := l.call(context.Background(), frame{Type: "accept_friend", Peer: peer})
	return err
}

func (l *Link) GetFriends() ([]FriendInfo, error) {
	reply, err := l.call(context.Background(), frame{Type: "get_friends"})
	if err != nil {
		return nil, err
	}
	return reply.Friends, nil
}

func (l *Link) SetSelfInfo(info SelfInfo) error {
	_, err := l.call(context.Background(), frame{Type: "set_self_info", Self: &info})
	return err
}

func (l *Link) GetSelfInfo() (SelfInfo, error) {
	reply, err := l.call(context.Background(), frame{Type: "get_self_info"})
	if err != nil {
		return SelfInfo{}, err
	}
	if reply.Self == nil {
		return SelfInfo{}, nil
	}
	return *reply.Self, nil
}

func (l *Link) FiletransferNew(peer string, info FileInfo) (Handle, error) {
	reply, err := l.call(context.Background(), frame{Type: "filetransfer_new", Peer: peer, File: info})
	if err != nil {
		return 0, err
	}
	return Handle(reply.Handle), nil
}

func (l *Link) FiletransferFileID(handle Handle) (uint32, error) {
	reply, err := l.call(context.Background(), frame{Type: "filetransfer_fileid", Handle: uint64(handle)})
	if err != nil {
		return 0, err
	}
	return reply.FileID, nil
}

func (l *Link) FiletransferConnect(handle Handle) error {
	if err := l.openTransferStream(handle); err != nil {
		return err
	}
	_, err := l.call(context.Background(), frame{Type: "filetransfer_connect", Handle: uint64(handle)})
	return err
}

func (l *Link) FiletransferAcceptConnect(handle Handle) error {
	if err := l.openTransferStream(handle); err != nil {
		return err
	}
	_, err := l.call(context.Background(), frame{Type: "filetransfer_accept_connect", Handle: uint64(handle)})
	if err == nil {
		go l.readTransferLoop(handle)
	}
	return err
}

// readTransferLoop drains a receiver-role transfer stream, surfacing each
// length-prefixed chunk through the Data callback. The zero-length EOF chunk
// is delivered too — the session machine closes on it.
func (l *Link) readTransferLoop(handle Handle) {
	for {
		chunk, err := l.FiletransferRecvChunk(handle)
		if err != nil {
			slog.Warn("carrier transfer stream read error", "handle", handle, "err", err)
			if l.cb.StateChanged != nil {
				l.cb.StateChanged(handle, StateFailed)
			}
			return
		}
		if l.cb.Data != nil {
			l.cb.Data(handle, 0, chunk)
		}
		if len(chunk) == 0 {
			return
		}
	}
}

func (l *Link) FiletransferPull(handle Handle, fileid uint32, offset uint64) error {
	_, err := l.call(context.Background(), frame{Type: "filetransfer_pull", Handle: uint64(handle), FileID: fileid, Offset: offset})
	return err
}

// FiletransferSend writes one chunk on the transfer's dedicated stream,
// length-prefixed so a zero-length write can serve as the application-level
// EOF frame the session machine expects.
func (l *Link) FiletransferSend(handle Handle, fileid uint32, data []byte) (int, error) {
	stream, err := l.transferStream(handle)
	if err != nil {
		return 0, err
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(data)))
	if _, err := stream.Write(hdr); err != nil {
		return 0, fmt.Errorf("write chunk header: %w", err)
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := stream.Write(data)
	return n, err
}

// FiletransferRecvChunk reads one length-prefixed chunk from the transfer
// stream; a zero-length chunk is the EOF marker. Not part of the spec's
// verb table — it is the receiver-side counterpart to FiletransferSend,
// used by readTransferLoop to feed the Data callback.
func (l *Link) FiletransferRecvChunk(handle Handle) ([]byte, error) {
	stream, err := l.transferStream(handle)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(stream, hdr); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (l *Link) FiletransferCancel(handle Handle, fileid uint32, status int, reason string) error {
	_, err := l.call(context.Background(), frame{Type: "filetransfer_cancel", Handle: uint64(handle), FileID: fileid, Status: status, Reason: reason})
	return err
}

func (l *Link) FiletransferClose(handle Handle) error {
	l.transferMu.Lock()
	stream, ok := l.transfers[handle]
	delete(l.transfers, handle)
	l.transferMu.Unlock()
	if ok {
		_ = stream.Close()
	}
	_, err := l.call(context.Background(), frame{Type: "filetransfer_close", Handle: uint64(handle)})
	return err
}

func (l *Link) openTransferStream(handle Handle) error {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil {
		return fmt.Errorf("carrier link is not connected")
	}
	stream, err := session.OpenStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open transfer stream: %w", err)
	}
	l.transferMu.Lock()
	l.transfers[handle] = stream
	l.transferMu.Unlock()
	return nil
}

func (l *Link) transferStream(handle Handle) (webtransport.Stream, error) {
	l.transferMu.Lock()
	stream, ok := l.transfers[handle]
	l.transferMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no open stream for transfer handle %d", handle)
	}
	return stream, nil
}
