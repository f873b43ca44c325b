// Package router implements the inbound decision tree: classify raw bytes
// from a friend_message callback, apply the stale-offline filter and dedup
// ring, persist media, update the peer preference cache, and emit a
// normalized event — all on the transport loop thread, so nothing here may
// block.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"beagle-sidecar/internal/codec"
	"beagle-sidecar/internal/dedupe"
	"beagle-sidecar/internal/model"
	"beagle-sidecar/internal/prefcache"
)

// Audit actions, one per router decision.
const (
	ActionDroppedStaleOffline = "dropped_stale_offline"
	ActionSkippedReplay       = "skipped_replay"
	ActionForwarded           = "forwarded"
)

// oversizeRejectionText is the text event body emitted in place of a packed
// payload whose decoded body exceeds the 5 MiB message-channel ceiling.
const oversizeRejectionText = "[file rejected: exceeds 5MB beaglechat payload limit]"

// auditEntry is one structured JSONL line written to the incoming event
// log for every message the router sees, including dropped ones.
type auditEntry struct {
	TS     int64  `json:"ts"`
	Peer   string `json:"peer"`
	Action string `json:"action"`
	Kind   string `json:"kind,omitempty"`
}

// Router owns the dedup ring and the audit log writer, and writes the peer
// preference cache. It has no knowledge of the transport or dispatcher; its
// outputs are onEvent and the optional onDecision hook.
type Router struct {
	mediaDir  string
	startupTS int64
	prefs     *prefcache.Cache
	ring      *dedupe.Ring
	onEvent   func(model.IncomingMessage)

	// onDecision, when set, receives every audit action in addition to the
	// JSONL trail — the status counters and the local store hang off it.
	onDecision func(peer, action, kind string)

	auditMu  sync.Mutex
	auditLog *os.File
}

// New constructs a Router. auditLogPath may be empty, in which case audit
// entries are only logged via slog and not persisted to a file.
func New(mediaDir string, prefs *prefcache.Cache, onEvent func(model.IncomingMessage), auditLogPath string) *Router {
	r := &Router{
		mediaDir:  mediaDir,
		startupTS: time.Now().Unix(),
		prefs:     prefs,
		ring:      dedupe.NewRing(),
		onEvent:   onEvent,
	}
	if auditLogPath != "" {
		f, err := os.OpenFile(auditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("router: failed to open audit log", "path", auditLogPath, "err", err)
		} else {
			r.auditLog = f
		}
	}
	return r
}

// SetOnDecision registers an extra observer for router decisions. Must be
// called before the first Route.
func (r *Router) SetOnDecision(fn func(peer, action, kind string)) {
	r.onDecision = fn
}

// Route is the friend_message callback entry point: classify, filter,
// dedup, persist, and emit.
func (r *Router) Route(peer string, data []byte, ts int64, offline bool) {
	p := codec.Classify(data)

	fp := dedupe.Fingerprint{
		Peer:      peer,
		TS:        ts,
		Offline:   offline,
		FileName:  p.FileName,
		MediaType: p.ContentType,
		Size:      uint64(len(p.Data)),
	}
	if p.Kind == codec.KindText {
		fp.TextDigest = dedupe.TextDigest(p.Text)
	}

	if dedupe.IsStaleOffline(r.startupTS, ts, offline) {
		r.audit(peer, ActionDroppedStaleOffline, p.Kind.String())
		return
	}
	if !r.ring.Remember(fp) {
		r.audit(peer, ActionSkippedReplay, p.Kind.String())
		return
	}

	switch p.Kind {
	case codec.KindPacked:
		r.routePacked(peer, ts, p)
	case codec.KindInlineJSON:
		r.routeFile(peer, ts, p, prefcache.HintInlineJSON)
	case codec.KindSwiftJSON:
		r.routeFile(peer, ts, p, prefcache.HintSwiftJSON)
	default:
		r.emit(model.IncomingMessage{
			Peer:  peer,
			Text:  p.Text,
			MsgID: newMsgID(peer, ts),
			TS:    ts,
		})
	}

	r.audit(peer, ActionForwarded, p.Kind.String())
}

// routePacked handles a Format A payload: the oversize case becomes a text
// rejection event (no media_path, nothing persisted), everything else is
// persisted and emitted as a file event. Either way the peer has proven it
// speaks packed framing.
func (r *Router) routePacked(peer string, ts int64, p codec.Payload) {
	r.prefs.Update(peer, prefcache.HintPacked)

	if len(p.Data) > codec.MaxPayloadSize {
		name := codec.SanitizeFilename(p.FileName)
		size := uint64(p.DeclaredSize)
		if p.DeclaredSize <= 0 {
			size = uint64(len(p.Data))
		}
		r.emit(model.IncomingMessage{
			Peer:     peer,
			Text:     oversizeRejectionText,
			FileName: name,
			Size:     size,
			MsgID:    newMsgID(peer, ts),
			TS:       ts,
		})
		return
	}
	r.persistAndEmit(peer, ts, p)
}

func (r *Router) routeFile(peer string, ts int64, p codec.Payload, hint prefcache.Hint) {
	r.prefs.Update(peer, hint)
	r.persistAndEmit(peer, ts, p)
}

// persistAndEmit writes the decoded bytes under mediaDir and emits a file
// event. A persistence failure degrades rather than drops: the event still
// goes out, just without a media_path.
func (r *Router) persistAndEmit(peer string, ts int64, p codec.Payload) {
	name := codec.SanitizeFilename(p.FileName)
	mediaType := p.ContentType
	if mediaType == "" {
		mediaType = codec.MimeForExtension(filepath.Ext(name))
	}

	msg := model.IncomingMessage{
		Peer:      peer,
		MediaType: mediaType,
		FileName:  name,
		Size:      uint64(len(p.Data)),
		MsgID:     newMsgID(peer, ts),
		TS:        ts,
	}

	target := filepath.Join(r.mediaDir, fmt.Sprintf("%d_%s", time.Now().Unix(), name))
	if err := os.MkdirAll(r.mediaDir, 0o755); err != nil {
		slog.Error("router: media dir create failed", "err", err)
	} else if err := os.WriteFile(target, p.Data, 0o644); err != nil {
		slog.Error("router: persist media failed", "err", err, "target", target)
	} else {
		msg.MediaPath = target
	}

	r.emit(msg)
}

func (r *Router) emit(msg model.IncomingMessage) {
	if r.onEvent != nil {
		r.onEvent(msg)
	}
}

func (r *Router) audit(peer, action, kind string) {
	slog.Debug("router decision", "peer", peer, "action", action, "kind", kind)
	if r.onDecision != nil {
		r.onDecision(peer, action, kind)
	}

	if r.auditLog == nil {
		return
	}
	line, err := json.Marshal(auditEntry{TS: time.Now().Unix(), Peer: peer, Action: action, Kind: kind})
	if err != nil {
		return
	}
	r.auditMu.Lock()
	defer r.auditMu.Unlock()
	_, _ = r.auditLog.Write(append(line, '\n'))
}

// Close releases the audit log file handle, if one was opened.
func (r *Router) Close() error {
	if r.auditLog == nil {
		return nil
	}
	return r.auditLog.Close()
}

func newMsgID(peer string, ts int64) string {
	return fmt.Sprintf("%s-%d", peer, ts)
}
