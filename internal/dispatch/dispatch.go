// Package dispatch implements the outbound send ladder: send_text with its
// HTTP fallback, and send_media's mode resolution across four wire encodings
// plus the filetransfer side channel.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"beagle-sidecar/internal/carrier"
	"beagle-sidecar/internal/codec"
	"beagle-sidecar/internal/prefcache"
)

// Mode is a resolved outbound media encoding.
type Mode string

const (
	ModeAuto         Mode = "auto"
	ModeFiletransfer Mode = "filetransfer"
	ModePacked       Mode = "packed"
	ModeSwiftJSON    Mode = "swift-json"
	ModeInlineJSON   Mode = "inline-json"
	ModeLegacyInline Mode = "legacy-inline"
)

// Environment overrides consulted during mode resolution.
const (
	EnvOutFormat         = "BEAGLE_MEDIA_OUT_FORMAT"
	EnvLegacyInlinePeers = "BEAGLE_MEDIA_LEGACY_INLINE_PEERS"
	EnvSwiftJSONPeers    = "BEAGLE_MEDIA_SWIFT_JSON_PEERS"
	EnvInlinePeers       = "BEAGLE_MEDIA_INLINE_PEERS"
)

// defaultFallbackBase is where raw payloads go when the transport cannot
// reach the peer directly.
const defaultFallbackBase = "https://lens.beagle.chat:443"

// fallbackTimeout caps the synchronous HTTP fallback call.
const fallbackTimeout = 25 * time.Second

// Failure reasons surfaced to callers. They collapse to a boolean at the
// HTTP surface; the structured value only appears in logs and outcome hooks.
const (
	ReasonInvalidArgument = "invalid_argument"
	ReasonFileTooLarge    = "file_too_large"
	ReasonFileNotReadable = "file_not_readable"
	ReasonTransportSend   = "transport_send_failed"
	ReasonHTTPFallback    = "http_fallback_failed"
	ReasonEncodeFailed    = "encode_failed"
)

// PresenceSource is the dispatcher's read-only view of friend connectivity,
// feeding the filetransfer-first heuristic.
type PresenceSource interface {
	IsOnline(peer string) bool
}

// FileSender is the filetransfer session entry point (filetransfer.Manager).
type FileSender interface {
	SendFile(ctx context.Context, peer, sourcePath, fileName, mediaType string) (ok bool, reason string)
}

// Dispatcher owns the outbound path. Each Send* call runs on its caller's
// goroutine and may block for the filetransfer wait gates and the HTTP
// fallback ceiling, nothing longer.
type Dispatcher struct {
	transport carrier.Transport
	presence  PresenceSource
	prefs     *prefcache.Cache
	files     FileSender

	fallbackBase string
	client       *http.Client

	// onOutcome, when set, observes every completed dispatch for the local
	// operability store.
	onOutcome func(op, peer string, mode Mode, ok bool, reason string)
}

// New constructs a Dispatcher. presence and files may be nil in tests that
// never exercise the filetransfer rung.
func New(transport carrier.Transport, presence PresenceSource, prefs *prefcache.Cache, files FileSender) *Dispatcher {
	return &Dispatcher{
		transport:    transport,
		presence:     presence,
		prefs:        prefs,
		files:        files,
		fallbackBase: defaultFallbackBase,
		client:       &http.Client{Timeout: fallbackTimeout},
	}
}

// SetFallbackBase overrides the HTTP fallback endpoint (tests point it at a
// local httptest server).
func (d *Dispatcher) SetFallbackBase(base string) {
	d.fallbackBase = strings.TrimRight(base, "/")
}

// SetOnOutcome registers an observer for dispatch outcomes.
func (d *Dispatcher) SetOnOutcome(fn func(op, peer string, mode Mode, ok bool, reason string)) {
	d.onOutcome = fn
}

// SendText delivers a text message, falling back to an HTTP POST of the raw
// UTF-8 bytes when the transport send fails. The caller sees success if
// either path succeeded.
func (d *Dispatcher) SendText(peer, text string) (bool, string) {
	ok, reason := d.sendPayload(peer, []byte(text))
	d.outcome("send_text", peer, "", ok, reason)
	return ok, reason
}

// SendMedia runs the outbound media dispatch ladder.
func (d *Dispatcher) SendMedia(ctx context.Context, peer, caption, mediaPath, mediaURL, mediaType, filename, outFormat string) (bool, string) {
	ok, reason := d.sendMedia(ctx, peer, caption, mediaPath, mediaURL, mediaType, filename, outFormat)
	d.outcome("send_media", peer, Mode(outFormat), ok, reason)
	return ok, reason
}

func (d *Dispatcher) sendMedia(ctx context.Context, peer, caption, mediaPath, mediaURL, mediaType, filename, outFormat string) (bool, string) {
	// Degenerate case: no local file — compose a text block from whatever
	// metadata the caller provided and dispatch it as text.
	if mediaPath == "" {
		var parts []string
		if caption != "" {
			parts = append(parts, caption)
		}
		if mediaURL != "" {
			parts = append(parts, mediaURL)
		}
		if filename != "" {
			parts = append(parts, "filename: "+filename)
		}
		if mediaType != "" {
			parts = append(parts, "mediaType: "+mediaType)
		}
		return d.sendPayload(peer, []byte(strings.Join(parts, "\n")))
	}

	fi, err := os.Stat(mediaPath)
	if err != nil {
		return false, ReasonFileNotReadable
	}
	if !fi.Mode().IsRegular() || fi.Size() <= 0 {
		return false, ReasonInvalidArgument
	}
	if fi.Size() > codec.MaxPayloadSize {
		return false, ReasonFileTooLarge
	}

	if filename == "" {
		filename = fi.Name()
	}
	if mediaType == "" {
		mediaType = codec.MimeForExtension(lastExt(filename))
	}

	mode, ftDisabled := d.resolveMode(peer, outFormat)
	slog.Debug("send_media mode resolved", "peer", peer, "mode", mode, "filetransfer_disabled", ftDisabled)

	// Rung 1: filetransfer side channel. In auto, only when presence says
	// the peer is online and no learned hint steered us away; in forced
	// filetransfer mode, always (the presence cache may be stale).
	if mode == ModeFiletransfer || (mode == ModeAuto && !ftDisabled && d.online(peer)) {
		if d.files != nil {
			if ok, reason := d.files.SendFile(ctx, peer, mediaPath, filename, mediaType); ok {
				return true, ""
			} else if mode == ModeFiletransfer {
				return false, reason
			} else {
				slog.Debug("filetransfer rung failed, degrading to message payload", "peer", peer, "reason", reason)
			}
		} else if mode == ModeFiletransfer {
			return false, ReasonTransportSend
		}
	}

	// Rung 2: message-payload encoding. Auto (and filetransfer fallthrough)
	// default to packed framing.
	data, err := os.ReadFile(mediaPath)
	if err != nil {
		return false, ReasonFileNotReadable
	}

	var wire []byte
	switch mode {
	case ModeSwiftJSON:
		wire, err = codec.EncodeSwiftJSON(filename, mediaType, data)
	case ModeInlineJSON:
		wire, err = codec.EncodeInlineJSON(filename, mediaType, data)
	case ModeLegacyInline:
		wire, err = codec.EncodeLegacyInline(data)
	default:
		wire, err = codec.EncodePacked(filename, mediaType, data)
	}
	if err != nil {
		return false, ReasonEncodeFailed
	}
	return d.sendPayload(peer, wire)
}

// resolveMode applies the four resolution steps: caller format, env format,
// env peer-membership overrides, then the learned peer preference. The
// second return reports whether the filetransfer-first heuristic is disabled
// for this send.
func (d *Dispatcher) resolveMode(peer, outFormat string) (Mode, bool) {
	var mode Mode
	switch {
	case outFormat != "":
		mode = parseMode(outFormat)
	case os.Getenv(EnvOutFormat) != "":
		mode = parseMode(os.Getenv(EnvOutFormat))
	default:
		mode = ModeAuto
	}

	// Peer-membership overrides, last applied wins.
	if peerInList(peer, os.Getenv(EnvLegacyInlinePeers)) {
		mode = ModeLegacyInline
	}
	if peerInList(peer, os.Getenv(EnvSwiftJSONPeers)) {
		mode = ModeSwiftJSON
	}
	if peerInList(peer, os.Getenv(EnvInlinePeers)) {
		mode = ModeInlineJSON
	}

	if mode == ModeAuto && d.prefs != nil {
		if pref, ok := d.prefs.Get(peer); ok && pref.Hint != prefcache.HintUnset {
			return Mode(pref.Hint), true
		}
	}
	return mode, false
}

func parseMode(s string) Mode {
	switch Mode(strings.TrimSpace(s)) {
	case ModeAuto, ModeFiletransfer, ModePacked, ModeSwiftJSON, ModeInlineJSON, ModeLegacyInline:
		return Mode(strings.TrimSpace(s))
	default:
		return ModeAuto
	}
}

func peerInList(peer, list string) bool {
	if list == "" {
		return false
	}
	for _, entry := range strings.Split(list, ",") {
		if strings.TrimSpace(entry) == peer {
			return true
		}
	}
	return false
}

func (d *Dispatcher) online(peer string) bool {
	return d.presence != nil && d.presence.IsOnline(peer)
}

// sendPayload is the shared transport-send-then-HTTP-fallback tail used by
// SendText and send_media's message-payload rung.
func (d *Dispatcher) sendPayload(peer string, body []byte) (bool, string) {
	_, err := d.transport.SendFriendMessage(peer, body)
	if err == nil {
		return true, ""
	}
	slog.Warn("transport send failed, trying http fallback", "peer", peer, "err", err)
	if d.postFallback(peer, body) {
		return true, ""
	}
	return false, ReasonHTTPFallback
}

// postFallback POSTs the raw payload to the express relay. Only HTTP 200 and
// 201 count as delivered.
func (d *Dispatcher) postFallback(peer string, body []byte) bool {
	url := fmt.Sprintf("%s/%s/%s", d.fallbackBase, peer, d.transport.UserID())
	resp, err := d.client.Post(url, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		slog.Warn("http fallback failed", "peer", peer, "err", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		slog.Warn("http fallback rejected", "peer", peer, "status", resp.StatusCode)
		return false
	}
	return true
}

func (d *Dispatcher) outcome(op, peer string, mode Mode, ok bool, reason string) {
	if !ok {
		slog.Warn("dispatch failed", "op", op, "peer", peer, "mode", mode, "reason", reason)
	}
	if d.onOutcome != nil {
		d.onOutcome(op, peer, mode, ok, reason)
	}
}

func lastExt(name string) string {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx:]
	}
	return ""
}
