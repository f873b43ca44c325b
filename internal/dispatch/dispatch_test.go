package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"beagle-sidecar/internal/carrier"
	"beagle-sidecar/internal/codec"
	"beagle-sidecar/internal/prefcache"
)

type fakePresence map[string]bool

func (f fakePresence) IsOnline(peer string) bool { return f[peer] }

type fakeFileSender struct {
	calls  int
	ok     bool
	reason string
}

func (f *fakeFileSender) SendFile(_ context.Context, _, _, _, _ string) (bool, string) {
	f.calls++
	return f.ok, f.reason
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSendTextViaTransport(t *testing.T) {
	lb := carrier.NewLoopback("self", "addr")
	d := New(lb, nil, nil, nil)

	ok, reason := d.SendText("P1", "hello")
	if !ok {
		t.Fatalf("SendText failed: %s", reason)
	}
	sent := lb.Sent()
	if len(sent) != 1 || string(sent[0].Data) != "hello" {
		t.Fatalf("Sent() = %+v", sent)
	}
}

func TestSendTextHTTPFallback(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	lb := carrier.NewLoopback("selfid", "addr")
	lb.FailSend["P1"] = true
	d := New(lb, nil, nil, nil)
	d.SetFallbackBase(srv.URL)

	ok, reason := d.SendText("P1", "fallback me")
	if !ok {
		t.Fatalf("expected fallback success, got %s", reason)
	}
	if gotPath != "/P1/selfid" {
		t.Errorf("fallback path = %q, want /P1/selfid", gotPath)
	}
	if string(gotBody) != "fallback me" {
		t.Errorf("fallback body = %q", gotBody)
	}
}

func TestSendTextFallbackNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	lb := carrier.NewLoopback("self", "addr")
	lb.FailSend["P1"] = true
	d := New(lb, nil, nil, nil)
	d.SetFallbackBase(srv.URL)

	ok, reason := d.SendText("P1", "x")
	if ok || reason != ReasonHTTPFallback {
		t.Fatalf("ok=%v reason=%q, want http_fallback_failed", ok, reason)
	}
}

func TestSendMediaDegenerateComposesText(t *testing.T) {
	lb := carrier.NewLoopback("self", "addr")
	d := New(lb, nil, nil, nil)

	ok, _ := d.SendMedia(context.Background(), "P1", "look at this", "", "https://x/y.png", "image/png", "y.png", "")
	if !ok {
		t.Fatal("degenerate send_media should succeed")
	}
	sent := lb.Sent()
	if len(sent) != 1 {
		t.Fatalf("Sent() = %+v", sent)
	}
	want := "look at this\nhttps://x/y.png\nfilename: y.png\nmediaType: image/png"
	if string(sent[0].Data) != want {
		t.Errorf("composed text = %q, want %q", sent[0].Data, want)
	}
}

func TestSendMediaPreconditions(t *testing.T) {
	lb := carrier.NewLoopback("self", "addr")
	d := New(lb, nil, nil, nil)
	ctx := context.Background()

	if ok, reason := d.SendMedia(ctx, "P1", "", "/no/such/file", "", "", "", ""); ok || reason != ReasonFileNotReadable {
		t.Errorf("missing file: ok=%v reason=%q", ok, reason)
	}

	empty := writeTempFile(t, "empty.bin", nil)
	if ok, reason := d.SendMedia(ctx, "P1", "", empty, "", "", "", ""); ok || reason != ReasonInvalidArgument {
		t.Errorf("empty file: ok=%v reason=%q", ok, reason)
	}

	big := writeTempFile(t, "big.bin", make([]byte, codec.MaxPayloadSize+1))
	if ok, reason := d.SendMedia(ctx, "P1", "", big, "", "", "", ""); ok || reason != ReasonFileTooLarge {
		t.Errorf("oversize file: ok=%v reason=%q", ok, reason)
	}

	if len(lb.Sent()) != 0 {
		t.Error("precondition failures must not touch the transport")
	}
}

func TestSendMediaExactLimitAccepted(t *testing.T) {
	lb := carrier.NewLoopback("self", "addr")
	d := New(lb, fakePresence{}, prefcache.New(), nil)

	path := writeTempFile(t, "max.bin", make([]byte, codec.MaxPayloadSize))
	ok, reason := d.SendMedia(context.Background(), "P1", "", path, "", "application/octet-stream", "max.bin", "packed")
	if !ok {
		t.Fatalf("exactly-5MiB file should be accepted, got %s", reason)
	}
}

func TestSendMediaAutoPrefersLearnedInline(t *testing.T) {
	// Scenario: peer's inbound history taught us inline-json; an auto send
	// must skip the filetransfer rung and transmit inline-json framing.
	lb := carrier.NewLoopback("self", "addr")
	prefs := prefcache.New()
	prefs.Update("P2", prefcache.HintInlineJSON)
	ft := &fakeFileSender{ok: true}
	d := New(lb, fakePresence{"P2": true}, prefs, ft)

	path := writeTempFile(t, "pic.png", make([]byte, 4096))
	ok, reason := d.SendMedia(context.Background(), "P2", "", path, "", "image/png", "pic.png", "auto")
	if !ok {
		t.Fatalf("SendMedia failed: %s", reason)
	}
	if ft.calls != 0 {
		t.Errorf("filetransfer rung called %d times, want 0 (hint disables it)", ft.calls)
	}

	sent := lb.Sent()
	if len(sent) != 1 {
		t.Fatalf("Sent() = %+v", sent)
	}
	if p := codec.Classify(sent[0].Data); p.Kind != codec.KindInlineJSON {
		t.Errorf("wire kind = %v, want inline-json", p.Kind)
	}
}

func TestSendMediaAutoFiletransferFirstWhenOnline(t *testing.T) {
	lb := carrier.NewLoopback("self", "addr")
	ft := &fakeFileSender{ok: true}
	d := New(lb, fakePresence{"P1": true}, prefcache.New(), ft)

	path := writeTempFile(t, "a.bin", []byte("abc"))
	ok, _ := d.SendMedia(context.Background(), "P1", "", path, "", "", "a.bin", "auto")
	if !ok || ft.calls != 1 {
		t.Fatalf("ok=%v ftCalls=%d, want filetransfer-first success", ok, ft.calls)
	}
	if len(lb.Sent()) != 0 {
		t.Error("successful filetransfer should not also send a message payload")
	}
}

func TestSendMediaAutoDegradesToPacked(t *testing.T) {
	lb := carrier.NewLoopback("self", "addr")
	ft := &fakeFileSender{ok: false, reason: "filetransfer_connect_timeout"}
	d := New(lb, fakePresence{"P1": true}, prefcache.New(), ft)

	path := writeTempFile(t, "a.bin", []byte("abc"))
	ok, reason := d.SendMedia(context.Background(), "P1", "", path, "", "", "a.bin", "auto")
	if !ok {
		t.Fatalf("auto mode should degrade past filetransfer failure, got %s", reason)
	}
	sent := lb.Sent()
	if len(sent) != 1 {
		t.Fatalf("Sent() = %+v", sent)
	}
	if p := codec.Classify(sent[0].Data); p.Kind != codec.KindPacked {
		t.Errorf("wire kind = %v, want packed default", p.Kind)
	}
}

func TestSendMediaForcedFiletransferIgnoresOfflineCache(t *testing.T) {
	// Scenario: presence cache says P3 offline; forced filetransfer mode
	// must still attempt the connect and surface the timeout, not degrade.
	lb := carrier.NewLoopback("self", "addr")
	ft := &fakeFileSender{ok: false, reason: "filetransfer_connect_timeout"}
	d := New(lb, fakePresence{"P3": false}, prefcache.New(), ft)

	path := writeTempFile(t, "a.bin", make([]byte, 1024*1024))
	ok, reason := d.SendMedia(context.Background(), "P3", "", path, "", "", "a.bin", "filetransfer")
	if ok {
		t.Fatal("forced filetransfer failure must not degrade to message payload")
	}
	if ft.calls != 1 {
		t.Errorf("filetransfer attempts = %d, want 1 despite offline cache", ft.calls)
	}
	if reason != "filetransfer_connect_timeout" {
		t.Errorf("reason = %q", reason)
	}
	if len(lb.Sent()) != 0 {
		t.Error("no message payload expected in forced filetransfer mode")
	}
}

func TestResolveModeEnvOverrideOrder(t *testing.T) {
	// A peer in multiple lists resolves to the last applied:
	// legacy-inline -> swift-json -> inline-json.
	t.Setenv(EnvLegacyInlinePeers, "P1,P2")
	t.Setenv(EnvSwiftJSONPeers, "P1")
	t.Setenv(EnvInlinePeers, "P1")

	d := New(carrier.NewLoopback("self", "addr"), nil, prefcache.New(), nil)

	if mode, _ := d.resolveMode("P1", ""); mode != ModeInlineJSON {
		t.Errorf("P1 mode = %v, want inline-json (last list wins)", mode)
	}
	if mode, _ := d.resolveMode("P2", ""); mode != ModeLegacyInline {
		t.Errorf("P2 mode = %v, want legacy-inline", mode)
	}
	if mode, _ := d.resolveMode("P3", ""); mode != ModeAuto {
		t.Errorf("P3 mode = %v, want auto", mode)
	}
}

func TestResolveModeCallerAndEnvFormat(t *testing.T) {
	d := New(carrier.NewLoopback("self", "addr"), nil, prefcache.New(), nil)

	if mode, _ := d.resolveMode("P1", "swift-json"); mode != ModeSwiftJSON {
		t.Errorf("caller format: got %v", mode)
	}
	if mode, _ := d.resolveMode("P1", "bogus-format"); mode != ModeAuto {
		t.Errorf("unknown caller format must collapse to auto, got %v", mode)
	}

	t.Setenv(EnvOutFormat, "legacy-inline")
	if mode, _ := d.resolveMode("P1", ""); mode != ModeLegacyInline {
		t.Errorf("env format: got %v", mode)
	}
	if mode, _ := d.resolveMode("P1", "packed"); mode != ModePacked {
		t.Errorf("caller format must win over env, got %v", mode)
	}
}

func TestSendMediaLegacyInlineSkipsFiletransfer(t *testing.T) {
	lb := carrier.NewLoopback("self", "addr")
	ft := &fakeFileSender{ok: true}
	d := New(lb, fakePresence{"P1": true}, prefcache.New(), ft)

	path := writeTempFile(t, "a.bin", []byte("opaque"))
	ok, _ := d.SendMedia(context.Background(), "P1", "", path, "", "", "a.bin", "legacy-inline")
	if !ok || ft.calls != 0 {
		t.Fatalf("ok=%v ftCalls=%d, want direct legacy-inline send", ok, ft.calls)
	}
	sent := lb.Sent()
	if len(sent) != 1 {
		t.Fatalf("Sent() = %+v", sent)
	}
	// Legacy inline is send-only: the classifier must see it as text.
	if p := codec.Classify(sent[0].Data); p.Kind != codec.KindText {
		t.Errorf("wire kind = %v, want unrecognized (text)", p.Kind)
	}
}

func TestSendMediaOutcomeHook(t *testing.T) {
	lb := carrier.NewLoopback("self", "addr")
	d := New(lb, nil, prefcache.New(), nil)

	var gotOp string
	var gotOK bool
	d.SetOnOutcome(func(op, peer string, mode Mode, ok bool, reason string) {
		gotOp, gotOK = op, ok
	})

	d.SendText("P1", "hi")
	if gotOp != "send_text" || !gotOK {
		t.Errorf("outcome hook: op=%q ok=%v", gotOp, gotOK)
	}
}
