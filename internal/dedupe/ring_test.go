package dedupe

import "testing"

func TestRememberRejectsDuplicate(t *testing.T) {
	r := NewRing()
	fp := Fingerprint{Peer: "P1", TS: 1000000, Offline: true, TextDigest: TextDigest("hello")}

	if !r.Remember(fp) {
		t.Fatal("first Remember should return true")
	}
	if r.Remember(fp) {
		t.Fatal("second Remember of same fingerprint should return false")
	}
}

func TestRememberEvictsOldestOverCapacity(t *testing.T) {
	r := NewRing()
	for i := 0; i < Capacity; i++ {
		fp := Fingerprint{Peer: "P1", TS: int64(i), TextDigest: "x"}
		if !r.Remember(fp) {
			t.Fatalf("Remember(%d) unexpectedly reported duplicate", i)
		}
	}
	if r.Len() != Capacity {
		t.Fatalf("Len() = %d, want %d", r.Len(), Capacity)
	}

	// One more distinct fingerprint pushes the set over capacity, evicting
	// the oldest entry (ts=0).
	overflow := Fingerprint{Peer: "P1", TS: int64(Capacity), TextDigest: "x"}
	if !r.Remember(overflow) {
		t.Fatal("overflow fingerprint should be fresh")
	}
	if r.Len() != Capacity {
		t.Fatalf("Len() after overflow = %d, want %d", r.Len(), Capacity)
	}

	evicted := Fingerprint{Peer: "P1", TS: 0, TextDigest: "x"}
	if !r.Remember(evicted) {
		t.Error("evicted fingerprint should be accepted again (bounded memory trade-off)")
	}
}

func TestTextDigestShortTextIsVerbatim(t *testing.T) {
	short := "hello world"
	if got := TextDigest(short); got != short {
		t.Errorf("TextDigest(short) = %q, want verbatim %q", got, short)
	}
}

func TestTextDigestLongTextIsStable(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	d1 := TextDigest(string(long))
	d2 := TextDigest(string(long))
	if d1 != d2 {
		t.Error("TextDigest should be deterministic for the same input")
	}
	if len(d1) == len(long) {
		t.Error("long text digest should not be the full text")
	}
}

func TestIsStaleOffline(t *testing.T) {
	const startup = int64(1_000_000_000_000)
	if !IsStaleOffline(startup, 1, true) {
		t.Error("ancient offline message should be stale")
	}
	if IsStaleOffline(startup, startup-100, true) {
		t.Error("message within the window should not be stale")
	}
	if IsStaleOffline(startup, 1, false) {
		t.Error("non-offline messages are never stale-filtered")
	}
	if IsStaleOffline(0, 1, true) {
		t.Error("unknown startup_ts disables the filter")
	}
}
