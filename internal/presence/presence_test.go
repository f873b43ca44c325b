package presence

import "testing"

func TestConnectionEmitsOnlineOffline(t *testing.T) {
	var events []Event
	tr := New(nil, func(e Event) { events = append(events, e) })

	tr.Connection("P1", true)
	tr.Connection("P1", false)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != "online" || events[1].Kind != "offline" {
		t.Errorf("kinds = %q, %q", events[0].Kind, events[1].Kind)
	}
	if _, ok := tr.Get("P1"); !ok {
		t.Fatal("expected record for P1")
	}
}

func TestPresenceSilentNoEvent(t *testing.T) {
	events := 0
	tr := New(nil, func(Event) { events++ })
	tr.Presence("P1", 5)
	if events != 0 {
		t.Errorf("Presence should not emit events, got %d", events)
	}
	f, ok := tr.Get("P1")
	if !ok || f.Presence != 5 {
		t.Errorf("Presence not recorded: %+v ok=%v", f, ok)
	}
}

func TestUpsertOnlyEmitsOnChange(t *testing.T) {
	events := 0
	tr := New(nil, func(Event) { events++ })
	f := FriendState{FriendID: "P1", Name: "Alice"}
	tr.Upsert(f)
	tr.Upsert(f) // identical — no new event
	f.Name = "Alicia"
	tr.Upsert(f)

	if events != 2 {
		t.Errorf("events = %d, want 2 (initial insert + one real change)", events)
	}
}

func TestIsOnline(t *testing.T) {
	tr := New(nil, nil)
	if tr.IsOnline("P1") {
		t.Error("unknown peer should not be online")
	}
	tr.Connection("P1", true)
	if !tr.IsOnline("P1") {
		t.Error("P1 should be online after Connection(true)")
	}
}

func TestClassifyIP(t *testing.T) {
	cases := []struct {
		ip   string
		want string
	}{
		{"127.0.0.1", "loopback"},
		{"10.0.0.5", "private-network"},
		{"192.168.1.1", "private-network"},
		{"fe80::1", "link-local-ipv6"},
		{"8.8.8.8", "public-network"},
		{"fc00::1", "private-network-ipv6"},
		{"not-an-ip", ""},
	}
	for _, tc := range cases {
		if got := ClassifyIP(tc.ip); got != tc.want {
			t.Errorf("ClassifyIP(%q) = %q, want %q", tc.ip, got, tc.want)
		}
	}
}

func TestTSVLine(t *testing.T) {
	f := FriendState{FriendID: "P1", Name: "Alice", Status: 1, Presence: 2}
	line := f.TSVLine()
	want := "P1\tAlice\t\t\t\t\t\t\t1\t2"
	if line != want {
		t.Errorf("TSVLine() = %q, want %q", line, want)
	}
}
