package events

import (
	"testing"

	"beagle-sidecar/internal/model"
)

func TestAppendThenDrainEmptiesQueue(t *testing.T) {
	q := New()
	q.Append(model.IncomingMessage{Peer: "P1", Text: "a"})
	q.Append(model.IncomingMessage{Peer: "P1", Text: "b"})

	got := q.Drain()
	if len(got) != 2 || got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("Drain() = %+v", got)
	}
	if again := q.Drain(); len(again) != 0 {
		t.Fatalf("second Drain() = %+v, want empty", again)
	}
}

func TestDrainEmptyReturnsNonNil(t *testing.T) {
	q := New()
	if got := q.Drain(); got == nil {
		t.Fatal("Drain() on empty queue must return a non-nil slice")
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	q := New()
	for i := 0; i <= maxQueued; i++ {
		q.Append(model.IncomingMessage{Peer: "P1", TS: int64(i)})
	}
	got := q.Drain()
	if len(got) != maxQueued {
		t.Fatalf("len = %d, want %d", len(got), maxQueued)
	}
	if got[0].TS != 1 {
		t.Errorf("oldest surviving TS = %d, want 1 (ts=0 evicted)", got[0].TS)
	}
}

func TestSubscribeReceivesAppends(t *testing.T) {
	q := New()
	ch, cancel := q.Subscribe(4)
	defer cancel()

	q.Append(model.IncomingMessage{Peer: "P2", Text: "pushed"})

	select {
	case msg := <-ch:
		if msg.Text != "pushed" {
			t.Errorf("msg = %+v", msg)
		}
	default:
		t.Fatal("subscriber channel should have an event buffered")
	}
}

func TestSlowSubscriberIsSkippedNotBlocked(t *testing.T) {
	q := New()
	_, cancel := q.Subscribe(1)
	defer cancel()

	// Two appends against a buffer of one: the second must not block.
	q.Append(model.IncomingMessage{Text: "1"})
	q.Append(model.IncomingMessage{Text: "2"})

	if q.Len() != 2 {
		t.Errorf("queue Len = %d, want 2 (both appended regardless of subscriber)", q.Len())
	}
}
