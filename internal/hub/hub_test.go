package hub

import (
	"fmt"
	"testing"
	"time"

	"github.com/kitbash/meshview/pkg/protocol"
)

func snapshotOf(files ...protocol.FileInfo) func() []protocol.FileInfo {
	return func() []protocol.FileInfo { return files }
}

func TestSubscribeDeliversResyncFirst(t *testing.T) {
	h := New(snapshotOf(protocol.FileInfo{Name: "cube.obj", Version: 3}), 8)
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	h.Publish(protocol.Event{Type: protocol.EventModified, Name: "cube.obj", Version: 4})

	first := <-sub.Events()
	if first.Type != protocol.EventResyncAll {
		t.Fatalf("first event = %s, want resync_all", first.Type)
	}
	if len(first.Files) != 1 || first.Files[0].Name != "cube.obj" {
		t.Fatalf("unexpected snapshot: %+v", first.Files)
	}

	second := <-sub.Events()
	if second.Type != protocol.EventModified || second.Version != 4 {
		t.Fatalf("second event = %+v, want modified v4", second)
	}
}

func TestPublishPreservesFIFOPerConnection(t *testing.T) {
	h := New(snapshotOf(), 16)
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	<-sub.Events() // initial resync

	for v := uint64(1); v <= 10; v++ {
		h.Publish(protocol.Event{Type: protocol.EventModified, Name: "a.obj", Version: v})
	}

	for v := uint64(1); v <= 10; v++ {
		ev := <-sub.Events()
		if ev.Version != v {
			t.Fatalf("got version %d, want %d", ev.Version, v)
		}
	}
}

func TestOverflowFallsBackToSingleResync(t *testing.T) {
	h := New(snapshotOf(protocol.FileInfo{Name: "final.obj", Version: 99}), 4)
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	// Do not consume: first the initial resync plus 3 events fill the
	// queue, then everything else overflows.
	for i := 0; i < 50; i++ {
		h.Publish(protocol.Event{
			Type:    protocol.EventModified,
			Name:    fmt.Sprintf("f%02d.obj", i),
			Version: uint64(i + 1),
		})
	}

	var events []protocol.Event
	for {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}

	if len(events) == 0 {
		t.Fatal("expected queued events")
	}
	last := events[len(events)-1]
	if last.Type != protocol.EventResyncAll {
		t.Fatalf("last queued event = %s, want resync_all", last.Type)
	}
	if len(last.Files) != 1 || last.Files[0].Name != "final.obj" {
		t.Fatalf("resync snapshot = %+v, want current state", last.Files)
	}
	if len(events) > 5 {
		t.Fatalf("queue exceeded its bound: %d events", len(events))
	}
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	h := New(snapshotOf(), 4)
	slow := h.Subscribe()
	fast := h.Subscribe()
	defer h.Unsubscribe(slow)
	defer h.Unsubscribe(fast)

	<-fast.Events() // initial resync

	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := uint64(1); v <= 20; v++ {
			ev := <-fast.Events()
			if ev.Type == protocol.EventModified && ev.Version != v {
				t.Errorf("fast subscriber got version %d, want %d", ev.Version, v)
				return
			}
		}
	}()

	for v := uint64(1); v <= 20; v++ {
		h.Publish(protocol.Event{Type: protocol.EventModified, Name: "x.obj", Version: v})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber starved by slow one")
	}
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	h := New(snapshotOf(), 4)
	sub := h.Subscribe()
	if h.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.Count())
	}

	h.Unsubscribe(sub)
	h.Unsubscribe(sub) // idempotent

	if h.Count() != 0 {
		t.Fatalf("count = %d, want 0", h.Count())
	}

	// Drain the initial resync, then expect close.
	for {
		if _, ok := <-sub.Events(); !ok {
			return
		}
	}
}
