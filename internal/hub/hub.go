// Package hub fans the ordered change-event stream out to connected
// clients with per-connection backpressure.
package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kitbash/meshview/internal/logging"
	"github.com/kitbash/meshview/internal/metrics"
	"github.com/kitbash/meshview/pkg/protocol"
)

// Hub tracks subscribers and delivers events in publish order to each.
// A subscriber that falls behind has its queued per-file events replaced
// by a single resync_all snapshot, bounding memory while keeping the
// client eventually consistent.
type Hub struct {
	snapshot  func() []protocol.FileInfo
	queueSize int

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is one connection's bounded FIFO event queue. Owned by
// the connection's delivery goroutine; only the hub sends into it.
type Subscription struct {
	hub *Hub
	ch  chan protocol.Event
}

// New creates a hub. snapshot is called to build resync_all payloads
// and must be safe to invoke concurrently.
func New(snapshot func() []protocol.FileInfo, queueSize int) *Hub {
	if queueSize < 1 {
		queueSize = 64
	}
	return &Hub{
		snapshot:  snapshot,
		queueSize: queueSize,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new connection. Its first queued event is a
// resync_all snapshot, taken atomically with respect to publishes, so
// the subscriber can never observe a partial history.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		hub: h,
		ch:  make(chan protocol.Event, h.queueSize),
	}

	h.mu.Lock()
	sub.ch <- h.resyncEvent()
	h.subs[sub] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	metrics.SetEventConnectionsActive(count)
	return sub
}

// Unsubscribe removes a subscriber and closes its queue.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	count := len(h.subs)
	h.mu.Unlock()

	metrics.SetEventConnectionsActive(count)
}

// Publish delivers an event to every subscriber in FIFO order. Never
// blocks on a slow consumer: an overflowing queue is drained and
// replaced with a single resync_all.
func (h *Hub) Publish(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Queue full. Discard everything queued for this connection and
		// enqueue a snapshot instead; the client's reconciler diffs its
		// way back to consistency.
		drained := 0
	drain:
		for {
			select {
			case <-sub.ch:
				drained++
			default:
				break drain
			}
		}
		// Only the hub sends into the queue, so after the drain there is
		// always room for the snapshot.
		sub.ch <- h.resyncEvent()
		metrics.RecordResyncFallback()
		logging.L().Warn("subscriber queue overflow, falling back to resync",
			zap.Int("dropped", drained))
	}
	metrics.RecordEventPublished(ev.Type)
}

// Count returns the current number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) resyncEvent() protocol.Event {
	return protocol.Event{
		Type:  protocol.EventResyncAll,
		Files: h.snapshot(),
	}
}

// Events returns the subscription's queue. Closed on Unsubscribe.
func (s *Subscription) Events() <-chan protocol.Event {
	return s.ch
}
