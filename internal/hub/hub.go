// Package hub provides the per-channel broadcast fabric: many receivers,
// bounded lossy rings, lazy channel creation.
package hub

import (
	"sync"
	"time"

	"github.com/adred-codev/streamgate/internal/monitoring"
)

// RingCapacity bounds each receiver's undelivered backlog. A stalled
// subscriber loses its oldest undelivered messages past this point;
// fast subscribers on the same channel are unaffected.
const RingCapacity = 10

// Hub is the broadcast primitive backing one channel.
type Hub struct {
	mu            sync.Mutex
	receivers     map[*Receiver]struct{}
	messageCount  uint64
	lastMessageAt time.Time // zero until the first publish
	createdAt     time.Time
}

func newHub() *Hub {
	return &Hub{
		receivers: make(map[*Receiver]struct{}),
		createdAt: time.Now(),
	}
}

// Receiver is one subscriber's view of a hub. Messages arrive on C();
// the channel is closed when the receiver is detached.
type Receiver struct {
	ch  chan string
	hub *Hub
}

// C returns the receive channel. It is closed by Close.
func (r *Receiver) C() <-chan string {
	return r.ch
}

// Close detaches the receiver from its hub and closes the channel.
// Safe to call once per receiver; the worker's teardown owns that call.
func (r *Receiver) Close() {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	if _, ok := r.hub.receivers[r]; !ok {
		return
	}
	delete(r.hub.receivers, r)
	close(r.ch)
}

// subscribe attaches a fresh receiver. Messages published before this
// call are not visible to it.
func (h *Hub) subscribe() *Receiver {
	r := &Receiver{
		ch:  make(chan string, RingCapacity),
		hub: h,
	}
	h.mu.Lock()
	h.receivers[r] = struct{}{}
	h.mu.Unlock()
	return r
}

// publish enqueues msg to every receiver's ring, dropping each stalled
// receiver's oldest undelivered message on overflow. The count increment
// and the sends happen inside one critical section, so admin snapshots
// observe them atomically.
func (h *Hub) publish(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messageCount++
	h.lastMessageAt = time.Now().UTC()

	for r := range h.receivers {
		select {
		case r.ch <- msg:
			monitoring.FanoutDeliveries.Inc()
		default:
			// Ring full: evict the oldest, then retry. The receiver may
			// drain concurrently, so both steps stay non-blocking.
			select {
			case <-r.ch:
				monitoring.FanoutDropped.Inc()
			default:
			}
			select {
			case r.ch <- msg:
				monitoring.FanoutDeliveries.Inc()
			default:
			}
		}
	}
}

// ReceiverCount returns the number of attached receivers.
func (h *Hub) ReceiverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.receivers)
}

// snapshot returns the hub's bookkeeping in one critical section.
func (h *Hub) snapshot() (receivers int, messages uint64, last time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.receivers), h.messageCount, h.lastMessageAt
}

// idleSince reports the hub's last activity instant for the sweeper.
func (h *Hub) idleSince() (time.Time, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastMessageAt.IsZero() {
		return h.createdAt, len(h.receivers)
	}
	return h.lastMessageAt, len(h.receivers)
}
