// Package broadcast fans per-SKU availability snapshots out to long-lived
// subscribers. Delivery is best-effort with no retention: a subscriber that
// cannot keep up is dropped rather than allowed to stall the publisher.
package broadcast

import "sync"

// Message types sent over a subscription.
const (
	TypeInitial = "initial"
	TypeUpdate  = "update"
)

// Snapshot is one availability message for a SKU.
type Snapshot struct {
	Type      string `json:"type"`
	SKU       string `json:"sku"`
	Available int    `json:"available"`
	Total     int    `json:"total"`
}

const subscriberBuffer = 16

// Hub is the in-process registry of availability subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

// Subscriber is one long-lived availability stream.
type Subscriber struct {
	hub *Hub
	sku string
	ch  chan Snapshot

	once sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a stream for sku and queues the initial snapshot.
func (h *Hub) Subscribe(sku string, available, total int) *Subscriber {
	sub := &Subscriber{hub: h, sku: sku, ch: make(chan Snapshot, subscriberBuffer)}
	sub.ch <- Snapshot{Type: TypeInitial, SKU: sku, Available: available, Total: total}

	h.mu.Lock()
	set, ok := h.subs[sku]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[sku] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// C is the receive side of the stream. It is closed when the subscriber is
// dropped or closes itself.
func (s *Subscriber) C() <-chan Snapshot { return s.ch }

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() {
	s.hub.mu.Lock()
	s.hub.drop(s)
	s.hub.mu.Unlock()
}

// drop removes and closes a subscriber. Caller holds the hub lock.
func (h *Hub) drop(s *Subscriber) {
	set, ok := h.subs[s.sku]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.sku)
	}
	s.once.Do(func() { close(s.ch) })
}

// Publish sends an update snapshot to every subscriber of sku. A subscriber
// whose buffer is full is dropped.
func (h *Hub) Publish(sku string, available, total int) {
	snap := Snapshot{Type: TypeUpdate, SKU: sku, Available: available, Total: total}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[sku] {
		select {
		case sub.ch <- snap:
		default:
			h.drop(sub)
		}
	}
}

// Subscribers reports the number of active streams for sku.
func (h *Hub) Subscribers(sku string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sku])
}
