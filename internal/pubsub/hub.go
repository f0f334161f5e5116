package pubsub

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Hub is an in-process broadcast medium. Each peer talks to it through its
// own Endpoint.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]*subscription
}

type subscription struct {
	peer    string
	handler Handler
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[uint64]*subscription)}
}

// Endpoint returns the transport of one peer.
func (h *Hub) Endpoint(peer string) *Endpoint {
	return &Endpoint{hub: h, peer: peer}
}

func (h *Hub) subscribe(topic, peer string, handler Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[uint64]*subscription)
		h.topics[topic] = subs
	}
	subs[id] = &subscription{peer: peer, handler: handler}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.topics[topic], id)
			if len(h.topics[topic]) == 0 {
				delete(h.topics, topic)
			}
		})
	}
}

// publish delivers synchronously, outside the hub lock, in subscription
// order.
func (h *Hub) publish(topic, from string, data []byte) {
	h.mu.RLock()
	ids := make([]uint64, 0, len(h.topics[topic]))
	for id, sub := range h.topics[topic] {
		if sub.peer != from {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	targets := make([]*subscription, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, h.topics[topic][id])
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.handler(from, append([]byte(nil), data...))
	}
}

func (h *Hub) peers(topic, self string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, sub := range h.topics[topic] {
		if sub.peer != self {
			seen[sub.peer] = struct{}{}
		}
	}

	peers := make([]string, 0, len(seen))
	for p := range seen {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

// Endpoint is one peer's view of a Hub.
type Endpoint struct {
	hub  *Hub
	peer string
}

func (e *Endpoint) ID() string {
	return e.peer
}

func (e *Endpoint) Subscribe(topic string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("nil handler for topic %s", topic)
	}
	return e.hub.subscribe(topic, e.peer, handler), nil
}

func (e *Endpoint) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.publish(topic, e.peer, data)
	return nil
}

func (e *Endpoint) Peers(topic string) ([]string, error) {
	return e.hub.peers(topic, e.peer), nil
}
