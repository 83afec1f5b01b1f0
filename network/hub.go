package network

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/najoast/thorium/message"
)

// Hub connects in-process transports into a simulated cluster. Every rank
// gets an endpoint; Send copies the buffer into the peer's inbox.
type Hub struct {
	preferred int
	endpoints []*Endpoint

	mu   sync.RWMutex
	down map[message.NodeRank]bool
}

// NewHub creates a hub for size ranks.
func NewHub(size, preferredMessageSize int) *Hub {
	if preferredMessageSize <= 0 {
		preferredMessageSize = DefaultPreferredMessageSize
	}
	h := &Hub{
		preferred: preferredMessageSize,
		down:      make(map[message.NodeRank]bool),
	}
	h.endpoints = make([]*Endpoint, size)
	for i := range h.endpoints {
		h.endpoints[i] = &Endpoint{
			hub:   h,
			rank:  message.NodeRank(i),
			inbox: make(chan Packet, 1024),
			done:  make(chan struct{}),
		}
	}
	return h
}

// Endpoint returns the transport of rank.
func (h *Hub) Endpoint(rank message.NodeRank) *Endpoint {
	return h.endpoints[rank]
}

// Size returns the number of ranks.
func (h *Hub) Size() int {
	return len(h.endpoints)
}

// Disconnect makes rank unreachable for every sender.
func (h *Hub) Disconnect(rank message.NodeRank) {
	h.mu.Lock()
	h.down[rank] = true
	h.mu.Unlock()
}

// Reconnect undoes Disconnect.
func (h *Hub) Reconnect(rank message.NodeRank) {
	h.mu.Lock()
	delete(h.down, rank)
	h.mu.Unlock()
}

func (h *Hub) isDown(rank message.NodeRank) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.down[rank]
}

// Endpoint is one rank's transport on a Hub.
type Endpoint struct {
	hub   *Hub
	rank  message.NodeRank
	inbox chan Packet

	closeOnce sync.Once
	done      chan struct{}
	inflight  sync.WaitGroup
	mu        sync.RWMutex
	closed    bool

	sent     atomic.Uint64
	received atomic.Uint64
	bytes    atomic.Uint64
}

// Rank returns the local rank.
func (e *Endpoint) Rank() message.NodeRank {
	return e.rank
}

// Size returns the cluster size.
func (e *Endpoint) Size() int {
	return len(e.hub.endpoints)
}

// PreferredMessageSize returns the hub's preferred size.
func (e *Endpoint) PreferredMessageSize() int {
	return e.hub.preferred
}

// Start is a no-op; endpoints accept traffic from creation.
func (e *Endpoint) Start(ctx context.Context) error {
	return nil
}

// Send copies buf into the inbox of rank.
func (e *Endpoint) Send(ctx context.Context, rank message.NodeRank, buf []byte) error {
	if rank < 0 || int(rank) >= len(e.hub.endpoints) {
		return fmt.Errorf("%w: %d", ErrUnknownRank, rank)
	}
	if e.hub.isDown(rank) || e.hub.isDown(e.rank) {
		return fmt.Errorf("%w: rank %d", ErrUnreachable, rank)
	}
	return e.hub.endpoints[rank].deliver(ctx, Packet{From: e.rank, Data: append([]byte(nil), buf...)}, e)
}

func (e *Endpoint) deliver(ctx context.Context, p Packet, from *Endpoint) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return fmt.Errorf("%w: rank %d", ErrUnreachable, e.rank)
	}
	e.inflight.Add(1)
	e.mu.RUnlock()
	defer e.inflight.Done()

	select {
	case e.inbox <- p:
		from.sent.Inc()
		from.bytes.Add(uint64(len(p.Data)))
		e.received.Inc()
		return nil
	case <-e.done:
		return fmt.Errorf("%w: rank %d", ErrUnreachable, e.rank)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the inbox.
func (e *Endpoint) Receive() <-chan Packet {
	return e.inbox
}

// Stop closes the inbox once in-flight sends have finished.
func (e *Endpoint) Stop(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.done)
		e.inflight.Wait()
		close(e.inbox)
	})
	return nil
}

// Stats returns the endpoint counters.
func (e *Endpoint) Stats() Stats {
	return Stats{
		PacketsSent:     e.sent.Load(),
		PacketsReceived: e.received.Load(),
		BytesSent:       e.bytes.Load(),
		Connections:     len(e.hub.endpoints) - 1,
	}
}
