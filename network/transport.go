// Package network moves encoded frames between the nodes of a cluster.
//
// A Transport delivers opaque buffers from one rank to another. Buffers hold
// whole frames as produced by the message package: a single frame or one
// multiplexed batch.
package network

import (
	"context"
	"errors"

	"github.com/najoast/thorium/message"
)

// DefaultPreferredMessageSize is the buffer size transports are tuned for.
const DefaultPreferredMessageSize = 4 * 1024

var (
	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownRank is returned for a rank outside the cluster.
	ErrUnknownRank = errors.New("unknown rank")

	// ErrUnreachable is returned when a peer cannot be reached.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrIncompatible is returned when a peer speaks another protocol version.
	ErrIncompatible = errors.New("incompatible protocol version")
)

// Packet is one buffer received from a peer. Data belongs to the receiver.
type Packet struct {
	From message.NodeRank
	Data []byte
}

// Transport is the point-to-point boundary between nodes.
type Transport interface {
	// Rank returns the local rank.
	Rank() message.NodeRank

	// Size returns the number of ranks in the cluster.
	Size() int

	// PreferredMessageSize returns the buffer size the transport handles best.
	PreferredMessageSize() int

	// Send transmits buf to rank. buf is not retained after Send returns.
	Send(ctx context.Context, rank message.NodeRank, buf []byte) error

	// Receive returns the channel of inbound packets. It is closed by Stop.
	Receive() <-chan Packet

	// Start begins accepting traffic.
	Start(ctx context.Context) error

	// Stop releases every resource.
	Stop(ctx context.Context) error
}

// Stats contains transport counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Errors          uint64
	Connections     int
}
