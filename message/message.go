// Package message defines the addressed envelope exchanged between actors and
// its node-to-node wire format.
package message

import (
	"fmt"
)

// ActorName is the process-wide unique name of one actor instance.
type ActorName int32

// NoActor marks the absence of an actor (no supervisor, node-level sender).
const NoActor ActorName = -1

// NodeRank identifies one node of the cluster, in [0, size).
type NodeRank int32

// NoRank marks a message whose node has not been resolved yet.
const NoRank NodeRank = -1

// Flags carries per-message routing bits.
type Flags uint32

const (
	// FlagReply marks a reply correlated with a request by Conversation.
	FlagReply Flags = 1 << iota

	// FlagCached marks a reply replayed from the message cache.
	FlagCached
)

// Message represents communication data between actors.
type Message struct {
	// Action is the application-level operation requested
	Action Action

	// Source is the name of the sending actor
	Source ActorName

	// Destination is the name of the receiving actor
	Destination ActorName

	// SourceNode is the rank of the sending node
	SourceNode NodeRank

	// DestinationNode is the rank owning Destination
	DestinationNode NodeRank

	// Conversation correlates a request with its reply. It is the
	// per-source sequence number assigned when the request was sent.
	Conversation int32

	// Flags holds routing bits
	Flags Flags

	// Payload contains the message body; ownership moves with the message
	Payload []byte
}

// New creates a message with unresolved nodes.
func New(action Action, source, destination ActorName, payload []byte) *Message {
	return &Message{
		Action:          action,
		Source:          source,
		Destination:     destination,
		SourceNode:      NoRank,
		DestinationNode: NoRank,
		Payload:         payload,
	}
}

// Count returns the payload length.
func (m *Message) Count() int {
	return len(m.Payload)
}

// IsReply reports whether FlagReply is set.
func (m *Message) IsReply() bool {
	return m.Flags&FlagReply != 0
}

// HasFlag checks if a message flag is set.
func (m *Message) HasFlag(flag Flags) bool {
	return m.Flags&flag != 0
}

// SetFlag sets a message flag.
func (m *Message) SetFlag(flag Flags) {
	m.Flags |= flag
}

// Size returns the encoded frame size in bytes.
func (m *Message) Size() int {
	return HeaderSize + len(m.Payload)
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}
	return &clone
}

// ReplyTo builds a reply to m carrying the same conversation.
func (m *Message) ReplyTo(action Action, payload []byte) *Message {
	reply := New(action, m.Destination, m.Source, payload)
	reply.Conversation = m.Conversation
	reply.Flags = FlagReply
	return reply
}

// String returns a compact description for logging.
func (m *Message) String() string {
	return fmt.Sprintf("%s %d->%d conv=%d len=%d", m.Action, m.Source, m.Destination, m.Conversation, len(m.Payload))
}
