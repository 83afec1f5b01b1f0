// Package binomial implements one-to-many sends along a binomial tree.
//
// A destination list at or above the threshold is bisected; the element in
// the middle of each half forwards the message to the rest of its half. Every
// destination therefore receives the message after O(log N) hops and no actor
// originates more than a handful of sends.
package binomial

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/najoast/thorium/message"
)

// DefaultThreshold is the list size below which sends are direct.
const DefaultThreshold = 4

// SendFunc hands one message to the engine for routing.
type SendFunc func(msg *message.Message)

// Broadcaster fans a message out to a list of actors.
type Broadcaster struct {
	threshold int
	send      SendFunc
}

// New creates a broadcaster. Thresholds below 2 are raised to 2 so that
// bisection always yields two non-empty halves.
func New(threshold int, send SendFunc) *Broadcaster {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if threshold < 2 {
		threshold = 2
	}
	return &Broadcaster{threshold: threshold, send: send}
}

// Threshold returns the direct-send cutoff.
func (b *Broadcaster) Threshold() int {
	return b.threshold
}

// SendToMany delivers msg to every name. msg.Source is the source seen by
// the final receivers.
func (b *Broadcaster) SendToMany(names []message.ActorName, msg *message.Message) {
	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"actor":     msg.Source,
			"action":    msg.Action,
			"receivers": len(names),
			"depth":     b.plan(msg.Source, names).Depth(),
		}).Debug("binomial broadcast")
	}
	b.spread(msg.Source, names, msg.Action, msg.Source, msg.Payload)
}

// Forward continues a hop received by self with ActionBinomialTreeSend.
func (b *Broadcaster) Forward(self message.ActorName, wrapped *message.Message) error {
	names, action, source, payload, err := Unwrap(wrapped.Payload)
	if err != nil {
		return fmt.Errorf("binomial hop from %d: %w", wrapped.Source, err)
	}
	if log.IsLevelEnabled(log.TraceLevel) {
		log.WithFields(log.Fields{
			"actor":     self,
			"action":    action,
			"from":      wrapped.Source,
			"receivers": len(names),
		}).Trace("binomial hop")
	}
	b.spread(self, names, action, source, payload)
	return nil
}

func (b *Broadcaster) spread(hop message.ActorName, names []message.ActorName, action message.Action, source message.ActorName, payload []byte) {
	if len(names) < b.threshold {
		for _, name := range names {
			b.send(message.New(action, source, name, clonePayload(payload)))
		}
		return
	}

	left, right := Split(names)
	for _, half := range [][]message.ActorName{left, right} {
		b.send(message.New(message.ActionBinomialTreeSend, hop, Forwarder(half), Wrap(half, action, source, payload)))
	}
}

// Middle returns the bisection point of the half-open range [first, last).
func Middle(first, last int) int {
	return first + (last-first)/2
}

// Split bisects names into [0, middle) and [middle, len).
func Split(names []message.ActorName) (left, right []message.ActorName) {
	middle := Middle(0, len(names))
	return names[:middle], names[middle:]
}

// Forwarder returns the actor responsible for a half: its middle element.
func Forwarder(half []message.ActorName) message.ActorName {
	return half[Middle(0, len(half))]
}

// Wrap packs a hop payload: the sub-list followed by the real message.
func Wrap(names []message.ActorName, action message.Action, source message.ActorName, payload []byte) []byte {
	w := message.NewWriter(4*(len(names)+4) + len(payload))
	return w.Names(names).
		Int32(int32(action)).
		Int32(int32(source)).
		Int32(int32(len(payload))).
		Bytes(payload).
		Payload()
}

// Unwrap reverses Wrap. The returned payload is a fresh copy.
func Unwrap(wrapped []byte) (names []message.ActorName, action message.Action, source message.ActorName, payload []byte, err error) {
	r := message.NewReader(wrapped)
	if names, err = r.Names(); err != nil {
		return nil, 0, 0, nil, err
	}

	var v, count int32
	if v, err = r.Int32(); err != nil {
		return nil, 0, 0, nil, err
	}
	action = message.Action(v)
	if v, err = r.Int32(); err != nil {
		return nil, 0, 0, nil, err
	}
	source = message.ActorName(v)
	if count, err = r.Int32(); err != nil {
		return nil, 0, 0, nil, err
	}

	raw, err := r.Bytes(int(count))
	if err != nil {
		return nil, 0, 0, nil, err
	}
	if len(r.Remaining()) != 0 {
		return nil, 0, 0, nil, fmt.Errorf("%d trailing bytes after real payload", len(r.Remaining()))
	}
	return names, action, source, clonePayload(raw), nil
}

func clonePayload(payload []byte) []byte {
	if payload == nil {
		return nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}
