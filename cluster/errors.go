package cluster

import (
	"errors"
	"fmt"

	"github.com/najoast/thorium/message"
)

var (
	// ErrUnresolvable is returned for a name no rank owns.
	ErrUnresolvable = errors.New("unresolvable actor name")

	// ErrNamesExhausted is returned when a rank has no name left to give.
	ErrNamesExhausted = errors.New("actor names exhausted")

	// ErrUnknownActor is returned for a local name that was never spawned.
	ErrUnknownActor = errors.New("unknown actor")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("node already started")

	// ErrSpawnFailed is returned when a remote agent could not spawn a script.
	ErrSpawnFailed = errors.New("spawn failed")
)

// DeliveryError describes a message the node could not deliver.
type DeliveryError struct {
	Action      message.Action
	Destination message.ActorName
	Cause       error
}

func (e *DeliveryError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("delivery of %s to actor %d failed", e.Action, e.Destination)
	}
	return fmt.Sprintf("delivery of %s to actor %d failed: %v", e.Action, e.Destination, e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// ParseDeliveryFailure decodes the payload of an ActionDeliveryFailure
// message. The cause is not carried on the wire.
func ParseDeliveryFailure(msg *message.Message) (*DeliveryError, error) {
	if msg.Action != message.ActionDeliveryFailure {
		return nil, fmt.Errorf("%s is not a delivery failure", msg.Action)
	}
	r := message.NewReader(msg.Payload)
	action, err := r.Int32()
	if err != nil {
		return nil, err
	}
	destination, err := r.Int32()
	if err != nil {
		return nil, err
	}
	return &DeliveryError{Action: message.Action(action), Destination: message.ActorName(destination)}, nil
}

func failurePayload(action message.Action, destination message.ActorName) []byte {
	return message.NewWriter(8).Int32(int32(action)).Int32(int32(destination)).Payload()
}
