package message

import "fmt"

// Action is the integer tag identifying the operation a message requests.
type Action int32

// Engine actions occupy the negative range; application actions are >= 0.
const (
	// ActionStart is the first message every spawned actor receives
	ActionStart Action = -(iota + 1)

	// ActionAskToStop asks an actor to stop cooperatively
	ActionAskToStop

	// ActionStop is the self-addressed message that ends an actor
	ActionStop

	// ActionNotifyDeath tells a supervisor that a child died
	ActionNotifyDeath

	// ActionSpawn asks a node agent to spawn a script
	ActionSpawn

	// ActionSpawnReply carries the name of a spawned actor
	ActionSpawnReply

	// ActionNodeStart announces that a node is ready
	ActionNodeStart

	// ActionMultiplexerControl adjusts a remote multiplexer
	ActionMultiplexerControl

	// ActionMultiplexerMessage wraps a batch of frames
	ActionMultiplexerMessage

	// ActionBinomialTreeSend wraps a binomial broadcast hop
	ActionBinomialTreeSend

	// ActionDeliveryFailure reports an undeliverable message to its source
	ActionDeliveryFailure
)

var actionNames = map[Action]string{
	ActionStart:              "start",
	ActionAskToStop:          "ask_to_stop",
	ActionStop:               "stop",
	ActionNotifyDeath:        "notify_death",
	ActionSpawn:              "spawn",
	ActionSpawnReply:         "spawn_reply",
	ActionNodeStart:          "node_start",
	ActionMultiplexerControl: "multiplexer_control",
	ActionMultiplexerMessage: "multiplexer_message",
	ActionBinomialTreeSend:   "binomial_tree_send",
	ActionDeliveryFailure:    "delivery_failure",
}

// String returns the string representation of Action.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int32(a))
}

// IsSystem reports whether a belongs to the engine range.
func (a Action) IsSystem() bool {
	return a < 0
}

// IsControl reports whether a is control-plane traffic that must never wait
// behind a data batch.
func (a Action) IsControl() bool {
	switch a {
	case ActionSpawn, ActionSpawnReply, ActionNodeStart,
		ActionMultiplexerControl, ActionMultiplexerMessage:
		return true
	default:
		return false
	}
}
