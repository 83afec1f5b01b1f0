package core

import (
	"github.com/najoast/thorium/binomial"
	"github.com/najoast/thorium/message"
)

// Engine is the node seen from inside an actor.
type Engine interface {
	// Rank returns the rank of the node hosting the actor.
	Rank() message.NodeRank

	// Send routes msg. It never blocks on the destination.
	Send(msg *message.Message)

	// Spawn creates an actor on this node and schedules its first execution.
	Spawn(behavior Behavior, supervisor message.ActorName) (message.ActorName, error)

	// Scripts returns the behaviors that can be spawned by name.
	Scripts() *Registry

	// AgentName returns the node agent of rank.
	AgentName(rank message.NodeRank) message.ActorName

	// Broadcaster returns the node's one-to-many sender.
	Broadcaster() *binomial.Broadcaster

	// Replied is called for every reply an actor sends.
	Replied(reply *message.Message)

	// Died is called once an actor reached StateDead.
	Died(a *Actor)
}
