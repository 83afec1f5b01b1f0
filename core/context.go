package core

import (
	"fmt"

	"github.com/najoast/thorium/mempool"
	"github.com/najoast/thorium/message"
)

// Context is handed to handlers for the duration of one execution. It must
// not be retained after the handler returns.
type Context struct {
	actor   *Actor
	engine  Engine
	arena   *mempool.Arena
	current *message.Message
}

// Name returns the executing actor's name.
func (c *Context) Name() message.ActorName {
	return c.actor.name
}

// Rank returns the rank of the node hosting the actor.
func (c *Context) Rank() message.NodeRank {
	return c.engine.Rank()
}

// Supervisor returns the actor's supervisor.
func (c *Context) Supervisor() message.ActorName {
	return c.actor.supervisor
}

// Current returns the message being handled.
func (c *Context) Current() *message.Message {
	return c.current
}

// Arena returns the worker arena. Its memory is released when the handler
// returns.
func (c *Context) Arena() *mempool.Arena {
	return c.arena
}

// State returns the actor's lifecycle state.
func (c *Context) State() State {
	return c.actor.State()
}

// AddRoute registers or replaces the handler for action.
func (c *Context) AddRoute(action message.Action, handler Handler) {
	c.actor.routes[action] = handler
}

// RemoveRoute drops the handler for action.
func (c *Context) RemoveRoute(action message.Action) {
	delete(c.actor.routes, action)
}

// Send sends a copy of payload to destination and returns the conversation
// number of the new message.
func (c *Context) Send(destination message.ActorName, action message.Action, payload []byte) int32 {
	return c.SendMessage(message.New(action, c.actor.name, destination, clone(payload)))
}

// SendMessage sends msg as-is from this actor. Ownership of msg moves to
// the engine.
func (c *Context) SendMessage(msg *message.Message) int32 {
	msg.Source = c.actor.name
	if msg.IsReply() {
		c.engine.Replied(msg)
	} else {
		msg.Conversation = c.actor.nextConversation()
	}
	c.engine.Send(msg)
	return msg.Conversation
}

// Reply answers the current message.
func (c *Context) Reply(action message.Action, payload []byte) error {
	if c.current == nil {
		return ErrNoCurrent
	}
	reply := c.current.ReplyTo(action, clone(payload))
	reply.Source = c.actor.name
	c.engine.Replied(reply)
	c.engine.Send(reply)
	return nil
}

// Ask sends a request and runs cont when the matching reply arrives from
// destination. Delivery failures for the request also reach cont.
func (c *Context) Ask(destination message.ActorName, action message.Action, payload []byte, cont Continuation) error {
	if destination == c.actor.name {
		return ErrSelfAsk
	}
	msg := message.New(action, c.actor.name, destination, clone(payload))
	msg.Conversation = c.actor.nextConversation()
	c.actor.remember(msg.Conversation, pendingAsk{peer: destination, cont: cont})
	c.engine.Send(msg)
	return nil
}

// SendToMany delivers a copy of payload to every name through the binomial
// broadcaster.
func (c *Context) SendToMany(names []message.ActorName, action message.Action, payload []byte) {
	if len(names) == 0 {
		return
	}
	c.engine.Broadcaster().SendToMany(names, message.New(action, c.actor.name, message.NoActor, clone(payload)))
}

// Spawn creates a registered script on this node supervised by the caller.
func (c *Context) Spawn(script string) (message.ActorName, error) {
	behavior, err := c.engine.Scripts().New(script)
	if err != nil {
		return message.NoActor, err
	}
	return c.engine.Spawn(behavior, c.actor.name)
}

// SpawnBehavior creates an actor from behavior supervised by the caller.
func (c *Context) SpawnBehavior(behavior Behavior) (message.ActorName, error) {
	return c.engine.Spawn(behavior, c.actor.name)
}

// SpawnRemote asks the agent of rank to spawn script. cont receives an
// ActionSpawnReply carrying the new name, or an ActionDeliveryFailure.
func (c *Context) SpawnRemote(rank message.NodeRank, script string, cont Continuation) error {
	if script == "" {
		return fmt.Errorf("spawn on rank %d: %w", rank, ErrUnknownScript)
	}
	return c.Ask(c.engine.AgentName(rank), message.ActionSpawn, []byte(script), cont)
}

// AddAcquaintance records name and returns its index. Known names keep
// their index.
func (c *Context) AddAcquaintance(name message.ActorName) int {
	return c.actor.addAcquaintance(name)
}

// Acquaintance returns the i-th acquaintance, or NoActor.
func (c *Context) Acquaintance(i int) message.ActorName {
	if i < 0 || i >= len(c.actor.acquaintances) {
		return message.NoActor
	}
	return c.actor.acquaintances[i]
}

// AcquaintanceIndex returns the index of name, or -1.
func (c *Context) AcquaintanceIndex(name message.ActorName) int {
	if i, ok := c.actor.acquaintIndex[name]; ok {
		return i
	}
	return -1
}

// Acquaintances returns the number of acquaintances.
func (c *Context) Acquaintances() int {
	return len(c.actor.acquaintances)
}

// Stop begins a cooperative stop. The actor dies when the self-addressed
// ActionStop is executed.
func (c *Context) Stop() {
	if !c.actor.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	c.engine.Send(message.New(message.ActionStop, c.actor.name, c.actor.name, nil))
}

func clone(payload []byte) []byte {
	if payload == nil {
		return nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}
