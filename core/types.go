package core

import (
	"github.com/najoast/thorium/message"
)

// State represents the lifecycle position of an Actor.
type State int32

const (
	// StateSpawning means the Actor exists but has not executed yet
	StateSpawning State = iota

	// StateRunning means the Actor handles messages
	StateRunning

	// StateStopping means the Actor asked itself to stop
	StateStopping

	// StateDead means the Actor is gone; its messages are dropped
	StateDead
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Handler processes one message. A returned error is a handler fault.
type Handler func(ctx *Context, msg *message.Message) error

// Continuation runs when the reply to an Ask arrives.
type Continuation func(ctx *Context, reply *message.Message) error

// Behavior supplies the initial state of an actor. Init runs on the first
// execution and usually registers routes.
type Behavior interface {
	Init(ctx *Context) error
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(ctx *Context) error

// Init calls f(ctx).
func (f BehaviorFunc) Init(ctx *Context) error {
	return f(ctx)
}

// Routes is a Behavior made of a fixed handler table.
type Routes map[message.Action]Handler

// Init registers every route.
func (r Routes) Init(ctx *Context) error {
	for action, handler := range r {
		ctx.AddRoute(action, handler)
	}
	return nil
}

// Stats contains runtime statistics for an Actor.
type Stats struct {
	Name       message.ActorName
	Supervisor message.ActorName
	State      State

	// Total messages executed
	Processed uint64

	// Asks still waiting for a reply
	Pending int
}
