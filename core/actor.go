package core

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/najoast/thorium/mempool"
	"github.com/najoast/thorium/message"
)

type pendingAsk struct {
	peer message.ActorName
	cont Continuation
}

// Actor is one instance of a behavior. Apart from the in-flight marker and
// the state, its fields are only touched by the worker that holds the marker.
type Actor struct {
	name       message.ActorName
	supervisor message.ActorName
	behavior   Behavior

	state    atomic.Int32 // State
	inFlight atomic.Bool

	routes  map[message.Action]Handler
	pending map[int32]pendingAsk

	acquaintances []message.ActorName
	acquaintIndex map[message.ActorName]int

	// last conversation number handed out by this actor
	sequence  int32
	processed atomic.Uint64

	// len(pending), readable from any goroutine
	asks atomic.Int32
}

// NewActor creates an actor in StateSpawning.
func NewActor(name, supervisor message.ActorName, behavior Behavior) *Actor {
	return &Actor{
		name:          name,
		supervisor:    supervisor,
		behavior:      behavior,
		routes:        make(map[message.Action]Handler),
		pending:       make(map[int32]pendingAsk),
		acquaintIndex: make(map[message.ActorName]int),
	}
}

// Name returns the actor's name.
func (a *Actor) Name() message.ActorName {
	return a.name
}

// Supervisor returns the actor notified of this actor's death.
func (a *Actor) Supervisor() message.ActorName {
	return a.supervisor
}

// State returns the current lifecycle state.
func (a *Actor) State() State {
	return State(a.state.Load())
}

// TryAcquire sets the in-flight marker. Only the caller that acquired the
// marker may execute the actor.
func (a *Actor) TryAcquire() bool {
	return a.inFlight.CompareAndSwap(false, true)
}

// Release clears the in-flight marker.
func (a *Actor) Release() {
	a.inFlight.Store(false)
}

// InFlight reports whether a worker currently holds the actor.
func (a *Actor) InFlight() bool {
	return a.inFlight.Load()
}

// Fail moves the actor to StateDead after a handler fault. It reports
// whether the actor was alive.
func (a *Actor) Fail() bool {
	for {
		s := a.state.Load()
		if State(s) == StateDead {
			return false
		}
		if a.state.CompareAndSwap(s, int32(StateDead)) {
			return true
		}
	}
}

// Stats returns a snapshot of the actor. It is safe to call while the actor
// is executing.
func (a *Actor) Stats() Stats {
	return Stats{
		Name:       a.name,
		Supervisor: a.supervisor,
		State:      a.State(),
		Processed:  a.processed.Load(),
		Pending:    int(a.asks.Load()),
	}
}

// Execute dispatches one message. The caller must hold the in-flight marker.
// Messages for dead actors are dropped. A non-nil error is a handler fault.
func (a *Actor) Execute(engine Engine, arena *mempool.Arena, msg *message.Message) error {
	state := a.State()
	if state == StateDead {
		log.WithFields(log.Fields{"actor": a.name, "action": msg.Action}).Debug("dropping message for dead actor")
		return nil
	}

	ctx := &Context{actor: a, engine: engine, arena: arena, current: msg}
	a.processed.Inc()

	if state == StateSpawning {
		a.state.Store(int32(StateRunning))
		if a.behavior != nil {
			if err := a.behavior.Init(ctx); err != nil {
				return fmt.Errorf("init actor %d: %w", a.name, err)
			}
		}
	}

	if msg.IsReply() {
		if ask, ok := a.pending[msg.Conversation]; ok && ask.peer == msg.Source {
			a.forget(msg.Conversation)
			return ask.cont(ctx, msg)
		}
	}

	switch msg.Action {
	case message.ActionBinomialTreeSend:
		return engine.Broadcaster().Forward(a.name, msg)
	case message.ActionStop:
		if msg.Source == a.name {
			a.state.Store(int32(StateDead))
			engine.Died(a)
			return nil
		}
	}

	if handler, ok := a.routes[msg.Action]; ok {
		return handler(ctx, msg)
	}

	if msg.Action == message.ActionAskToStop {
		ctx.Stop()
		return nil
	}

	log.WithFields(log.Fields{"actor": a.name, "action": msg.Action}).Debug("no route for action")
	return nil
}

func (a *Actor) remember(conversation int32, ask pendingAsk) {
	if _, ok := a.pending[conversation]; !ok {
		a.asks.Inc()
	}
	a.pending[conversation] = ask
}

func (a *Actor) forget(conversation int32) {
	if _, ok := a.pending[conversation]; ok {
		delete(a.pending, conversation)
		a.asks.Dec()
	}
}

func (a *Actor) nextConversation() int32 {
	a.sequence++
	return a.sequence
}

func (a *Actor) addAcquaintance(name message.ActorName) int {
	if i, ok := a.acquaintIndex[name]; ok {
		return i
	}
	a.acquaintances = append(a.acquaintances, name)
	a.acquaintIndex[name] = len(a.acquaintances) - 1
	return len(a.acquaintances) - 1
}
