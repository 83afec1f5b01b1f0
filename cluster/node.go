// Package cluster implements the node: the per-process engine that owns the
// actor table, routes messages between local actors and remote ranks, and
// drives the worker pool and the transport.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/thorium/binomial"
	"github.com/najoast/thorium/cache"
	"github.com/najoast/thorium/core"
	"github.com/najoast/thorium/mempool"
	"github.com/najoast/thorium/message"
	"github.com/najoast/thorium/multiplexer"
	"github.com/najoast/thorium/network"
	"github.com/najoast/thorium/scheduler"
)

var (
	_ core.Engine        = (*Node)(nil)
	_ scheduler.Executor = (*Node)(nil)
)

// Config holds node parameters.
type Config struct {
	Partition string
	BlockSize int

	Scheduler   scheduler.Config
	Multiplexer multiplexer.Config

	BroadcastThreshold int
	CacheActions       []message.Action

	// FlushInterval is the period of the multiplexer expiry check
	FlushInterval time.Duration

	// SendTimeout bounds one transport send
	SendTimeout time.Duration
}

// DefaultConfig returns a configuration suited to a transport with the
// given preferred message size.
func DefaultConfig(preferredSize int) Config {
	return Config{
		Partition:          PartitionRoundRobin,
		Scheduler:          scheduler.DefaultConfig(),
		Multiplexer:        multiplexer.DefaultConfig(preferredSize),
		BroadcastThreshold: binomial.DefaultThreshold,
		FlushInterval:      500 * time.Microsecond,
		SendTimeout:        10 * time.Second,
	}
}

// Stats contains runtime statistics for a node.
type Stats struct {
	Rank   message.NodeRank
	Actors int

	Spawned  uint64
	Died     uint64
	Local    uint64
	Remote   uint64
	Received uint64
	Failures uint64

	// Remote messages waiting for the transport thread
	Outbound int

	Unreachable []message.NodeRank
	Workers     []scheduler.WorkerStats
	Multiplexer multiplexer.Stats
	CacheHits   uint64
}

// Node is one rank of the runtime. It implements core.Engine for its actors
// and scheduler.Executor for its worker pool.
type Node struct {
	rank      message.NodeRank
	size      int
	cfg       Config
	partition Partition

	transport   network.Transport
	outbox      *outbox
	pool        *scheduler.Pool
	mux         *multiplexer.Multiplexer
	cache       *cache.Cache
	broadcaster *binomial.Broadcaster
	scripts     *core.Registry
	table       *table
	agent       message.ActorName

	unreachableMu sync.RWMutex
	unreachable   map[message.NodeRank]error

	fatalMu sync.RWMutex
	fatal   func(err error)

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	quit    chan struct{}
	group   *errgroup.Group

	spawned  atomic.Uint64
	died     atomic.Uint64
	local    atomic.Uint64
	remote   atomic.Uint64
	received atomic.Uint64
	failures atomic.Uint64
}

// NewNode creates the node for transport's rank and spawns its agent.
func NewNode(cfg Config, transport network.Transport, scripts *core.Registry) (*Node, error) {
	partition, err := NewPartition(cfg.Partition, transport.Size(), cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	if scripts == nil {
		scripts = core.NewRegistry()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Microsecond
	}

	n := &Node{
		rank:        transport.Rank(),
		size:        transport.Size(),
		cfg:         cfg,
		partition:   partition,
		transport:   transport,
		outbox:      newOutbox(),
		cache:       cache.New(cfg.CacheActions...),
		scripts:     scripts,
		table:       newTable(partition, transport.Rank()),
		unreachable: make(map[message.NodeRank]error),
		ctx:         context.Background(),
		fatal: func(err error) {
			log.WithError(err).Fatal("unrecoverable engine failure")
		},
	}
	n.pool = scheduler.NewPool(cfg.Scheduler, n)
	n.mux = multiplexer.New(cfg.Multiplexer, n.size, n.transmit)
	n.broadcaster = binomial.New(cfg.BroadcastThreshold, n.Send)

	n.agent, err = n.Spawn(newAgent(n), message.NoActor)
	if err != nil {
		return nil, fmt.Errorf("spawn node agent: %w", err)
	}
	return n, nil
}

// Rank returns the node's rank.
func (n *Node) Rank() message.NodeRank {
	return n.rank
}

// Size returns the number of ranks.
func (n *Node) Size() int {
	return n.size
}

// Partition returns the name-to-rank mapping.
func (n *Node) Partition() Partition {
	return n.partition
}

// Scripts returns the spawnable behaviors.
func (n *Node) Scripts() *core.Registry {
	return n.scripts
}

// Broadcaster returns the binomial broadcaster.
func (n *Node) Broadcaster() *binomial.Broadcaster {
	return n.broadcaster
}

// Cache returns the message cache.
func (n *Node) Cache() *cache.Cache {
	return n.cache
}

// Multiplexer returns the outbound batcher.
func (n *Node) Multiplexer() *multiplexer.Multiplexer {
	return n.mux
}

// Pool returns the worker pool.
func (n *Node) Pool() *scheduler.Pool {
	return n.pool
}

// AgentName returns the node agent of rank.
func (n *Node) AgentName(rank message.NodeRank) message.ActorName {
	name, _ := n.partition.NameAt(rank, 0)
	return name
}

// Agent returns the local node agent.
func (n *Node) Agent() message.ActorName {
	return n.agent
}

// SetFatalHook replaces the handler for unrecoverable failures.
func (n *Node) SetFatalHook(hook func(err error)) {
	n.fatalMu.Lock()
	n.fatal = hook
	n.fatalMu.Unlock()
}

// Resolve returns the rank owning name.
func (n *Node) Resolve(name message.ActorName) (message.NodeRank, error) {
	return n.partition.Resolve(name)
}

// Start launches the workers and the transport thread.
func (n *Node) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	if err := n.pool.Start(n.ctx); err != nil {
		n.cancel()
		n.started.Store(false)
		return fmt.Errorf("start node %d: %w", n.rank, err)
	}

	n.quit = make(chan struct{})
	n.group, _ = errgroup.WithContext(n.ctx)
	n.group.Go(n.transportLoop)

	n.Send(message.New(message.ActionNodeStart, message.NoActor, n.agent, nil))
	log.WithFields(log.Fields{
		"rank":      n.rank,
		"size":      n.size,
		"partition": n.partition.Kind(),
		"workers":   n.pool.Size(),
	}).Info("node started")
	return nil
}

// Stop stops the workers, then lets the transport thread send what they
// left in the outbox and the multiplexer before it exits. The transport
// itself is left to its owner.
func (n *Node) Stop(ctx context.Context) error {
	if !n.started.CompareAndSwap(true, false) {
		return nil
	}

	var errs []error
	if err := n.pool.Stop(); err != nil {
		errs = append(errs, err)
	}
	close(n.quit)
	if err := n.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	n.cancel()

	log.WithField("rank", n.rank).Info("node stopped")
	return errors.Join(errs...)
}

// transportLoop is the only goroutine that writes to the transport. It
// receives packets, sends what workers queued in the outbox and expires
// multiplexer buffers.
func (n *Node) transportLoop() error {
	ticker := time.NewTicker(n.cfg.FlushInterval)
	defer ticker.Stop()

	packets := n.transport.Receive()
	for {
		select {
		case <-n.ctx.Done():
			return nil
		case <-n.quit:
			n.drain()
			if err := n.mux.FlushAll(); err != nil {
				log.WithError(err).WithField("rank", n.rank).Warn("final flush failed")
			}
			return nil
		case <-n.outbox.ready:
			n.drain()
		case p, ok := <-packets:
			if !ok {
				log.WithField("rank", n.rank).Debug("transport closed")
				packets = nil
				continue
			}
			if err := n.ReceiveFromTransport(p.From, p.Data); err != nil {
				log.WithError(err).WithFields(log.Fields{"rank": n.rank, "from": p.From}).Warn("dropping malformed packet")
			}
		case now := <-ticker.C:
			if err := n.mux.FlushExpired(now); err != nil {
				log.WithError(err).WithField("rank", n.rank).Debug("expired flush failed")
			}
		}
	}
}

// Send routes msg: locally, to the transport thread, or back to its source
// as a delivery failure. It never waits on the network.
func (n *Node) Send(msg *message.Message) {
	rank, err := n.Resolve(msg.Destination)
	if err != nil {
		n.deliveryFailure(msg, err)
		return
	}
	if msg.SourceNode == message.NoRank {
		msg.SourceNode = n.rank
	}
	msg.DestinationNode = rank

	if rank == n.rank {
		n.local.Inc()
		n.deliver(msg)
		return
	}

	if err := n.reachable(rank); err != nil {
		n.deliveryFailure(msg, err)
		return
	}
	n.remote.Inc()
	n.outbox.push(msg)
}

// drain hands queued remote messages to the multiplexer. It runs on the
// transport thread.
func (n *Node) drain() {
	for _, msg := range n.outbox.take() {
		if err := n.reachable(msg.DestinationNode); err != nil {
			n.deliveryFailure(msg, err)
			continue
		}
		if err := n.mux.Send(msg); err != nil && n.reachable(msg.DestinationNode) == nil {
			// link failures were already reported by transmit
			n.deliveryFailure(msg, err)
		}
	}
}

// deliver queues msg for its local destination.
func (n *Node) deliver(msg *message.Message) {
	a, ok := n.table.lookup(msg.Destination)
	if !ok {
		if !n.table.spawned(msg.Destination) {
			n.deliveryFailure(msg, fmt.Errorf("%w: %d", ErrUnknownActor, msg.Destination))
			return
		}
		log.WithFields(log.Fields{"rank": n.rank, "actor": msg.Destination, "action": msg.Action}).
			Debug("dropping message for dead actor")
		return
	}
	n.pool.Submit(scheduler.WorkItem{Actor: a, Message: msg})
}

// ReceiveFromTransport decodes a packet and delivers its messages.
func (n *Node) ReceiveFromTransport(from message.NodeRank, buf []byte) error {
	msgs, err := message.DecodeAll(buf)
	if err != nil {
		return err
	}
	n.received.Add(uint64(len(msgs)))
	for _, msg := range msgs {
		msg.SourceNode = from
		n.Send(msg)
	}
	return nil
}

// transmit is the multiplexer sink. A failed send marks the rank unreachable
// and bounces every frame of buf to its source.
func (n *Node) transmit(rank message.NodeRank, buf []byte) error {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.SendTimeout)
	defer cancel()

	err := n.transport.Send(ctx, rank, buf)
	if err == nil {
		return nil
	}

	n.markUnreachable(rank, err)
	msgs, decodeErr := message.DecodeAll(buf)
	if decodeErr != nil {
		log.WithError(decodeErr).WithField("rank", rank).Error("cannot decode failed buffer")
		return err
	}
	for _, msg := range msgs {
		n.deliveryFailure(msg, err)
	}
	return err
}

func (n *Node) markUnreachable(rank message.NodeRank, err error) {
	n.unreachableMu.Lock()
	_, known := n.unreachable[rank]
	n.unreachable[rank] = err
	n.unreachableMu.Unlock()

	if !known {
		log.WithError(err).WithFields(log.Fields{"rank": n.rank, "peer": rank}).Warn("peer marked unreachable")
	}
}

// MarkReachable clears the unreachable mark of rank.
func (n *Node) MarkReachable(rank message.NodeRank) {
	n.unreachableMu.Lock()
	delete(n.unreachable, rank)
	n.unreachableMu.Unlock()
}

func (n *Node) reachable(rank message.NodeRank) error {
	n.unreachableMu.RLock()
	defer n.unreachableMu.RUnlock()
	if err, ok := n.unreachable[rank]; ok {
		return fmt.Errorf("%w: rank %d: %v", network.ErrUnreachable, rank, err)
	}
	return nil
}

// deliveryFailure sends an ActionDeliveryFailure reply to the source of msg.
// Failures about failures and messages without a source are only logged.
func (n *Node) deliveryFailure(msg *message.Message, cause error) {
	n.failures.Inc()
	derr := &DeliveryError{Action: msg.Action, Destination: msg.Destination, Cause: cause}
	entry := log.WithFields(log.Fields{"rank": n.rank, "actor": msg.Source, "action": msg.Action})

	if msg.Action == message.ActionDeliveryFailure || msg.Source == message.NoActor {
		entry.WithError(derr).Warn("undeliverable message dropped")
		return
	}
	entry.WithError(derr).Debug("delivery failed")

	failure := message.New(message.ActionDeliveryFailure, msg.Destination, msg.Source, failurePayload(msg.Action, msg.Destination))
	failure.Conversation = msg.Conversation
	failure.Flags = message.FlagReply
	n.Send(failure)
}

// Spawn creates a local actor and schedules its first execution.
func (n *Node) Spawn(behavior core.Behavior, supervisor message.ActorName) (message.ActorName, error) {
	name, err := n.table.allocate()
	if err != nil {
		return message.NoActor, fmt.Errorf("spawn on rank %d: %w", n.rank, err)
	}

	a := core.NewActor(name, supervisor, behavior)
	n.table.insert(a)
	n.spawned.Inc()

	n.pool.Submit(scheduler.WorkItem{Actor: a, Message: message.New(message.ActionStart, supervisor, name, nil)})
	return name, nil
}

// SpawnScript creates a local actor from a registered script.
func (n *Node) SpawnScript(script string, supervisor message.ActorName) (message.ActorName, error) {
	behavior, err := n.scripts.New(script)
	if err != nil {
		return message.NoActor, err
	}
	return n.Spawn(behavior, supervisor)
}

// SpawnRemote asks the agent of rank to spawn script and waits for the name.
func (n *Node) SpawnRemote(ctx context.Context, rank message.NodeRank, script string) (message.ActorName, error) {
	type result struct {
		name message.ActorName
		err  error
	}
	done := make(chan result, 1)

	_, err := n.Spawn(core.BehaviorFunc(func(c *core.Context) error {
		return c.SpawnRemote(rank, script, func(c *core.Context, reply *message.Message) error {
			defer c.Stop()
			switch reply.Action {
			case message.ActionSpawnReply:
				name, err := message.UnpackName(reply.Payload)
				if err == nil && name == message.NoActor {
					err = fmt.Errorf("%w: %q on rank %d", ErrSpawnFailed, script, rank)
				}
				done <- result{name: name, err: err}
			case message.ActionDeliveryFailure:
				derr, err := ParseDeliveryFailure(reply)
				if err == nil {
					err = derr
				}
				done <- result{name: message.NoActor, err: err}
			default:
				done <- result{name: message.NoActor, err: fmt.Errorf("unexpected reply %s", reply.Action)}
			}
			return nil
		})
	}), message.NoActor)
	if err != nil {
		return message.NoActor, err
	}

	select {
	case r := <-done:
		return r.name, r.err
	case <-ctx.Done():
		return message.NoActor, ctx.Err()
	}
}

// Execute runs one work item. Requests of cached actions that already have a
// reply are answered from the cache instead of running the handler.
func (n *Node) Execute(arena *mempool.Arena, item scheduler.WorkItem) error {
	msg := item.Message
	if !msg.IsReply() && n.cache.Enabled(msg.Action) {
		if reply, ok := n.cache.GetReplyFor(msg); ok {
			reply.SetFlag(message.FlagCached)
			n.Send(reply)
			return nil
		}
		n.cache.SaveRequest(msg)
	}
	return item.Actor.Execute(n, arena, msg)
}

// Fault kills the actor whose handler failed. Allocation failures are fatal
// for the whole node.
func (n *Node) Fault(item scheduler.WorkItem, err error) {
	if errors.Is(err, mempool.ErrAllocation) {
		log.WithFields(log.Fields{
			"rank":   n.rank,
			"actor":  item.Actor.Name(),
			"action": item.Message.Action,
		}).WithError(err).Error("memory allocation failed")

		n.fatalMu.RLock()
		fatal := n.fatal
		n.fatalMu.RUnlock()
		fatal(err)
	}
	if item.Actor.Fail() {
		n.Died(item.Actor)
	}
}

// Replied stores replies to cached requests.
func (n *Node) Replied(reply *message.Message) {
	n.cache.SaveReply(reply)
}

// Died reclaims the actor's slot and notifies its supervisor.
func (n *Node) Died(a *core.Actor) {
	if !n.table.remove(a.Name()) {
		return
	}
	n.died.Inc()
	n.pool.Unpin(a.Name())
	log.WithFields(log.Fields{"rank": n.rank, "actor": a.Name()}).Debug("actor died")

	if a.Supervisor() != message.NoActor {
		n.Send(message.New(message.ActionNotifyDeath, a.Name(), a.Supervisor(), message.PackName(a.Name())))
	}
}

// Lookup returns the statistics of a live local actor.
func (n *Node) Lookup(name message.ActorName) (core.Stats, bool) {
	a, ok := n.table.lookup(name)
	if !ok {
		return core.Stats{}, false
	}
	return a.Stats(), true
}

// Pin binds a local actor to a worker.
func (n *Node) Pin(name message.ActorName, worker int) error {
	return n.pool.Pin(name, worker)
}

// Stats returns a snapshot of the node.
func (n *Node) Stats() Stats {
	n.unreachableMu.RLock()
	unreachable := make([]message.NodeRank, 0, len(n.unreachable))
	for rank := range n.unreachable {
		unreachable = append(unreachable, rank)
	}
	n.unreachableMu.RUnlock()

	hits, _ := n.cache.Stats()
	return Stats{
		Rank:        n.rank,
		Actors:      n.table.len(),
		Spawned:     n.spawned.Load(),
		Died:        n.died.Load(),
		Local:       n.local.Load(),
		Remote:      n.remote.Load(),
		Received:    n.received.Load(),
		Failures:    n.failures.Load(),
		Outbound:    n.outbox.len(),
		Unreachable: unreachable,
		Workers:     n.pool.Stats(),
		Multiplexer: n.mux.Stats(),
		CacheHits:   hits,
	}
}
