package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/najoast/thorium/config"
	"github.com/najoast/thorium/core"
	"github.com/najoast/thorium/mempool"
	"github.com/najoast/thorium/message"
	"github.com/najoast/thorium/network"
)

const (
	actionToken  message.Action = 100
	actionQuery  message.Action = 101
	actionAnswer message.Action = 102
	actionPing   message.Action = 103
)

type testCluster struct {
	hub   *network.Hub
	nodes []*Node
}

func newTestCluster(t *testing.T, size int, scripts *core.Registry, tweak func(*Config)) *testCluster {
	t.Helper()
	hub := network.NewHub(size, network.DefaultPreferredMessageSize)
	c := &testCluster{hub: hub}
	for rank := 0; rank < size; rank++ {
		cfg := DefaultConfig(network.DefaultPreferredMessageSize)
		cfg.Scheduler.Workers = 2
		cfg.Scheduler.MaxBackoff = time.Millisecond
		if tweak != nil {
			tweak(&cfg)
		}
		n, err := NewNode(cfg, hub.Endpoint(message.NodeRank(rank)), scripts)
		require.NoError(t, err)
		c.nodes = append(c.nodes, n)
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			assert.NoError(t, n.Stop(context.Background()))
		}
		for rank := range c.nodes {
			_ = hub.Endpoint(message.NodeRank(rank)).Stop(context.Background())
		}
	})
	return c
}

func (c *testCluster) start(t *testing.T) {
	t.Helper()
	for _, n := range c.nodes {
		require.NoError(t, n.Start(context.Background()))
	}
}

func await[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

// collector returns a behavior that forwards every message of action to ch.
func collector(action message.Action, ch chan<- *message.Message) core.Behavior {
	return core.Routes{
		action: func(ctx *core.Context, msg *message.Message) error {
			ch <- msg.Clone()
			return nil
		},
	}
}

// deliveries counts what each receiver saw.
type deliveries struct {
	mu       sync.Mutex
	counts   map[message.ActorName]int
	source   map[message.ActorName]bool
	payload  map[string]bool
	received int
}

func newDeliveries() *deliveries {
	return &deliveries{
		counts:  make(map[message.ActorName]int),
		source:  make(map[message.ActorName]bool),
		payload: make(map[string]bool),
	}
}

func (d *deliveries) add(name, source message.ActorName, payload string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[name]++
	d.source[source] = true
	d.payload[payload] = true
	d.received++
}

func (d *deliveries) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received
}

func (d *deliveries) count(name message.ActorName) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[name]
}

func (d *deliveries) sources() []message.ActorName {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]message.ActorName, 0, len(d.source))
	for name := range d.source {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *deliveries) payloads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.payload))
	for p := range d.payload {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func TestRingCounter(t *testing.T) {
	for _, workers := range []int{1, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			c := newTestCluster(t, 3, nil, func(cfg *Config) {
				cfg.Scheduler.Workers = workers
			})

			var hops atomic.Int32
			type finish struct {
				observer message.ActorName
				hops     int32
			}
			done := make(chan finish, 1)
			names := make([]message.ActorName, 3)
			for i := range names {
				i := i
				routes := core.Routes{
					actionToken: func(ctx *core.Context, msg *message.Message) error {
						v, err := message.UnpackInt32(msg.Payload)
						if err != nil {
							return err
						}
						if v == 0 {
							ctx.Send(names[0], actionAnswer, nil)
							return nil
						}
						hops.Inc()
						ctx.Send(names[(i+1)%len(names)], actionToken, message.PackInt32(v-1))
						return nil
					},
				}
				if i == 0 {
					// the initiator starts the counter and is told when it runs out
					routes[actionPing] = func(ctx *core.Context, msg *message.Message) error {
						ctx.Send(ctx.Name(), actionToken, msg.Payload)
						return nil
					}
					routes[actionAnswer] = func(ctx *core.Context, _ *message.Message) error {
						done <- finish{observer: ctx.Name(), hops: hops.Load()}
						return nil
					}
				}
				name, err := c.nodes[i].Spawn(routes, message.NoActor)
				require.NoError(t, err)
				names[i] = name
			}
			c.start(t)

			c.nodes[0].Send(message.New(actionPing, message.NoActor, names[0], message.PackInt32(100)))
			got := await(t, done)
			assert.Equal(t, names[0], got.observer)
			assert.Equal(t, int32(100), got.hops)
		})
	}
}

func TestDeterministicPlacement(t *testing.T) {
	spawnAll := func() [][]message.ActorName {
		c := newTestCluster(t, 4, nil, nil)
		placed := make([][]message.ActorName, 4)
		for i := 0; i < 1000; i++ {
			rank := i % 4
			name, err := c.nodes[rank].Spawn(core.Routes{}, message.NoActor)
			require.NoError(t, err)
			placed[rank] = append(placed[rank], name)
		}
		for rank, n := range c.nodes {
			// the agent plus 250 actors
			assert.Equal(t, 251, n.Stats().Actors)
			for _, name := range placed[rank] {
				owner, err := n.Resolve(name)
				require.NoError(t, err)
				assert.Equal(t, message.NodeRank(rank), owner)
			}
		}
		return placed
	}

	first := spawnAll()
	second := spawnAll()
	assert.Equal(t, first, second)

	seen := make(map[message.ActorName]bool)
	for _, names := range first {
		for _, name := range names {
			assert.False(t, seen[name], "name %d handed out twice", name)
			seen[name] = true
		}
	}
	assert.Len(t, seen, 1000)
}

func askOnce(t *testing.T, n *Node, target message.ActorName) *message.Message {
	t.Helper()
	replies := make(chan *message.Message, 1)
	_, err := n.Spawn(core.BehaviorFunc(func(ctx *core.Context) error {
		return ctx.Ask(target, actionPing, nil, func(ctx *core.Context, reply *message.Message) error {
			replies <- reply.Clone()
			return nil
		})
	}), message.NoActor)
	require.NoError(t, err)
	return await(t, replies)
}

func TestDeliveryFailureForUnknownActor(t *testing.T) {
	c := newTestCluster(t, 2, nil, nil)
	c.start(t)

	target, err := c.nodes[1].Partition().NameAt(1, 500)
	require.NoError(t, err)

	reply := askOnce(t, c.nodes[0], target)
	assert.Equal(t, message.ActionDeliveryFailure, reply.Action)
	assert.Equal(t, target, reply.Source)
	assert.True(t, reply.IsReply())

	derr, err := ParseDeliveryFailure(reply)
	require.NoError(t, err)
	assert.Equal(t, actionPing, derr.Action)
	assert.Equal(t, target, derr.Destination)
	assert.Equal(t, uint64(1), c.nodes[1].Stats().Failures)
}

func TestDeliveryFailureForUnreachableNode(t *testing.T) {
	c := newTestCluster(t, 3, nil, nil)
	c.start(t)
	c.hub.Disconnect(2)

	target := c.nodes[0].AgentName(2)
	reply := askOnce(t, c.nodes[0], target)
	assert.Equal(t, message.ActionDeliveryFailure, reply.Action)
	assert.Equal(t, target, reply.Source)
	assert.Contains(t, c.nodes[0].Stats().Unreachable, message.NodeRank(2))

	// the mark short-circuits later sends
	reply = askOnce(t, c.nodes[0], target)
	assert.Equal(t, message.ActionDeliveryFailure, reply.Action)

	c.hub.Reconnect(2)
	c.nodes[0].MarkReachable(2)
	assert.Empty(t, c.nodes[0].Stats().Unreachable)
}

func TestRemoteSpawn(t *testing.T) {
	scripts := core.NewRegistry()
	scripts.MustRegister("echo", func() core.Behavior {
		return core.Routes{
			actionPing: func(ctx *core.Context, msg *message.Message) error {
				return ctx.Reply(actionAnswer, msg.Payload)
			},
		}
	})
	c := newTestCluster(t, 2, scripts, nil)
	c.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name, err := c.nodes[0].SpawnRemote(ctx, 1, "echo")
	require.NoError(t, err)
	owner, err := c.nodes[0].Resolve(name)
	require.NoError(t, err)
	assert.Equal(t, message.NodeRank(1), owner)
	_, ok := c.nodes[1].Lookup(name)
	assert.True(t, ok)

	reply := askOnce(t, c.nodes[0], name)
	assert.Equal(t, actionAnswer, reply.Action)

	_, err = c.nodes[0].SpawnRemote(ctx, 1, "missing")
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestCachedReplies(t *testing.T) {
	c := newTestCluster(t, 2, nil, func(cfg *Config) {
		cfg.CacheActions = []message.Action{actionQuery}
	})

	var handled atomic.Int32
	responder, err := c.nodes[1].Spawn(core.Routes{
		actionQuery: func(ctx *core.Context, msg *message.Message) error {
			handled.Inc()
			return ctx.Reply(actionAnswer, message.PackInt32(42))
		},
	}, message.NoActor)
	require.NoError(t, err)

	answers := make(chan *message.Message, 2)
	requester, err := c.nodes[0].Spawn(collector(actionAnswer, answers), message.NoActor)
	require.NoError(t, err)
	c.start(t)

	request := func() *message.Message {
		req := message.New(actionQuery, requester, responder, nil)
		req.Conversation = 7
		c.nodes[0].Send(req)
		return await(t, answers)
	}

	first := request()
	assert.False(t, first.HasFlag(message.FlagCached))
	second := request()
	assert.True(t, second.HasFlag(message.FlagCached))

	for _, reply := range []*message.Message{first, second} {
		v, err := message.UnpackInt32(reply.Payload)
		require.NoError(t, err)
		assert.Equal(t, int32(42), v)
		assert.Equal(t, int32(7), reply.Conversation)
	}
	assert.Equal(t, int32(1), handled.Load())

	hits, _ := c.nodes[1].Cache().Stats()
	assert.Equal(t, uint64(1), hits)
}

func TestCooperativeStop(t *testing.T) {
	c := newTestCluster(t, 1, nil, nil)
	n := c.nodes[0]

	deaths := make(chan message.ActorName, 1)
	children := make(chan message.ActorName, 1)
	_, err := n.Spawn(core.BehaviorFunc(func(ctx *core.Context) error {
		ctx.AddRoute(message.ActionNotifyDeath, func(ctx *core.Context, msg *message.Message) error {
			name, err := message.UnpackName(msg.Payload)
			deaths <- name
			return err
		})
		child, err := ctx.SpawnBehavior(core.Routes{})
		if err != nil {
			return err
		}
		children <- child
		ctx.Send(child, message.ActionAskToStop, nil)
		return nil
	}), message.NoActor)
	require.NoError(t, err)
	c.start(t)

	child := await(t, children)
	assert.Equal(t, child, await(t, deaths))
	_, ok := n.Lookup(child)
	assert.False(t, ok)

	// late messages to the dead actor are dropped, not bounced
	failures := n.Stats().Failures
	n.Send(message.New(actionPing, message.NoActor, child, nil))
	assert.Equal(t, failures, n.Stats().Failures)

	// names are not reused
	next, err := n.Spawn(core.Routes{}, message.NoActor)
	require.NoError(t, err)
	assert.Greater(t, next, child)
}

func TestHandlerFaultKillsActor(t *testing.T) {
	c := newTestCluster(t, 1, nil, nil)
	n := c.nodes[0]

	deaths := make(chan *message.Message, 1)
	supervisor, err := n.Spawn(collector(message.ActionNotifyDeath, deaths), message.NoActor)
	require.NoError(t, err)
	victim, err := n.Spawn(core.Routes{
		actionPing: func(*core.Context, *message.Message) error { panic("boom") },
	}, supervisor)
	require.NoError(t, err)
	c.start(t)

	n.Send(message.New(actionPing, message.NoActor, victim, nil))
	death := await(t, deaths)
	assert.Equal(t, victim, death.Source)
	_, ok := n.Lookup(victim)
	assert.False(t, ok)
}

func TestLookupWhileAsking(t *testing.T) {
	c := newTestCluster(t, 1, nil, nil)
	n := c.nodes[0]

	echo, err := n.Spawn(core.Routes{
		actionPing: func(ctx *core.Context, _ *message.Message) error {
			return ctx.Reply(actionAnswer, nil)
		},
	}, message.NoActor)
	require.NoError(t, err)

	const rounds = 500
	done := make(chan struct{})
	var round int
	var again core.Continuation
	again = func(ctx *core.Context, _ *message.Message) error {
		round++
		if round == rounds {
			close(done)
			return nil
		}
		return ctx.Ask(echo, actionPing, nil, again)
	}
	asker, err := n.Spawn(core.BehaviorFunc(func(ctx *core.Context) error {
		return ctx.Ask(echo, actionPing, nil, again)
	}), message.NoActor)
	require.NoError(t, err)
	c.start(t)

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case <-done:
			stats, ok := n.Lookup(asker)
			require.True(t, ok)
			assert.Zero(t, stats.Pending)
			assert.Greater(t, stats.Processed, uint64(rounds))
			return
		default:
		}
		require.True(t, time.Now().Before(deadline), "asker did not finish")
		stats, ok := n.Lookup(asker)
		require.True(t, ok)
		assert.LessOrEqual(t, stats.Pending, 1)
	}
}

// stuckTransport holds every send until release is closed.
type stuckTransport struct {
	size    int
	inbox   chan network.Packet
	release chan struct{}
	sends   atomic.Int32
}

func (s *stuckTransport) Rank() message.NodeRank { return 0 }
func (s *stuckTransport) Size() int { return s.size }
func (s *stuckTransport) PreferredMessageSize() int { return network.DefaultPreferredMessageSize }
func (s *stuckTransport) Receive() <-chan network.Packet { return s.inbox }
func (s *stuckTransport) Start(context.Context) error { return nil }
func (s *stuckTransport) Stop(context.Context) error { return nil }

func (s *stuckTransport) Send(ctx context.Context, _ message.NodeRank, _ []byte) error {
	s.sends.Inc()
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowPeerDoesNotStallWorkers(t *testing.T) {
	link := &stuckTransport{size: 2, inbox: make(chan network.Packet), release: make(chan struct{})}
	cfg := DefaultConfig(network.DefaultPreferredMessageSize)
	cfg.Scheduler.Workers = 1
	cfg.Scheduler.MaxBackoff = time.Millisecond
	n, err := NewNode(cfg, link, nil)
	require.NoError(t, err)

	got := make(chan *message.Message, 1)
	local, err := n.Spawn(collector(actionPing, got), message.NoActor)
	require.NoError(t, err)
	_, err = n.Spawn(core.BehaviorFunc(func(ctx *core.Context) error {
		ctx.Send(n.AgentName(1), actionPing, nil)
		ctx.Send(local, actionPing, []byte("local"))
		return nil
	}), message.NoActor)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	// the only worker keeps running while the remote send is stuck
	assert.Equal(t, "local", string(await(t, got).Payload))
	assert.Eventually(t, func() bool { return link.sends.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), n.Stats().Remote)

	close(link.release)
	require.NoError(t, n.Stop(context.Background()))
	assert.Empty(t, n.Stats().Unreachable)
}

func TestAllocationFailureIsFatal(t *testing.T) {
	c := newTestCluster(t, 1, nil, func(cfg *Config) {
		cfg.Scheduler.MaxAllocation = 1024
	})
	n := c.nodes[0]

	fatal := make(chan error, 1)
	n.SetFatalHook(func(err error) { fatal <- err })

	greedy, err := n.Spawn(core.Routes{
		actionPing: func(ctx *core.Context, _ *message.Message) error {
			_, err := ctx.Arena().Allocate(4096)
			return err
		},
	}, message.NoActor)
	require.NoError(t, err)
	c.start(t)

	n.Send(message.New(actionPing, message.NoActor, greedy, nil))
	assert.ErrorIs(t, await(t, fatal), mempool.ErrAllocation)
}

func TestBroadcastAcrossNodes(t *testing.T) {
	c := newTestCluster(t, 4, nil, func(cfg *Config) {
		cfg.BroadcastThreshold = 2
		cfg.Multiplexer.MinNodes = 0
		cfg.Multiplexer.TimeThreshold = time.Millisecond
	})

	received := newDeliveries()
	var names []message.ActorName
	for i := 0; i < 23; i++ {
		name, err := c.nodes[i%4].Spawn(core.Routes{
			actionPing: func(ctx *core.Context, msg *message.Message) error {
				received.add(ctx.Name(), msg.Source, string(msg.Payload))
				return nil
			},
		}, message.NoActor)
		require.NoError(t, err)
		names = append(names, name)
	}

	sender, err := c.nodes[1].Spawn(core.BehaviorFunc(func(ctx *core.Context) error {
		ctx.SendToMany(names, actionPing, []byte("hello"))
		return nil
	}), message.NoActor)
	require.NoError(t, err)
	c.start(t)

	assert.Eventually(t, func() bool { return received.total() == len(names) }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	for _, name := range names {
		assert.Equal(t, 1, received.count(name), "actor %d", name)
	}
	assert.Equal(t, []message.ActorName{sender}, received.sources())
	assert.Equal(t, []string{"hello"}, received.payloads())

	var batched uint64
	for _, n := range c.nodes {
		batched += n.Stats().Multiplexer.Batched
	}
	assert.Positive(t, batched)
}

func TestApplyConfig(t *testing.T) {
	c := newTestCluster(t, 2, nil, nil)
	n := c.nodes[0]

	cfg := config.DefaultConfig()
	cfg.Node.Size = 2
	cfg.Multiplexer.SizeThreshold = 2048
	cfg.Multiplexer.TimeThreshold = 3 * time.Millisecond
	cfg.Cache.Actions = []int32{int32(actionQuery)}
	require.NoError(t, n.ApplyConfig(cfg))

	mux := n.Multiplexer().Config()
	assert.Equal(t, 2048, mux.SizeThreshold)
	assert.Equal(t, 3*time.Millisecond, mux.TimeThreshold)
	assert.True(t, n.Cache().Enabled(actionQuery))

	cfg.Cache.Actions = nil
	cfg.Multiplexer.Enabled = false
	require.NoError(t, n.ApplyConfig(cfg))
	assert.False(t, n.Cache().Enabled(actionQuery))
	assert.False(t, n.Multiplexer().Config().Enabled)
}

func TestNewConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Node.Partition = PartitionBlock
	cfg.Node.BlockSize = 64
	cfg.Scheduler.Workers = 3
	cfg.Broadcast.Threshold = 8
	cfg.Cache.Actions = []int32{5, 6}

	nc := NewConfig(cfg)
	assert.Equal(t, PartitionBlock, nc.Partition)
	assert.Equal(t, 64, nc.BlockSize)
	assert.Equal(t, 3, nc.Scheduler.Workers)
	assert.Equal(t, 8, nc.BroadcastThreshold)
	assert.Equal(t, []message.Action{5, 6}, nc.CacheActions)
	assert.Equal(t, cfg.SizeThreshold(), nc.Multiplexer.SizeThreshold)
}

func TestStartTwice(t *testing.T) {
	c := newTestCluster(t, 1, nil, nil)
	c.start(t)
	assert.ErrorIs(t, c.nodes[0].Start(context.Background()), ErrAlreadyStarted)
}
