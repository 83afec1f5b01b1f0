// Package scheduler runs actors on a fixed set of worker goroutines.
//
// Each worker owns a run queue. A work item is queued on the worker its actor
// has affinity with; idle workers steal from their neighbours. An actor is
// never executed by two workers at once: a worker must acquire the actor's
// in-flight marker before running it.
package scheduler

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/thorium/mempool"
	"github.com/najoast/thorium/message"
)

var (
	// ErrPanic wraps a value recovered from a handler panic.
	ErrPanic = errors.New("handler panic")

	// ErrInvalidWorker is returned when pinning to a worker that does not exist.
	ErrInvalidWorker = errors.New("invalid worker")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("pool already started")
)

// Executor runs work items on behalf of the pool.
type Executor interface {
	// Execute runs one item. The returned error is a handler fault.
	Execute(arena *mempool.Arena, item WorkItem) error

	// Fault is called after Execute failed or panicked.
	Fault(item WorkItem, err error)
}

// Config holds worker pool parameters.
type Config struct {
	Workers       int
	StealAttempts int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration

	// Arena sizes for each worker
	BlockSize     int
	MaxAllocation int
}

// DefaultConfig returns one worker per CPU.
func DefaultConfig() Config {
	return Config{
		Workers:       runtime.NumCPU(),
		StealAttempts: 4,
		MinBackoff:    50 * time.Microsecond,
		MaxBackoff:    5 * time.Millisecond,
		BlockSize:     mempool.DefaultBlockSize,
		MaxAllocation: mempool.DefaultMaxAllocation,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.StealAttempts < 0 {
		c.StealAttempts = 0
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = d.MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
}

// Pool is a fixed set of workers.
type Pool struct {
	cfg      Config
	workers  []*Worker
	executor Executor
	pins     cmap.ConcurrentMap[string, int]

	started atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewPool creates a pool. Workers start with Start.
func NewPool(cfg Config, executor Executor) *Pool {
	cfg.normalize()
	p := &Pool{
		cfg:      cfg,
		executor: executor,
		pins:     cmap.New[int](),
	}
	p.workers = make([]*Worker, cfg.Workers)
	for i := range p.workers {
		p.workers[i] = newWorker(i, p)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		p.group.Go(func() error {
			return w.run(ctx)
		})
	}

	log.WithField("workers", len(p.workers)).Info("worker pool started")
	return nil
}

// Stop stops the workers and waits for them. Items still queued stay queued.
func (p *Pool) Stop() error {
	if !p.started.CompareAndSwap(true, false) {
		return nil
	}
	p.cancel()
	if err := p.group.Wait(); err != nil {
		return fmt.Errorf("stop worker pool: %w", err)
	}
	log.Info("worker pool stopped")
	return nil
}

// Submit queues item on the worker its actor has affinity with.
func (p *Pool) Submit(item WorkItem) {
	p.workers[p.Affinity(item.Actor.Name())].enqueue(item)
}

// Affinity returns the worker an actor's items are queued on.
func (p *Pool) Affinity(name message.ActorName) int {
	if w, ok := p.pins.Get(pinKey(name)); ok {
		return w
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(name))
	return int(xxh3.Hash(buf[:]) % uint64(len(p.workers)))
}

// Pin binds an actor to a worker.
func (p *Pool) Pin(name message.ActorName, worker int) error {
	if worker < 0 || worker >= len(p.workers) {
		return fmt.Errorf("pin actor %d: %w: %d", name, ErrInvalidWorker, worker)
	}
	p.pins.Set(pinKey(name), worker)
	return nil
}

// Unpin removes an actor's binding.
func (p *Pool) Unpin(name message.ActorName) {
	p.pins.Remove(pinKey(name))
}

// Stats returns per-worker statistics.
func (p *Pool) Stats() []WorkerStats {
	stats := make([]WorkerStats, len(p.workers))
	for i, w := range p.workers {
		stats[i] = w.Stats()
	}
	return stats
}

// Queued returns the number of items waiting in all queues.
func (p *Pool) Queued() int {
	total := 0
	for _, w := range p.workers {
		total += w.Stats().Queued
	}
	return total
}

func pinKey(name message.ActorName) string {
	return strconv.Itoa(int(name))
}
