// Package multiplexer batches small outbound messages per destination node.
//
// Frames for the same rank are appended to one buffer, sent as a single
// ActionMultiplexerMessage batch once the buffer reaches the size threshold
// or once its oldest frame has waited for the time threshold.
package multiplexer

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/exp/maps"

	"github.com/najoast/thorium/mempool"
	"github.com/najoast/thorium/message"
)

// Sink transmits one encoded buffer to rank. It must not retain buf.
type Sink func(rank message.NodeRank, buf []byte) error

// Config holds multiplexer thresholds.
type Config struct {
	Enabled bool

	// SizeThreshold is the buffered byte count that forces a flush
	SizeThreshold int

	// TimeThreshold is how long the oldest buffered frame may wait.
	// Zero disables batching.
	TimeThreshold time.Duration

	// MinNodes is the smallest cluster that batches
	MinNodes int
}

// DefaultConfig derives thresholds from the transport's preferred message
// size. Batching stays off until TimeThreshold is raised.
func DefaultConfig(preferredSize int) Config {
	return Config{
		Enabled:       true,
		SizeThreshold: preferredSize * 9 / 10,
		TimeThreshold: 0,
		MinNodes:      16,
	}
}

// Stats contains multiplexer counters.
type Stats struct {
	// Messages sent without batching
	Direct uint64

	// Messages sent inside batches
	Batched uint64

	// Batches flushed
	Flushes uint64

	// Bytes waiting in buffers
	Pending int
}

type buffer struct {
	mu     sync.Mutex
	data   []byte
	count  int
	oldest time.Time
}

// Multiplexer is safe for concurrent use.
type Multiplexer struct {
	nodes int
	sink  Sink
	pool  *mempool.BufferPool

	cfgMu sync.RWMutex
	cfg   Config

	mu      sync.Mutex
	buffers map[message.NodeRank]*buffer

	direct  atomic.Uint64
	batched atomic.Uint64
	flushes atomic.Uint64
}

// New creates a multiplexer for a cluster of the given size.
func New(cfg Config, nodes int, sink Sink) *Multiplexer {
	if cfg.SizeThreshold <= message.BatchHeaderSize {
		cfg.SizeThreshold = mempool.DefaultBlockSize
	}
	return &Multiplexer{
		nodes:   nodes,
		sink:    sink,
		pool:    mempool.NewBufferPool(cfg.SizeThreshold + message.HeaderSize),
		cfg:     cfg,
		buffers: make(map[message.NodeRank]*buffer),
	}
}

// Config returns the current thresholds.
func (m *Multiplexer) Config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// SetThresholds changes the flush thresholds. Pending buffers are flushed
// when batching is turned off.
func (m *Multiplexer) SetThresholds(size int, wait time.Duration) error {
	m.cfgMu.Lock()
	if size > message.BatchHeaderSize {
		m.cfg.SizeThreshold = size
	}
	m.cfg.TimeThreshold = wait
	m.cfgMu.Unlock()

	if wait == 0 {
		return m.FlushAll()
	}
	return nil
}

// SetEnabled turns batching on or off.
func (m *Multiplexer) SetEnabled(enabled bool) error {
	m.cfgMu.Lock()
	m.cfg.Enabled = enabled
	m.cfgMu.Unlock()

	if !enabled {
		return m.FlushAll()
	}
	return nil
}

// Batching reports whether Send would buffer msg.
func (m *Multiplexer) Batching(msg *message.Message) bool {
	cfg := m.Config()
	if !cfg.Enabled || cfg.TimeThreshold == 0 || m.nodes < cfg.MinNodes {
		return false
	}
	return !msg.Action.IsControl()
}

// Send encodes msg for msg.DestinationNode, either now or as part of a batch.
func (m *Multiplexer) Send(msg *message.Message) error {
	rank := msg.DestinationNode
	if !m.Batching(msg) {
		buf := m.pool.Get(msg.Size())
		buf, err := message.AppendFrame(buf, msg)
		if err != nil {
			return err
		}
		m.direct.Inc()
		err = m.sink(rank, buf)
		m.pool.Put(buf)
		return err
	}

	b := m.buffer(rank)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		b.data = m.pool.Get(m.Config().SizeThreshold + message.HeaderSize)
		b.data = b.data[:message.BatchHeaderSize]
		b.oldest = time.Now()
	}
	data, err := message.AppendFrame(b.data, msg)
	if err != nil {
		if b.count == 0 {
			m.pool.Put(b.data)
			b.data = nil
		}
		return err
	}
	b.data = data
	b.count++

	if len(b.data) >= m.Config().SizeThreshold {
		return m.flushLocked(rank, b)
	}
	return nil
}

func (m *Multiplexer) buffer(rank message.NodeRank) *buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[rank]
	if !ok {
		b = &buffer{}
		m.buffers[rank] = b
	}
	return b
}

// flushLocked sends b. A lone frame goes out without the batch envelope.
func (m *Multiplexer) flushLocked(rank message.NodeRank, b *buffer) error {
	if b.count == 0 {
		return nil
	}

	out := b.data
	if b.count == 1 {
		out = b.data[message.BatchHeaderSize:]
	} else if err := message.SealBatch(b.data, b.count); err != nil {
		return err
	}

	err := m.sink(rank, out)
	m.batched.Add(uint64(b.count))
	m.flushes.Inc()
	m.pool.Put(b.data)
	b.data = nil
	b.count = 0
	if err != nil {
		return fmt.Errorf("flush to rank %d: %w", rank, err)
	}
	return nil
}

func (m *Multiplexer) ranks() []message.NodeRank {
	m.mu.Lock()
	ranks := maps.Keys(m.buffers)
	m.mu.Unlock()
	slices.Sort(ranks)
	return ranks
}

// FlushExpired flushes every buffer whose oldest frame is at least the time
// threshold old at now.
func (m *Multiplexer) FlushExpired(now time.Time) error {
	wait := m.Config().TimeThreshold
	var errs []error
	for _, rank := range m.ranks() {
		b := m.buffer(rank)
		b.mu.Lock()
		if b.count > 0 && now.Sub(b.oldest) >= wait {
			if err := m.flushLocked(rank, b); err != nil {
				errs = append(errs, err)
			}
		}
		b.mu.Unlock()
	}
	return errors.Join(errs...)
}

// FlushAll flushes every buffer in rank order.
func (m *Multiplexer) FlushAll() error {
	var errs []error
	for _, rank := range m.ranks() {
		b := m.buffer(rank)
		b.mu.Lock()
		if err := m.flushLocked(rank, b); err != nil {
			errs = append(errs, err)
		}
		b.mu.Unlock()
	}
	if len(errs) > 0 {
		log.WithField("failed", len(errs)).Warn("multiplexer flush incomplete")
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the counters.
func (m *Multiplexer) Stats() Stats {
	pending := 0
	for _, rank := range m.ranks() {
		b := m.buffer(rank)
		b.mu.Lock()
		if b.count > 0 {
			pending += len(b.data) - message.BatchHeaderSize
		}
		b.mu.Unlock()
	}
	return Stats{
		Direct:  m.direct.Load(),
		Batched: m.batched.Load(),
		Flushes: m.flushes.Load(),
		Pending: pending,
	}
}
