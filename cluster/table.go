package cluster

import (
	"sync"

	"github.com/najoast/thorium/core"
	"github.com/najoast/thorium/message"
)

// table holds the live actors of one node. Slots of dead actors are reused;
// names never are.
type table struct {
	partition Partition
	rank      message.NodeRank

	mu    sync.RWMutex
	slots []*core.Actor
	free  []int
	index map[message.ActorName]int
	next  int32
}

func newTable(partition Partition, rank message.NodeRank) *table {
	return &table{
		partition: partition,
		rank:      rank,
		index:     make(map[message.ActorName]int),
	}
}

// allocate hands out the next unused local name.
func (t *table) allocate() (message.ActorName, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	name, err := t.partition.NameAt(t.rank, t.next)
	if err != nil {
		return message.NoActor, err
	}
	t.next++
	return name, nil
}

func (t *table) insert(a *core.Actor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := len(t.slots)
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[slot] = a
	} else {
		t.slots = append(t.slots, a)
	}
	t.index[a.Name()] = slot
}

func (t *table) lookup(name message.ActorName) (*core.Actor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	slot, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.slots[slot], true
}

// remove frees the slot of name.
func (t *table) remove(name message.ActorName) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.index[name]
	if !ok {
		return false
	}
	delete(t.index, name)
	t.slots[slot] = nil
	t.free = append(t.free, slot)
	return true
}

// spawned reports whether name was ever allocated here.
func (t *table) spawned(name message.ActorName) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partition.IndexOf(name) < t.next
}

func (t *table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index)
}

// capacity returns the number of slots, free ones included.
func (t *table) capacity() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}
