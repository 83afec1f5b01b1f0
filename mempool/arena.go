// Package mempool provides buffers with pool-scoped lifetime.
//
// An Arena is owned by a single goroutine. Memory handed out between Enter
// and the matching Scope.Exit must not be referenced after Exit.
package mempool

import (
	"errors"
	"fmt"
)

// ErrAllocation is returned when a request cannot be satisfied.
var ErrAllocation = errors.New("allocation failure")

// Default arena sizes
const (
	DefaultBlockSize     = 64 * 1024
	DefaultMaxAllocation = 256 * 1024 * 1024
)

type block struct {
	data []byte
	used int
}

// Arena is a bump allocator over a list of blocks.
type Arena struct {
	blockSize     int
	maxAllocation int

	blocks  []*block
	current int

	// bytes handed out since creation, for statistics
	allocated uint64
	depth     int
}

// mark is a position in the arena a scope rewinds to.
type mark struct {
	block int
	used  int
}

// Scope releases on Exit everything allocated since it was entered.
type Scope struct {
	arena *Arena
	mark  mark
	depth int
}

// NewArena creates an arena. Zero values select the defaults.
func NewArena(blockSize, maxAllocation int) *Arena {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if maxAllocation <= 0 {
		maxAllocation = DefaultMaxAllocation
	}
	return &Arena{
		blockSize:     blockSize,
		maxAllocation: maxAllocation,
	}
}

// Enter opens a scope.
func (a *Arena) Enter() *Scope {
	a.depth++
	m := mark{block: a.current}
	if a.current < len(a.blocks) {
		m.used = a.blocks[a.current].used
	}
	return &Scope{arena: a, mark: m, depth: a.depth}
}

// Exit releases the scope. Scopes must be exited in LIFO order.
func (s *Scope) Exit() {
	a := s.arena
	if a == nil {
		return
	}
	if s.depth != a.depth {
		panic(fmt.Sprintf("mempool: scope exited out of order (depth %d, arena at %d)", s.depth, a.depth))
	}
	a.depth--
	for i := s.mark.block + 1; i < len(a.blocks) && i <= a.current; i++ {
		a.blocks[i].used = 0
	}
	if s.mark.block < len(a.blocks) {
		a.blocks[s.mark.block].used = s.mark.used
	}
	a.current = s.mark.block
	s.arena = nil
}

// Allocate returns n zeroed bytes valid until the innermost scope exits.
func (a *Arena) Allocate(n int) ([]byte, error) {
	if n < 0 || n > a.maxAllocation {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrAllocation, n, a.maxAllocation)
	}
	if n == 0 {
		return []byte{}, nil
	}

	for {
		if a.current >= len(a.blocks) {
			size := a.blockSize
			if n > size {
				size = n
			}
			a.blocks = append(a.blocks, &block{data: make([]byte, size)})
		}

		b := a.blocks[a.current]
		if len(b.data)-b.used >= n {
			buf := b.data[b.used : b.used+n : b.used+n]
			b.used += n
			clear(buf)
			a.allocated += uint64(n)
			return buf, nil
		}

		// An oversized request on a fresh standard block gets its own block.
		if b.used == 0 && n > len(b.data) {
			b.data = make([]byte, n)
			continue
		}
		a.current++
		if a.current < len(a.blocks) {
			a.blocks[a.current].used = 0
		}
	}
}

// Copy allocates a copy of src in the arena.
func (a *Arena) Copy(src []byte) ([]byte, error) {
	buf, err := a.Allocate(len(src))
	if err != nil {
		return nil, err
	}
	copy(buf, src)
	return buf, nil
}

// InUse returns the bytes currently held by open scopes.
func (a *Arena) InUse() int {
	total := 0
	for i := 0; i <= a.current && i < len(a.blocks); i++ {
		total += a.blocks[i].used
	}
	return total
}

// Reserved returns the bytes owned by the arena's blocks.
func (a *Arena) Reserved() int {
	total := 0
	for _, b := range a.blocks {
		total += len(b.data)
	}
	return total
}

// Allocated returns the total bytes handed out since creation.
func (a *Arena) Allocated() uint64 {
	return a.allocated
}
