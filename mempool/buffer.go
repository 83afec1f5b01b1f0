package mempool

import (
	"sync"

	"go.uber.org/atomic"
)

// BufferPool recycles byte blocks of at least a fixed capacity. Unlike an
// Arena it is safe for concurrent use; a block belongs to whoever called Get
// until it is handed back with Put.
type BufferPool struct {
	size int
	pool sync.Pool

	gets   atomic.Uint64
	misses atomic.Uint64
}

// NewBufferPool creates a pool of blocks with the given capacity.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBlockSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() interface{} {
		bp.misses.Inc()
		buf := make([]byte, 0, bp.size)
		return &buf
	}
	return bp
}

// Get returns an empty block with capacity of at least min bytes.
func (bp *BufferPool) Get(min int) []byte {
	bp.gets.Inc()
	if min > bp.size {
		bp.misses.Inc()
		return make([]byte, 0, min)
	}
	buf := bp.pool.Get().(*[]byte)
	return (*buf)[:0]
}

// Put hands a block back. Blocks smaller than the pool size are dropped.
func (bp *BufferPool) Put(buf []byte) {
	if cap(buf) < bp.size || cap(buf) > 4*bp.size {
		return
	}
	buf = buf[:0]
	bp.pool.Put(&buf)
}

// Size returns the nominal block capacity.
func (bp *BufferPool) Size() int {
	return bp.size
}

// Stats returns the number of Get calls and how many needed a new block.
func (bp *BufferPool) Stats() (gets, misses uint64) {
	return bp.gets.Load(), bp.misses.Load()
}
