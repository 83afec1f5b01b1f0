package scheduler

import (
	"runtime"

	"go.uber.org/atomic"
)

// TicketLock is a FIFO spin lock. Waiters are served in arrival order and
// yield the processor while spinning.
type TicketLock struct {
	next    atomic.Uint32
	serving atomic.Uint32
}

// Lock takes a ticket and spins until it is served.
func (l *TicketLock) Lock() {
	ticket := l.next.Inc() - 1
	for l.serving.Load() != ticket {
		runtime.Gosched()
	}
}

// TryLock takes the lock only if nobody holds or waits for it.
func (l *TicketLock) TryLock() bool {
	serving := l.serving.Load()
	return l.next.CompareAndSwap(serving, serving+1)
}

// Unlock serves the next ticket.
func (l *TicketLock) Unlock() {
	l.serving.Inc()
}
