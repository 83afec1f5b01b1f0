package scheduler

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/najoast/thorium/core"
	"github.com/najoast/thorium/mempool"
)

// maxScan bounds how far next looks past busy actors.
const maxScan = 64

// WorkerStats contains runtime statistics for a worker.
type WorkerStats struct {
	ID int

	// Items executed by this worker, stolen ones included
	Executed uint64

	// Items taken from another worker's queue
	Stolen uint64

	// Items skipped because their actor was busy elsewhere
	Deferred uint64

	// Handler errors and panics
	Faults uint64

	// Items waiting in the run queue
	Queued int
}

// Worker executes work items from its own run queue and steals from others.
type Worker struct {
	id    int
	pool  *Pool
	queue runQueue
	arena *mempool.Arena
	wake  chan struct{}

	executed atomic.Uint64
	stolen   atomic.Uint64
	deferred atomic.Uint64
	faults   atomic.Uint64
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{
		id:    id,
		pool:  pool,
		arena: mempool.NewArena(pool.cfg.BlockSize, pool.cfg.MaxAllocation),
		wake:  make(chan struct{}, 1),
	}
}

// ID returns the worker's index in the pool.
func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) enqueue(item WorkItem) {
	w.queue.lock.Lock()
	w.queue.push(item)
	w.queue.lock.Unlock()
	w.signal()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop.
func (w *Worker) run(ctx context.Context) error {
	backoff := w.pool.cfg.MinBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		item, ok := w.next()
		if !ok {
			item, ok = w.steal()
		}
		if ok {
			w.execute(item)
			backoff = w.pool.cfg.MinBackoff
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
			backoff = w.pool.cfg.MinBackoff
		case <-timer.C:
			backoff *= 2
			if backoff > w.pool.cfg.MaxBackoff {
				backoff = w.pool.cfg.MaxBackoff
			}
		}
	}
}

// next pops the first local item whose actor is free. Once an actor is
// found busy its later items are skipped too, so its messages keep their
// order.
func (w *Worker) next() (WorkItem, bool) {
	q := &w.queue
	q.lock.Lock()
	defer q.lock.Unlock()

	var busy map[*core.Actor]struct{}
	for i := 0; i < q.len() && i < maxScan; i++ {
		item := q.at(i)
		if _, skip := busy[item.Actor]; !skip && item.Actor.TryAcquire() {
			return q.remove(i), true
		}
		if busy == nil {
			busy = make(map[*core.Actor]struct{})
		}
		busy[item.Actor] = struct{}{}
		w.deferred.Inc()
	}
	return WorkItem{}, false
}

// steal scans the other workers round-robin starting after w and takes the
// head item of the first victim whose head actor is free.
func (w *Worker) steal() (WorkItem, bool) {
	workers := w.pool.workers
	attempts := w.pool.cfg.StealAttempts
	if attempts > len(workers)-1 {
		attempts = len(workers) - 1
	}

	for i := 1; i <= attempts; i++ {
		victim := workers[(w.id+i)%len(workers)]
		q := &victim.queue
		if !q.lock.TryLock() {
			continue
		}
		if q.len() > 0 && q.peek().Actor.TryAcquire() {
			item := q.pop()
			q.lock.Unlock()
			w.stolen.Inc()
			return item, true
		}
		q.lock.Unlock()
	}
	return WorkItem{}, false
}

// execute runs one item inside an arena scope. The actor's marker is held on
// entry and released on exit.
func (w *Worker) execute(item WorkItem) {
	defer item.Actor.Release()

	scope := w.arena.Enter()
	defer scope.Exit()

	w.executed.Inc()
	if err := w.invoke(item); err != nil {
		w.faults.Inc()
		log.WithFields(log.Fields{
			"worker": w.id,
			"actor":  item.Actor.Name(),
			"action": item.Message.Action,
		}).WithError(err).Error("handler fault")
		w.pool.executor.Fault(item, err)
	}
}

func (w *Worker) invoke(item WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return w.pool.executor.Execute(w.arena, item)
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() WorkerStats {
	w.queue.lock.Lock()
	queued := w.queue.len()
	w.queue.lock.Unlock()

	return WorkerStats{
		ID:       w.id,
		Executed: w.executed.Load(),
		Stolen:   w.stolen.Load(),
		Deferred: w.deferred.Load(),
		Faults:   w.faults.Load(),
		Queued:   queued,
	}
}
