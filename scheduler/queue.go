package scheduler

import (
	"github.com/najoast/thorium/core"
	"github.com/najoast/thorium/message"
)

// WorkItem is one message bound to the actor that will execute it.
type WorkItem struct {
	Actor   *core.Actor
	Message *message.Message
}

// runQueue is a FIFO of work items. Every method expects the caller to hold
// lock.
type runQueue struct {
	lock  TicketLock
	items []WorkItem
	head  int
}

func (q *runQueue) len() int {
	return len(q.items) - q.head
}

func (q *runQueue) push(item WorkItem) {
	if q.head > 0 && q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	q.items = append(q.items, item)
}

func (q *runQueue) peek() WorkItem {
	return q.items[q.head]
}

func (q *runQueue) at(i int) WorkItem {
	return q.items[q.head+i]
}

// remove takes the i-th item out, keeping the order of the rest.
func (q *runQueue) remove(i int) WorkItem {
	if i == 0 {
		return q.pop()
	}
	pos := q.head + i
	item := q.items[pos]
	copy(q.items[pos:], q.items[pos+1:])
	q.items[len(q.items)-1] = WorkItem{}
	q.items = q.items[:len(q.items)-1]
	return item
}

func (q *runQueue) pop() WorkItem {
	item := q.items[q.head]
	q.items[q.head] = WorkItem{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item
}
