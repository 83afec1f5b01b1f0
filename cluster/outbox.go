package cluster

import (
	"sync"

	"github.com/najoast/thorium/message"
)

// outbox hands remote messages from workers to the transport thread. push
// never blocks, so a slow peer cannot hold a worker.
type outbox struct {
	mu    sync.Mutex
	queue []*message.Message
	ready chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

func (o *outbox) push(msg *message.Message) {
	o.mu.Lock()
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// take returns everything queued so far in push order.
func (o *outbox) take() []*message.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.queue
	o.queue = nil
	return out
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}
