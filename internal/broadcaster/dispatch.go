package broadcaster

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/aura-live/signaling/internal/signaling"
)

// dispatcher runs messages for one peer in arrival order while different
// peers proceed in parallel. A peer's goroutine exits once its queue is
// empty.
type dispatcher struct {
	handle func(signaling.Message)

	mu     sync.Mutex
	queues map[string]*deque.Deque[signaling.Message]
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher(handle func(signaling.Message)) *dispatcher {
	return &dispatcher{handle: handle, queues: make(map[string]*deque.Deque[signaling.Message])}
}

// dispatch queues msg for its peer. Messages arriving after wait has
// been called are dropped.
func (d *dispatcher) dispatch(msg signaling.Message) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if q, busy := d.queues[msg.PeerID]; busy {
		q.PushBack(msg)
		d.mu.Unlock()
		return true
	}
	d.queues[msg.PeerID] = &deque.Deque[signaling.Message]{}
	d.wg.Add(1)
	d.mu.Unlock()
	go d.drain(msg)
	return true
}

func (d *dispatcher) drain(msg signaling.Message) {
	defer d.wg.Done()
	peer := msg.PeerID
	for {
		d.handle(msg)

		d.mu.Lock()
		q := d.queues[peer]
		if q.Len() == 0 {
			delete(d.queues, peer)
			d.mu.Unlock()
			return
		}
		msg = q.PopFront()
		d.mu.Unlock()
	}
}

// wait stops accepting messages and blocks until every queued message
// has been handled.
func (d *dispatcher) wait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
