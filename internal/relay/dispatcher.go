package relay

import (
	"log/slog"
	"sync"
)

// dispatcher runs posted callbacks one at a time on its own goroutine, in
// post order. Posting never blocks the caller.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// post queues fn. After stop it is dropped.
func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

// run executes queued callbacks until stop is called and the queue is drained.
func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		call(fn)
	}
}

func call(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("event observer panicked", "panic", rec)
		}
	}()
	fn()
}

// stop makes run return once everything already posted has run.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
}
