package relay

import (
	"context"
	"sync"

	"github.com/udisondev/habproxy/internal/filter"
	"github.com/udisondev/habproxy/internal/protocol"
)

// Intercepted is one decoded frame handed to data observers.
//
// Observers run on the read loop of the frame's direction, so everything they
// decide (block, replace, continue later) applies before the frame is
// forwarded. The value must not be retained past the callback except through
// the resume function returned by ContinueLater.
type Intercepted struct {
	dir  protocol.Direction
	step int

	mu       sync.Mutex
	msg      *protocol.Message
	blocked  bool
	replaced bool

	deferOnce sync.Once
	deferred  bool
	resumed   chan struct{}
	resume    func()
}

func newIntercepted(dir protocol.Direction, step int, msg *protocol.Message, v filter.Verdict) *Intercepted {
	return &Intercepted{
		dir:      dir,
		step:     step,
		msg:      msg,
		blocked:  v == filter.Blocked,
		replaced: v == filter.Replaced,
	}
}

// Direction returns the flow the frame belongs to.
func (i *Intercepted) Direction() protocol.Direction { return i.dir }

// Step is the 1-based index of the frame within its direction.
func (i *Intercepted) Step() int { return i.step }

// Message returns the frame that will be forwarded.
func (i *Intercepted) Message() *protocol.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.msg
}

// Block drops the frame.
func (i *Intercepted) Block() {
	i.mu.Lock()
	i.blocked = true
	i.mu.Unlock()
}

// IsBlocked reports whether the frame will be dropped. Frames blocked by the
// filter chain arrive already blocked.
func (i *Intercepted) IsBlocked() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.blocked
}

// Replace forwards m instead of the decoded frame.
func (i *Intercepted) Replace(m *protocol.Message) {
	m.SetDestination(i.dir.Destination())
	i.mu.Lock()
	i.msg = m
	i.replaced = true
	i.mu.Unlock()
}

// IsReplaced reports whether a different frame will be forwarded.
func (i *Intercepted) IsReplaced() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.replaced
}

// ContinueLater stops the read loop of this direction from reading the next
// frame until the returned resume func is called. The current frame is still
// forwarded as soon as observers return. Calling it again returns the same
// resume func; calling resume more than once is a no-op.
func (i *Intercepted) ContinueLater() (resume func()) {
	i.deferOnce.Do(func() {
		ch := make(chan struct{})
		var once sync.Once
		i.mu.Lock()
		i.deferred = true
		i.resumed = ch
		i.resume = func() { once.Do(func() { close(ch) }) }
		i.mu.Unlock()
	})
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.resume
}

// WasDeferred reports whether an observer took over continuation.
func (i *Intercepted) WasDeferred() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.deferred
}

// wait blocks until resume is called, when continuation was taken over.
func (i *Intercepted) wait(ctx context.Context) error {
	i.mu.Lock()
	ch := i.resumed
	i.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
