// Package observer provides typed subscriber lists with unregister tokens.
package observer

import "sync"

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Observers is a list of callbacks notified in registration order.
// The zero value is ready to use and safe for concurrent use.
type Observers[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []entry[T]
}

// Add registers fn and returns a function that unregisters it.
// Calling the returned function more than once is a no-op.
func (o *Observers[T]) Add(fn func(T)) (remove func()) {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.entries = append(o.entries, entry[T]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(id) })
	}
}

func (o *Observers[T]) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, e := range o.entries {
		if e.id == id {
			o.entries = append(o.entries[:i:i], o.entries[i+1:]...)
			return
		}
	}
}

// Notify calls every registered fn with v on the calling goroutine.
// Callbacks run outside the lock and may add or remove observers.
func (o *Observers[T]) Notify(v T) {
	o.mu.RLock()
	snapshot := o.entries
	o.mu.RUnlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len returns the number of registered observers.
func (o *Observers[T]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

// Clear drops every observer.
func (o *Observers[T]) Clear() {
	o.mu.Lock()
	o.entries = nil
	o.mu.Unlock()
}
