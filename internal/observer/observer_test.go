package observer

import (
	"sync"
	"testing"
)

func TestObservers_NotifyInOrder(t *testing.T) {
	var o Observers[int]
	var got []string

	o.Add(func(v int) { got = append(got, "a") })
	o.Add(func(v int) { got = append(got, "b") })
	o.Notify(1)

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("notify order = %v, want [a b]", got)
	}
}

func TestObservers_Remove(t *testing.T) {
	var o Observers[string]
	calls := 0

	remove := o.Add(func(string) { calls++ })
	o.Notify("x")
	remove()
	remove() // idempotent
	o.Notify("y")

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if o.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", o.Len())
	}
}

func TestObservers_RemoveDuringNotify(t *testing.T) {
	var o Observers[int]
	var second int

	var removeSecond func()
	o.Add(func(int) { removeSecond() })
	removeSecond = o.Add(func(int) { second++ })

	// The snapshot taken by Notify still includes the second observer.
	o.Notify(1)
	o.Notify(2)

	if second != 1 {
		t.Fatalf("second observer called %d times, want 1", second)
	}
}

func TestObservers_Clear(t *testing.T) {
	var o Observers[int]
	o.Add(func(int) { t.Fatal("cleared observer called") })
	o.Clear()
	o.Notify(1)
}

func TestObservers_Concurrent(t *testing.T) {
	var o Observers[int]
	var mu sync.Mutex
	total := 0

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			remove := o.Add(func(v int) {
				mu.Lock()
				total += v
				mu.Unlock()
			})
			o.Notify(1)
			remove()
		})
	}
	wg.Wait()

	if o.Len() != 0 {
		t.Fatalf("Len() = %d after all removed", o.Len())
	}
	if total < 8 {
		t.Fatalf("total = %d, want at least 8", total)
	}
}
