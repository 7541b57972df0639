package testutil

import (
	"context"
	"testing"
	"time"
)

// WaitClosed ждёт закрытия канала-сигнала (Done() и т.п.) не дольше timeout.
func WaitClosed[T any](t testing.TB, ch <-chan T, timeout time.Duration) {
	t.Helper()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timer.C:
			t.Fatalf("channel not closed within %v", timeout)
			return
		}
	}
}

// WaitFor ждёт пока condition станет true (polling с timeout).
//
// Пример:
//
//	client.Close()
//	testutil.WaitFor(t, func() bool { return redirector.Restored() }, time.Second)
func WaitFor(t testing.TB, check func() bool, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if check() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("condition not met within %v", timeout)
		case <-ticker.C:
		}
	}
}

// Receive ждёт значение из канала не дольше timeout.
func Receive[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()

	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return v
	case <-time.After(timeout):
		var zero T
		t.Fatalf("nothing received within %v", timeout)
		return zero
	}
}
