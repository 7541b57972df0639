// Package schedule resends a fixed frame on a timer.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/udisondev/habproxy/internal/protocol"
)

var (
	// ErrRunning is returned by Start on a schedule that is already running.
	ErrRunning = errors.New("schedule already running")
	// ErrInvalid is returned by Start for a non-positive interval or burst.
	ErrInvalid = errors.New("invalid schedule")
)

// Sender delivers one frame. relay.Relay.SendToServer and SendToClient fit.
type Sender func(*protocol.Message) error

// Schedule sends Message Burst times on every tick of Interval. A positive
// Cycles stops it after that many ticks.
type Schedule struct {
	Message  *protocol.Message
	Interval time.Duration
	Burst    int
	Cycles   int

	send Sender

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	ticks   int
	lastErr error
}

// New creates a stopped schedule.
func New(msg *protocol.Message, interval time.Duration, burst int, send Sender) *Schedule {
	return &Schedule{
		Message:  msg,
		Interval: interval,
		Burst:    burst,
		send:     send,
	}
}

// Start begins ticking until Stop, ctx cancellation, the Cycles limit or a
// send failure.
func (s *Schedule) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrRunning
	}
	if s.Interval <= 0 || s.Burst <= 0 || s.Message == nil {
		return fmt.Errorf("%w: interval=%v burst=%d", ErrInvalid, s.Interval, s.Burst)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.ticks, s.lastErr = 0, nil

	go s.loop(ctx, done, s.Message.Clone(), s.Interval, s.Burst, s.Cycles)
	return nil
}

func (s *Schedule) loop(ctx context.Context, done chan struct{}, msg *protocol.Message, interval time.Duration, burst, cycles int) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for range burst {
			if err := s.send(msg); err != nil {
				slog.Warn("scheduled send failed, stopping",
					"header", msg.Header(),
					"err", err)
				s.mu.Lock()
				s.lastErr = err
				s.mu.Unlock()
				return
			}
		}

		s.mu.Lock()
		s.ticks++
		n := s.ticks
		s.mu.Unlock()
		if cycles > 0 && n >= cycles {
			return
		}
	}
}

// Stop halts the schedule and waits for the current tick to finish.
// Stopping a stopped schedule is a no-op.
func (s *Schedule) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the schedule is ticking.
func (s *Schedule) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Ticks returns how many ticks completed in the current or last run.
func (s *Schedule) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Err returns the send error that stopped the last run, if any.
func (s *Schedule) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
