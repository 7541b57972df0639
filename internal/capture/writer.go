package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udisondev/habproxy/internal/relay"
	"github.com/udisondev/habproxy/internal/triggers"
)

// WriterConfig tunes the asynchronous writer.
type WriterConfig struct {
	// Buffer is the number of records queued before new ones are dropped.
	Buffer int
	// BatchSize flushes as soon as this many records are pending.
	BatchSize int
	// FlushInterval flushes whatever is pending at least this often.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns the writer defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Buffer:        4096,
		BatchSize:     256,
		FlushInterval: time.Second,
	}
}

// shutdownFlushTimeout bounds the final flush after Run's context ends.
const shutdownFlushTimeout = 5 * time.Second

// Writer queues records from the relay and saves them in batches on its own
// goroutine. Recording never blocks: when the queue is full records are
// dropped and counted.
type Writer struct {
	store Store
	cfg   WriterConfig

	frames chan Frame
	events chan Event

	dropped atomic.Int64
	saved   atomic.Int64
	now     func() time.Time

	mu       sync.Mutex
	sessions map[*relay.Relay]func()
}

// NewWriter creates a writer for store. Zero config fields take defaults.
func NewWriter(store Store, cfg WriterConfig) *Writer {
	def := DefaultWriterConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &Writer{
		store:    store,
		cfg:      cfg,
		frames:   make(chan Frame, cfg.Buffer),
		events:   make(chan Event, cfg.Buffer),
		now:      time.Now,
		sessions: map[*relay.Relay]func(){},
	}
}

// RecordFrame queues f.
func (w *Writer) RecordFrame(f Frame) {
	select {
	case w.frames <- f:
	default:
		w.dropped.Add(1)
	}
}

// RecordEvent queues e.
func (w *Writer) RecordEvent(e Event) {
	select {
	case w.events <- e:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Saved returns how many records the store accepted.
func (w *Writer) Saved() int64 { return w.saved.Load() }

// Attach records every frame and event of r under a fresh session id.
// Register it after observers that may block or replace frames. Recording
// stops on detach or on Detach(r).
func (w *Writer) Attach(r *relay.Relay) (session string, detach func()) {
	session = fmt.Sprintf("%s/%s", w.now().UTC().Format("20060102T150405.000000"), r.LocalAddr())

	record := func(ev *relay.Intercepted) {
		m := ev.Message()
		w.RecordFrame(Frame{
			Session:    session,
			Direction:  ev.Direction(),
			Step:       ev.Step(),
			Header:     m.Header(),
			Length:     m.Length(),
			Body:       m.Body(),
			Blocked:    ev.IsBlocked(),
			Replaced:   ev.IsReplaced(),
			CapturedAt: w.now(),
		})
	}
	removes := []func(){
		r.OnOutgoing(record),
		r.OnIncoming(record),
		r.OnEvent(func(ev triggers.Event) {
			e := Event{
				Session:    session,
				Kind:       ev.Kind(),
				Header:     ev.Header(),
				CapturedAt: w.now(),
			}
			if v, ok := triggers.Value(ev); ok {
				e.Value = &v
			}
			w.RecordEvent(e)
		}),
	}
	detach = sync.OnceFunc(func() {
		for _, remove := range removes {
			remove()
		}
		w.mu.Lock()
		delete(w.sessions, r)
		w.mu.Unlock()
	})

	w.mu.Lock()
	w.sessions[r] = detach
	w.mu.Unlock()
	return session, detach
}

// Detach stops recording r. Unknown relays are ignored.
func (w *Writer) Detach(r *relay.Relay) {
	w.mu.Lock()
	detach, ok := w.sessions[r]
	w.mu.Unlock()
	if ok {
		detach()
	}
}

// Sessions returns the number of attached relays.
func (w *Writer) Sessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

// Run saves queued records until ctx is cancelled, then flushes what is left.
// Store failures are logged and the batch discarded.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	var (
		frames []Frame
		events []Event
	)
	flush := func(ctx context.Context) {
		if len(frames) > 0 {
			if err := w.store.SaveFrames(ctx, frames); err != nil {
				slog.Error("saving captured frames", "count", len(frames), "err", err)
			} else {
				w.saved.Add(int64(len(frames)))
			}
			frames = frames[:0]
		}
		if len(events) > 0 {
			if err := w.store.SaveEvents(ctx, events); err != nil {
				slog.Error("saving captured events", "count", len(events), "err", err)
			} else {
				w.saved.Add(int64(len(events)))
			}
			events = events[:0]
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.drain(&frames, &events)
			fctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			flush(fctx)
			cancel()
			return nil

		case f := <-w.frames:
			frames = append(frames, f)
			if len(frames) >= w.cfg.BatchSize {
				flush(ctx)
			}

		case e := <-w.events:
			events = append(events, e)
			if len(events) >= w.cfg.BatchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (w *Writer) drain(frames *[]Frame, events *[]Event) {
	for {
		select {
		case f := <-w.frames:
			*frames = append(*frames, f)
		case e := <-w.events:
			*events = append(*events, e)
		default:
			return
		}
	}
}
