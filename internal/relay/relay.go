// Package relay forwards frames between a game client and its server, decoding
// each one on the way so it can be recognized, filtered, replaced or logged.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/habproxy/internal/constants"
	"github.com/udisondev/habproxy/internal/filter"
	"github.com/udisondev/habproxy/internal/observer"
	"github.com/udisondev/habproxy/internal/protocol"
	"github.com/udisondev/habproxy/internal/triggers"
)

// ErrClosed is returned by injection after the relay has stopped.
var ErrClosed = errors.New("relay closed")

// cipherSlot holds a cipher swapped in at runtime. Readers look the cipher up
// each time bytes need transforming, so an install takes effect on the next
// bytes read, not on the next call to ReadFrame.
type cipherSlot struct {
	p atomic.Pointer[cipherRef]
}

type cipherRef struct {
	c protocol.Cipher
}

func (s *cipherSlot) load() protocol.Cipher {
	if r := s.p.Load(); r != nil {
		return r.c
	}
	return nil
}

func (s *cipherSlot) store(c protocol.Cipher) {
	s.p.Store(&cipherRef{c: c})
}

// Parse implements protocol.Cipher. Without an installed cipher it is a no-op.
func (s *cipherSlot) Parse(data []byte) {
	if c := s.load(); c != nil {
		c.Parse(data)
	}
}

// side is one socket of the relay: the frames read from it and the frames
// written to it.
type side struct {
	conn net.Conn

	decrypt cipherSlot

	mu      sync.Mutex // serializes writes and guards encrypt
	encrypt protocol.Cipher
}

func (s *side) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.WriteFrame(s.conn, s.encrypt, frame)
}

// Relay is one relayed session. The local socket belongs to the game client,
// the remote socket to the game server.
//
// Each direction runs its own read loop. Frames of one direction are
// forwarded in the order they were read; the two directions are independent.
type Relay struct {
	local  *side // client
	remote *side // server

	chain      *filter.Chain
	correlator *triggers.Correlator

	outgoing observer.Observers[*Intercepted]
	incoming observer.Observers[*Intercepted]
	events   observer.Observers[triggers.Event]

	dispatch    *dispatcher
	unsubscribe func()

	closeOnce sync.Once
	closed    chan struct{}
	abortErr  atomic.Pointer[error]
}

// New creates a relay over an accepted client socket and a dialed server
// socket. A nil chain or correlator gets a fresh one.
func New(local, remote net.Conn, chain *filter.Chain, correlator *triggers.Correlator) *Relay {
	if chain == nil {
		chain = filter.NewChain()
	}
	if correlator == nil {
		correlator = triggers.NewCorrelator()
	}
	r := &Relay{
		local:      &side{conn: local},
		remote:     &side{conn: remote},
		chain:      chain,
		correlator: correlator,
		dispatch:   newDispatcher(),
		closed:     make(chan struct{}),
	}
	r.unsubscribe = correlator.Subscribe(func(ev triggers.Event) {
		r.dispatch.post(func() { r.events.Notify(ev) })
	})
	return r
}

// Filters returns the rule chain applied to every decoded frame.
func (r *Relay) Filters() *filter.Chain { return r.chain }

// Correlator returns the event correlator fed by this relay.
func (r *Relay) Correlator() *triggers.Correlator { return r.correlator }

// LocalAddr returns the client's address.
func (r *Relay) LocalAddr() net.Addr { return r.local.conn.RemoteAddr() }

// RemoteAddr returns the server's address.
func (r *Relay) RemoteAddr() net.Addr { return r.remote.conn.RemoteAddr() }

// OnOutgoing registers fn for every decoded client frame. fn runs on the
// outgoing read loop before the frame is forwarded; it may block, replace or
// take over continuation of the loop.
func (r *Relay) OnOutgoing(fn func(*Intercepted)) (remove func()) {
	return r.outgoing.Add(fn)
}

// OnIncoming registers fn for every decoded server frame. See OnOutgoing.
func (r *Relay) OnIncoming(fn func(*Intercepted)) (remove func()) {
	return r.incoming.Add(fn)
}

// OnEvent registers fn for recognized events. Events are delivered in order
// on a separate goroutine, so a slow callback never stalls the read loops.
func (r *Relay) OnEvent(fn func(triggers.Event)) (remove func()) {
	return r.events.Add(fn)
}

// route returns the side frames of dir are read from and the side they are written to.
func (r *Relay) route(dir protocol.Direction) (src, dst *side) {
	if dir == protocol.Outgoing {
		return r.local, r.remote
	}
	return r.remote, r.local
}

// SetDecrypter installs the cipher for frames read in direction dir.
// It applies to the next bytes read.
func (r *Relay) SetDecrypter(dir protocol.Direction, c protocol.Cipher) {
	src, _ := r.route(dir)
	src.decrypt.store(c)
}

// SetEncrypter installs the cipher for frames written in direction dir.
// It applies to the next frame written.
func (r *Relay) SetEncrypter(dir protocol.Direction, c protocol.Cipher) {
	_, dst := r.route(dir)
	dst.mu.Lock()
	dst.encrypt = c
	dst.mu.Unlock()
}

// SendToServer injects msg into the server stream.
func (r *Relay) SendToServer(msg *protocol.Message) error {
	return r.send(protocol.Outgoing, msg)
}

// SendToClient injects msg into the client stream.
func (r *Relay) SendToClient(msg *protocol.Message) error {
	return r.send(protocol.Incoming, msg)
}

func (r *Relay) send(dir protocol.Direction, msg *protocol.Message) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	_, dst := r.route(dir)
	if err := dst.write(msg.ToBytes()); err != nil {
		return fmt.Errorf("injecting %s frame %d: %w", dir, msg.Header(), err)
	}
	return nil
}

// Abort stops the session with err. Run returns err.
func (r *Relay) Abort(err error) {
	r.abortErr.CompareAndSwap(nil, &err)
	r.close()
}

func (r *Relay) close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		_ = r.local.conn.Close()
		_ = r.remote.conn.Close()
	})
}

// Done is closed once the relay has stopped.
func (r *Relay) Done() <-chan struct{} { return r.closed }

// Run relays frames until either socket fails or ctx is cancelled. Both
// sockets are closed on return. A clean disconnect returns nil.
func (r *Relay) Run(ctx context.Context) error {
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		r.dispatch.run()
	}()
	defer func() {
		r.unsubscribe()
		r.dispatch.stop()
		<-dispatchDone
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pump(gctx, protocol.Outgoing) })
	g.Go(func() error { return r.pump(gctx, protocol.Incoming) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-r.closed:
		}
		r.close()
		return nil
	})

	err := g.Wait()
	if p := r.abortErr.Load(); p != nil {
		return *p
	}
	if isDisconnect(err) {
		return nil
	}
	return err
}

func isDisconnect(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, context.Canceled)
}

// pump runs the read loop of one direction. It returns a non-nil error on
// every exit so the other direction is torn down too.
func (r *Relay) pump(ctx context.Context, dir protocol.Direction) error {
	src, dst := r.route(dir)
	observers := &r.outgoing
	if dir == protocol.Incoming {
		observers = &r.incoming
	}

	buf := make([]byte, constants.DefaultReadBufSize)
	for step := 1; ; step++ {
		frame, err := protocol.ReadFrame(src.conn, &src.decrypt, buf)
		if err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}

		msg := protocol.Parse(frame, dir.Destination())
		if msg.IsCorrupted() {
			slog.Warn("corrupted frame forwarded untouched",
				"direction", dir,
				"step", step,
				"bytes", len(frame))
			if err := dst.write(msg.ToBytes()); err != nil {
				return fmt.Errorf("%s: %w", dir, err)
			}
			continue
		}

		consumed := r.correlator.Match(dir, msg)
		verdict, out := r.chain.Apply(dir, msg)

		ev := newIntercepted(dir, step, out, verdict)
		notify(observers, ev)

		if !ev.IsBlocked() {
			if err := dst.write(ev.Message().ToBytes()); err != nil {
				return fmt.Errorf("%s: %w", dir, err)
			}
			if !consumed {
				r.correlator.Forwarded(dir, msg)
			}
		}
		slog.Debug("frame relayed",
			"direction", dir,
			"step", step,
			"header", msg.Header(),
			"length", msg.Length(),
			"blocked", ev.IsBlocked(),
			"replaced", ev.IsReplaced())

		if err := ev.wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
	}
}

// notify runs every data observer. A panicking observer is logged and
// skipped; the frame keeps whatever verdict it had.
func notify(obs *observer.Observers[*Intercepted], ev *Intercepted) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("frame observer panicked",
				"direction", ev.Direction(),
				"header", ev.Message().Header(),
				"panic", rec)
		}
	}()
	obs.Notify(ev)
}
