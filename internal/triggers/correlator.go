// Package triggers infers the meaning of opaque frame headers from the shape
// of the traffic around them and raises typed events once a header is known.
//
// Header values change with every server build, so nothing here is keyed by a
// fixed header. Each direction keeps the last unmatched frame that was
// actually forwarded; when a frame of a characteristic length arrives, the
// pair (current, previous) is checked against literal byte offsets and strings. A match locks the header to the
// event for the rest of the session.
package triggers

import (
	"log/slog"
	"maps"
	"strconv"
	"sync"

	"github.com/udisondev/habproxy/internal/observer"
	"github.com/udisondev/habproxy/internal/protocol"
)

const (
	// avatarActionOffset is where analytics frames carry the action name.
	avatarActionOffset = 22

	signFrameMinLength = 36
	signFrameMaxLength = 50

	navigateMinPreviousLength = 12

	// kickedErrorCode is the generic error code the server sends on a room kick.
	kickedErrorCode = 4008

	exitRoomMarker = -1
)

type side struct {
	previous *protocol.Message
	locks    map[uint16]Kind
}

// Correlator watches both directions of one session.
//
// Handle for a direction must be called from a single goroutine; lock tables
// and recorded headers may be read from anywhere.
type Correlator struct {
	mu      sync.RWMutex
	sides   [2]*side
	headers map[Kind]uint16

	events observer.Observers[Event]
}

// NewCorrelator returns a correlator with no bindings.
func NewCorrelator() *Correlator {
	return &Correlator{
		sides: [2]*side{
			{locks: map[uint16]Kind{}},
			{locks: map[uint16]Kind{}},
		},
		headers: map[Kind]uint16{},
	}
}

// Subscribe registers fn for every event. Callbacks run on the goroutine that
// called Handle.
func (c *Correlator) Subscribe(fn func(Event)) (remove func()) {
	return c.events.Add(fn)
}

// On registers fn for events of type E only.
func On[E Event](c *Correlator, fn func(E)) (remove func()) {
	return c.events.Add(func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

// Handle feeds one frame of direction dir that is known to be forwarded.
// Corrupted frames are ignored.
func (c *Correlator) Handle(dir protocol.Direction, m *protocol.Message) {
	if !c.Match(dir, m) {
		c.Forwarded(dir, m)
	}
}

// Match raises the event of a locked header or runs the heuristics against the
// last forwarded frame of dir. It reports whether m was consumed; a frame that
// was not consumed becomes history only through Forwarded, once it is known
// not to be blocked.
func (c *Correlator) Match(dir protocol.Direction, m *protocol.Message) bool {
	if m.IsCorrupted() {
		return true
	}
	s := c.sides[dir]

	c.mu.RLock()
	kind, locked := s.locks[m.Header()]
	c.mu.RUnlock()
	if locked {
		c.raise(kind, m)
		return true
	}

	if dir == protocol.Outgoing {
		return c.matchOutgoing(s.previous, m)
	}
	return c.matchIncoming(m)
}

// Forwarded records m as the previous frame of dir.
func (c *Correlator) Forwarded(dir protocol.Direction, m *protocol.Message) {
	if m.IsCorrupted() {
		return
	}
	c.sides[dir].previous = m
}

func (c *Correlator) matchOutgoing(previous, current *protocol.Message) bool {
	if previous == nil {
		return false
	}

	switch length := current.Length(); {
	case length == 6:
		if action, err := previous.ReadStringAt(avatarActionOffset); err == nil {
			switch action {
			case "sit", "stand":
				c.bind(protocol.Outgoing, KindHostChangeStance, current)
				return true
			case "wave", "idle", "laugh", "blow":
				c.bind(protocol.Outgoing, KindHostGesture, current)
				return true
			}
		}
		if v, err := current.ReadIntAt(0); err == nil && v == exitRoomMarker {
			c.bind(protocol.Outgoing, KindHostExitRoom, previous)
			return true
		}

	case length >= signFrameMinLength && length <= signFrameMaxLength:
		if s, err := current.ReadStringAt(avatarActionOffset); err == nil && s == "sign" {
			c.bind(protocol.Outgoing, KindHostRaiseSign, previous)
			return true
		}
		if isNavigation(previous, current) {
			c.bind(protocol.Outgoing, KindHostNavigateRoom, previous)
			return true
		}
	}
	return false
}

// isNavigation matches the analytics frame sent after entering a room from
// the official navigator: "Navigation", <any>, "go.official", "<room id>".
func isNavigation(previous, current *protocol.Message) bool {
	if previous.Length() < navigateMinPreviousLength {
		return false
	}
	roomID, err := previous.ReadIntAt(0)
	if err != nil {
		return false
	}

	want := []string{"Navigation", "", "go.official", strconv.Itoa(int(roomID))}
	off := 0
	for i, w := range want {
		s, err := current.ReadStringAt(off)
		if err != nil {
			return false
		}
		if i != 1 && s != w {
			return false
		}
		off += 2 + len(s)
	}
	return true
}

func (c *Correlator) matchIncoming(current *protocol.Message) bool {
	if current.Length() != 6 {
		return false
	}
	if v, err := current.ReadIntAt(0); err == nil && v == kickedErrorCode {
		c.bind(protocol.Incoming, KindHostKicked, current)
		return true
	}
	return false
}

// bind locks m's header to kind and raises the event for m.
func (c *Correlator) bind(dir protocol.Direction, kind Kind, m *protocol.Message) {
	c.Lock(dir, m.Header(), kind)
	slog.Debug("header bound to event",
		"direction", dir,
		"header", m.Header(),
		"event", kind)
	c.raise(kind, m)
}

// Lock binds header to kind without raising anything. Used to restore
// headers learned in an earlier session.
func (c *Correlator) Lock(dir protocol.Direction, header uint16, kind Kind) {
	c.mu.Lock()
	c.sides[dir].locks[header] = kind
	c.headers[kind] = header
	c.mu.Unlock()
}

func (c *Correlator) raise(kind Kind, m *protocol.Message) {
	ev, ok := decode(kind, m)
	if !ok {
		return
	}
	c.events.Notify(ev)
}

// decode extracts the event fields carried by a frame of a bound header.
func decode(kind Kind, m *protocol.Message) (Event, bool) {
	b := base{header: m.Header()}
	switch kind {
	case KindHostExitRoom:
		return HostExitRoom{base: b}, true

	case KindHostKicked:
		if v, err := m.ReadIntAt(0); err != nil || v != kickedErrorCode {
			return nil, false
		}
		return HostKicked{base: b}, true
	}

	v, err := m.ReadIntAt(0)
	if err != nil {
		return nil, false
	}
	switch kind {
	case KindHostRaiseSign:
		return HostRaiseSign{base: b, Sign: v}, true
	case KindHostNavigateRoom:
		return HostNavigateRoom{base: b, RoomID: v}, true
	case KindHostChangeStance:
		return HostChangeStance{base: b, Stance: v}, true
	case KindHostGesture:
		return HostGesture{base: b, Gesture: v}, true
	}
	return nil, false
}

// ResetHistory forgets the previous frame of both directions. Bindings are kept.
// Call it between sessions, never while Handle is running.
func (c *Correlator) ResetHistory() {
	for _, s := range c.sides {
		s.previous = nil
	}
}

// Header returns the header recorded for kind.
func (c *Correlator) Header(kind Kind) (uint16, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.headers[kind]
	return h, ok
}

// Headers returns a copy of every recorded header.
func (c *Correlator) Headers() map[Kind]uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.headers)
}

// IsLocked reports whether header is bound in dir.
func (c *Correlator) IsLocked(dir protocol.Direction, header uint16) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sides[dir].locks[header]
	return ok
}
