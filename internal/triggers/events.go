package triggers

import (
	"fmt"

	"github.com/udisondev/habproxy/internal/protocol"
)

// Kind identifies a recognized game event.
type Kind int

const (
	KindHostRaiseSign Kind = iota + 1
	KindHostExitRoom
	KindHostNavigateRoom
	KindHostChangeStance
	KindHostGesture
	KindHostKicked
)

var kindNames = map[Kind]string{
	KindHostRaiseSign:    "host_raise_sign",
	KindHostExitRoom:     "host_exit_room",
	KindHostNavigateRoom: "host_navigate_room",
	KindHostChangeStance: "host_change_stance",
	KindHostGesture:      "host_gesture",
	KindHostKicked:       "host_kicked",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind returns the kind named s, as produced by String.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindHostRaiseSign,
		KindHostExitRoom,
		KindHostNavigateRoom,
		KindHostChangeStance,
		KindHostGesture,
		KindHostKicked,
	}
}

// Value returns the integer field carried by ev, if its kind has one.
func Value(ev Event) (int32, bool) {
	switch e := ev.(type) {
	case HostRaiseSign:
		return e.Sign, true
	case HostNavigateRoom:
		return e.RoomID, true
	case HostChangeStance:
		return e.Stance, true
	case HostGesture:
		return e.Gesture, true
	}
	return 0, false
}

// Direction returns the flow the event's header belongs to.
func (k Kind) Direction() protocol.Direction {
	if k == KindHostKicked {
		return protocol.Incoming
	}
	return protocol.Outgoing
}

// Event is a recognized event raised by the correlator.
type Event interface {
	Kind() Kind
	// Header is the frame header bound to the event.
	Header() uint16
}

type base struct {
	header uint16
}

func (b base) Header() uint16 { return b.header }

// HostRaiseSign is raised when the host holds up a sign.
type HostRaiseSign struct {
	base
	Sign int32
}

func (HostRaiseSign) Kind() Kind { return KindHostRaiseSign }

// HostExitRoom is raised when the host leaves the current room.
type HostExitRoom struct {
	base
}

func (HostExitRoom) Kind() Kind { return KindHostExitRoom }

// HostNavigateRoom is raised when the host enters a room from the navigator.
type HostNavigateRoom struct {
	base
	RoomID int32
}

func (HostNavigateRoom) Kind() Kind { return KindHostNavigateRoom }

// HostChangeStance is raised when the host sits or stands.
type HostChangeStance struct {
	base
	Stance int32
}

func (HostChangeStance) Kind() Kind { return KindHostChangeStance }

// HostGesture is raised when the host waves, idles, laughs or blows a kiss.
type HostGesture struct {
	base
	Gesture int32
}

func (HostGesture) Kind() Kind { return KindHostGesture }

// HostKicked is raised when the server kicks the host from a room.
type HostKicked struct {
	base
}

func (HostKicked) Kind() Kind { return KindHostKicked }
