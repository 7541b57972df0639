package triggers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/udisondev/habproxy/internal/protocol"
)

func frame(t *testing.T, header uint16, values ...any) *protocol.Message {
	t.Helper()
	m, err := protocol.New(header, values...)
	require.NoError(t, err)
	return protocol.Parse(m.ToBytes(), protocol.DestinationServer)
}

// analytics builds an analytics-style frame with action at offset 22.
func analytics(t *testing.T, header uint16, action string, tail ...any) *protocol.Message {
	t.Helper()
	values := []any{make([]byte, avatarActionOffset), action}
	return frame(t, header, append(values, tail...)...)
}

func collect(c *Correlator) *[]Event {
	var got []Event
	c.Subscribe(func(e Event) { got = append(got, e) })
	return &got
}

func TestCorrelator_ExitRoomBindsPrevious(t *testing.T) {
	c := NewCorrelator()
	events := collect(c)

	c.Handle(protocol.Outgoing, frame(t, 0x0AAA, int32(5)))
	c.Handle(protocol.Outgoing, frame(t, 0x0BBB, int32(-1)))

	require.Len(t, *events, 1)
	ev, ok := (*events)[0].(HostExitRoom)
	require.True(t, ok, "got %T", (*events)[0])
	assert.Equal(t, uint16(0x0AAA), ev.Header(), "event must reference the first frame's header")

	h, ok := c.Header(KindHostExitRoom)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0AAA), h)
	assert.True(t, c.IsLocked(protocol.Outgoing, 0x0AAA))
	assert.False(t, c.IsLocked(protocol.Outgoing, 0x0BBB))

	// Next occurrence of the bound header raises again.
	c.Handle(protocol.Outgoing, frame(t, 0x0AAA))
	require.Len(t, *events, 2)
	assert.Equal(t, KindHostExitRoom, (*events)[1].Kind())
}

func TestCorrelator_ExitRoomAfterAnyFrame(t *testing.T) {
	c := NewCorrelator()
	events := collect(c)

	c.Handle(protocol.Outgoing, frame(t, 300, "some", "longer", int32(1), true))
	c.Handle(protocol.Outgoing, frame(t, 301, int32(-1)))

	require.Len(t, *events, 1)
	assert.Equal(t, uint16(300), (*events)[0].Header())
}

func TestCorrelator_NoPreviousNoMatch(t *testing.T) {
	c := NewCorrelator()
	events := collect(c)

	c.Handle(protocol.Outgoing, frame(t, 1, int32(-1)))
	assert.Empty(t, *events)
	assert.Empty(t, c.Headers())
}

func TestCorrelator_LockedHeaderDoesNotUpdateHistory(t *testing.T) {
	c := NewCorrelator()
	events := collect(c)
	c.Lock(protocol.Outgoing, 50, KindHostExitRoom)

	c.Handle(protocol.Outgoing, frame(t, 10, int32(1)))
	c.Handle(protocol.Outgoing, frame(t, 50)) // consumed by the lock
	c.Handle(protocol.Outgoing, frame(t, 60, int32(-1)))

	// The previous for header 60 is header 10, not the locked 50.
	require.Len(t, *events, 2)
	assert.Equal(t, uint16(50), (*events)[0].Header())
	assert.Equal(t, uint16(10), (*events)[1].Header())
}

func TestCorrelator_AvatarMenuClick(t *testing.T) {
	tests := []struct {
		action string
		kind   Kind
	}{
		{"sit", KindHostChangeStance},
		{"stand", KindHostChangeStance},
		{"wave", KindHostGesture},
		{"idle", KindHostGesture},
		{"laugh", KindHostGesture},
		{"blow", KindHostGesture},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			c := NewCorrelator()
			events := collect(c)

			c.Handle(protocol.Outgoing, analytics(t, 700, tt.action))
			c.Handle(protocol.Outgoing, frame(t, 701, int32(1)))

			require.Len(t, *events, 1)
			assert.Equal(t, tt.kind, (*events)[0].Kind())
			assert.Equal(t, uint16(701), (*events)[0].Header(), "menu click binds the current header")

			h, ok := c.Header(tt.kind)
			require.True(t, ok)
			assert.Equal(t, uint16(701), h)
		})
	}
}

func TestCorrelator_TypedFields(t *testing.T) {
	c := NewCorrelator()
	var stance []HostChangeStance
	On(c, func(e HostChangeStance) { stance = append(stance, e) })
	var gestures int
	On(c, func(HostGesture) { gestures++ })

	c.Handle(protocol.Outgoing, analytics(t, 700, "sit"))
	c.Handle(protocol.Outgoing, frame(t, 701, int32(1)))
	c.Handle(protocol.Outgoing, frame(t, 701, int32(0)))

	require.Len(t, stance, 2)
	assert.Equal(t, int32(1), stance[0].Stance)
	assert.Equal(t, int32(0), stance[1].Stance)
	assert.Zero(t, gestures)
}

func TestCorrelator_UnknownActionNoMatch(t *testing.T) {
	c := NewCorrelator()
	events := collect(c)

	c.Handle(protocol.Outgoing, analytics(t, 700, "dance"))
	c.Handle(protocol.Outgoing, frame(t, 701, int32(3)))
	assert.Empty(t, *events)
}

func TestCorrelator_RaiseSign(t *testing.T) {
	c := NewCorrelator()
	var signs []HostRaiseSign
	On(c, func(e HostRaiseSign) { signs = append(signs, e) })

	sign := frame(t, 900, int32(7))
	current := analytics(t, 901, "sign", "extra-data")
	require.GreaterOrEqual(t, current.Length(), signFrameMinLength)
	require.LessOrEqual(t, current.Length(), signFrameMaxLength)

	c.Handle(protocol.Outgoing, sign)
	c.Handle(protocol.Outgoing, current)

	require.Len(t, signs, 1)
	assert.Equal(t, uint16(900), signs[0].Header())
	assert.Equal(t, int32(7), signs[0].Sign)

	c.Handle(protocol.Outgoing, frame(t, 900, int32(12)))
	require.Len(t, signs, 2)
	assert.Equal(t, int32(12), signs[1].Sign)
}

func TestCorrelator_SignOutsideLengthWindow(t *testing.T) {
	c := NewCorrelator()
	events := collect(c)

	c.Handle(protocol.Outgoing, frame(t, 900, int32(7)))
	c.Handle(protocol.Outgoing, analytics(t, 901, "sign")) // too short
	assert.Empty(t, *events)
}

func TestCorrelator_NavigateRoom(t *testing.T) {
	c := NewCorrelator()
	var rooms []HostNavigateRoom
	On(c, func(e HostNavigateRoom) { rooms = append(rooms, e) })

	enter := frame(t, 1200, int32(4242), int32(0), "")
	require.GreaterOrEqual(t, enter.Length(), navigateMinPreviousLength)
	nav := frame(t, 1201, "Navigation", "go", "go.official", "4242", "x")
	require.GreaterOrEqual(t, nav.Length(), signFrameMinLength)

	c.Handle(protocol.Outgoing, enter)
	c.Handle(protocol.Outgoing, nav)

	require.Len(t, rooms, 1)
	assert.Equal(t, uint16(1200), rooms[0].Header())
	assert.Equal(t, int32(4242), rooms[0].RoomID)
}

func TestCorrelator_NavigateRoomIDMismatch(t *testing.T) {
	c := NewCorrelator()
	events := collect(c)

	c.Handle(protocol.Outgoing, frame(t, 1200, int32(4242), int32(0), ""))
	c.Handle(protocol.Outgoing, frame(t, 1201, "Navigation", "go", "go.official", "4243", "x"))
	assert.Empty(t, *events)
}

func TestCorrelator_Kicked(t *testing.T) {
	c := NewCorrelator()
	events := collect(c)

	c.Handle(protocol.Incoming, frame(t, 3000, int32(4008)))
	require.Len(t, *events, 1)
	assert.Equal(t, KindHostKicked, (*events)[0].Kind())
	assert.Equal(t, uint16(3000), (*events)[0].Header())

	// Same header with another error code is consumed but raises nothing.
	c.Handle(protocol.Incoming, frame(t, 3000, int32(1)))
	assert.Len(t, *events, 1)

	// Outgoing frames never bind incoming events.
	assert.False(t, c.IsLocked(protocol.Outgoing, 3000))
}

func TestCorrelator_IgnoresCorrupted(t *testing.T) {
	c := NewCorrelator()
	events := collect(c)

	c.Handle(protocol.Outgoing, frame(t, 10, int32(1)))
	c.Handle(protocol.Outgoing, protocol.Parse([]byte{0, 0, 0, 9, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF}, protocol.DestinationServer))
	c.Handle(protocol.Outgoing, frame(t, 11, int32(-1)))

	require.Len(t, *events, 1)
	assert.Equal(t, uint16(10), (*events)[0].Header())
}

func TestCorrelator_HeadersCopy(t *testing.T) {
	c := NewCorrelator()
	c.Lock(protocol.Incoming, 5, KindHostKicked)

	h := c.Headers()
	h[KindHostKicked] = 99

	got, _ := c.Header(KindHostKicked)
	assert.Equal(t, uint16(5), got)
	assert.Equal(t, "host_kicked", KindHostKicked.String())
	assert.Equal(t, protocol.Incoming, KindHostKicked.Direction())
	assert.Equal(t, protocol.Outgoing, KindHostExitRoom.Direction())
}

func TestKinds_ParseAndValue(t *testing.T) {
	for _, k := range Kinds() {
		got, ok := ParseKind(k.String())
		require.True(t, ok, k.String())
		assert.Equal(t, k, got)
	}
	_, ok := ParseKind("host_dance")
	assert.False(t, ok)

	v, ok := Value(HostNavigateRoom{RoomID: 12})
	assert.True(t, ok)
	assert.Equal(t, int32(12), v)
	_, ok = Value(HostExitRoom{})
	assert.False(t, ok)
}

func TestCorrelator_ResetHistoryKeepsBindings(t *testing.T) {
	c := NewCorrelator()
	events := collect(c)

	c.Handle(protocol.Outgoing, frame(t, 10, int32(1)))
	c.ResetHistory()
	c.Handle(protocol.Outgoing, frame(t, 11, int32(-1)))
	assert.Empty(t, *events, "no previous frame after reset")

	c.Lock(protocol.Outgoing, 20, KindHostExitRoom)
	c.ResetHistory()
	c.Handle(protocol.Outgoing, frame(t, 20))
	assert.Len(t, *events, 1)
}

func TestCorrelator_MatchWithoutForwardKeepsHistory(t *testing.T) {
	c := NewCorrelator()
	events := collect(c)

	c.Handle(protocol.Outgoing, frame(t, 0x0111, int32(1)))
	// Blocked downstream: inspected but never forwarded.
	assert.False(t, c.Match(protocol.Outgoing, frame(t, 0x0555, int32(2))))
	c.Handle(protocol.Outgoing, frame(t, 0x0222, int32(-1)))

	require.Len(t, *events, 1)
	h, ok := c.Header(KindHostExitRoom)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0111), h)
	assert.False(t, c.IsLocked(protocol.Outgoing, 0x0555))
}

func TestCorrelator_MatchConsumesLocked(t *testing.T) {
	c := NewCorrelator()
	c.Lock(protocol.Incoming, 40, KindHostKicked)

	assert.True(t, c.Match(protocol.Incoming, frame(t, 40, int32(4008))))
	assert.False(t, c.Match(protocol.Incoming, frame(t, 41, int32(1))))
}
