package protocol

// Direction is the flow a frame was read from.
type Direction int

const (
	// Incoming frames travel server -> client.
	Incoming Direction = iota
	// Outgoing frames travel client -> server.
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Destination returns the side frames of this direction are delivered to.
func (d Direction) Destination() Destination {
	if d == Outgoing {
		return DestinationServer
	}
	return DestinationClient
}

// ParseDirection accepts "incoming"/"in" and "outgoing"/"out".
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "incoming", "in":
		return Incoming, true
	case "outgoing", "out":
		return Outgoing, true
	default:
		return Incoming, false
	}
}
