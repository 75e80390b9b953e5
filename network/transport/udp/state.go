package udp

// State is the lifecycle state of a Connection.
type State int32

const (
	// Disconnected is both the final state and the state of a connection whose
	// ConnectDestroyed ran.
	Disconnected State = iota
	// Connecting is the state between construction and ConnectEstablished.
	Connecting
	// Connected accepts sends.
	Connected
	// Disconnecting rejects new sends while queued output drains or a close completes.
	Disconnecting
)

// String returns the state name used in log fields.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// Role records which side created the connection.
type Role uint8

const (
	// Active connections were dialed by a Client.
	Active Role = iota
	// Passive connections were accepted by a Server.
	Passive
)

// String returns "active" or "passive".
func (r Role) String() string {
	if r == Active {
		return "active"
	}
	return "passive"
}

// closeCause is what started a close sequence.
type closeCause uint8

const (
	causeSocketError closeCause = iota
	causePeer
	causeSession
	causeForce
	causeShutdown
)

// String returns the cause label used in the closed metric.
func (c closeCause) String() string {
	switch c {
	case causeSocketError:
		return "socket_error"
	case causePeer:
		return "peer"
	case causeSession:
		return "session"
	case causeForce:
		return "force"
	case causeShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// local reports whether this side decided to close, so the peer should be told.
func (c closeCause) local() bool {
	return c == causeForce || c == causeShutdown
}
