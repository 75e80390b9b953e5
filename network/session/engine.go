// Package session holds the reliable-session engine a connection delegates ARQ to.
// An Engine never touches a socket: the connection feeds it inbound datagrams, drains
// the datagrams it wants sent, and ticks it from a loop timer.
package session

import (
	"errors"
	"time"
)

var (
	// ErrPayloadTooLarge is returned by Submit for payloads the engine cannot carry.
	ErrPayloadTooLarge = errors.New("session: payload too large")
	// ErrSessionFailed marks a session that received input it cannot process.
	ErrSessionFailed = errors.New("session: failed")
	// ErrDeadLink marks a session whose peer stopped answering while data was unacknowledged.
	ErrDeadLink = errors.New("session: dead link")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("session: closed")
)

// Mode selects the delivery lane of a payload.
type Mode uint8

const (
	// Reliable payloads are delivered once, in order.
	Reliable Mode = iota
	// Unreliable payloads are sent once and may be lost, duplicated or reordered.
	Unreliable
)

// String returns "reliable" or "unreliable".
func (m Mode) String() string {
	switch m {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return "unknown"
	}
}

// Engine is a reliable-session state machine. Implementations are not safe for
// concurrent use; a connection only calls them on its loop goroutine.
type Engine interface {
	// Connect opens the session from the actively dialed side. Payloads submitted before
	// the peer accepts are held and count as pending.
	Connect()
	// Established reports whether the peer completed the handshake.
	Established() bool
	// Submit queues p for delivery. The engine copies p.
	Submit(p []byte, mode Mode) error
	// Ingest processes one inbound datagram and returns the application chunks it completed.
	Ingest(datagram []byte) ([][]byte, error)
	// Tick advances timers: retransmission, acknowledgement flushing, liveness.
	Tick(now time.Time) error
	// Drain hands queued outbound datagrams to write in order. It stops at the first
	// error and keeps that datagram queued.
	Drain(write func([]byte) error) error
	// Pending counts queued outbound datagrams plus reliable data not yet acknowledged.
	Pending() int
	// CanSend reports whether the engine is below its send threshold.
	CanSend() bool
	// Failed returns the terminal error, if any.
	Failed() error
	// PeerClosed reports whether the peer announced it is closing.
	PeerClosed() bool
	// Close queues a close notification for the peer. Further Submits fail.
	Close()
}
