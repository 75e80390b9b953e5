package udp

import (
	"bytes"
	"time"

	"github.com/linchenxuan/realtinet/log"
)

// ConnectionCallback fires when a connection is established and again when it is
// destroyed; check Connected to tell them apart.
type ConnectionCallback func(c *Connection)

// MessageCallback fires once per read event that produced application bytes. buf holds
// everything received and not yet consumed; bytes left in it are kept for the next call.
type MessageCallback func(c *Connection, buf *bytes.Buffer, receiveTime time.Time)

// WriteCompleteCallback fires when the pending output of a connection becomes empty.
type WriteCompleteCallback func(c *Connection)

// CloseCallback is the owner's teardown hook. It runs once per connection, after the
// connection stopped watching its socket.
type CloseCallback func(c *Connection)

func defaultConnectionCallback(c *Connection) {
	log.Debug().Str("conn", c.Name()).Stringer("local", c.LocalAddr()).Stringer("peer", c.PeerAddr()).
		Bool("up", c.Connected()).Msg("udp connection state changed")
}

func defaultMessageCallback(_ *Connection, buf *bytes.Buffer, _ time.Time) {
	buf.Reset()
}
