package udp

import "errors"

// ErrWouldBlock is returned by non-blocking socket operations that cannot proceed now.
var ErrWouldBlock = errors.New("udp: operation would block")

// Socket is a non-blocking, connected datagram socket. Read and Write move exactly one
// datagram and return ErrWouldBlock instead of waiting.
type Socket interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// soErrorer is implemented by sockets that can report and clear a pending error.
type soErrorer interface {
	SoError() error
}
