//go:build !linux

package udp

import (
	"net"

	"github.com/linchenxuan/realtinet/network/reactor"
)

type fdSocket struct{}

// The reactor runs on Linux only; elsewhere every socket operation fails.
func (s *fdSocket) Fd() int                     { return -1 }
func (s *fdSocket) Read(p []byte) (int, error)  { return 0, reactor.ErrUnsupportedPlatform }
func (s *fdSocket) Write(p []byte) (int, error) { return 0, reactor.ErrUnsupportedPlatform }
func (s *fdSocket) Close() error                { return nil }

type listenSocket struct {
	fdSocket
	addr *net.UDPAddr
}

func (s *listenSocket) readFrom(p []byte) (int, *net.UDPAddr, error) {
	return 0, nil, reactor.ErrUnsupportedPlatform
}

func listen(string) (*listenSocket, error) {
	return nil, reactor.ErrUnsupportedPlatform
}

func dial(_, _ *net.UDPAddr) (*fdSocket, *net.UDPAddr, error) {
	return nil, nil, reactor.ErrUnsupportedPlatform
}
