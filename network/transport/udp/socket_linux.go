//go:build linux

package udp

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// fdSocket is a connected, non-blocking UDP socket.
type fdSocket struct {
	fd     int
	closed atomic.Bool
}

// Fd returns the descriptor registered with the poller.
func (s *fdSocket) Fd() int { return s.fd }

// Read receives one datagram without blocking. EAGAIN and EINTR are returned as is.
func (s *fdSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, fmt.Errorf("read fd %d: %w", s.fd, err)
		}
	}
}

// Write sends p as one datagram without blocking.
func (s *fdSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOBUFS):
			return 0, ErrWouldBlock
		default:
			return 0, fmt.Errorf("write fd %d: %w", s.fd, err)
		}
	}
}

// Close closes the descriptor once.
func (s *fdSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(s.fd)
}

// SoError reads and clears SO_ERROR.
func (s *fdSocket) SoError() error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v == 0 {
		return nil
	}
	return unix.Errno(v)
}

// listenSocket is the unconnected socket a Server receives first datagrams on.
type listenSocket struct {
	fdSocket
	addr *net.UDPAddr
}

// readFrom reads one datagram and its source.
func (s *listenSocket) readFrom(p []byte) (int, *net.UDPAddr, error) {
	for {
		n, sa, err := unix.Recvfrom(s.fd, p, 0)
		switch {
		case err == nil:
			return n, sockaddrToUDPAddr(sa), nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil, ErrWouldBlock
		default:
			return 0, nil, fmt.Errorf("recvfrom fd %d: %w", s.fd, err)
		}
	}
}

func newUDPSocket(family int, reuse bool) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if reuse {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
		}
	}
	return fd, nil
}

// listen binds a reusable UDP socket to addr.
func listen(addr string) (*listenSocket, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	sa, family := udpAddrToSockaddr(ua)
	fd, err := newUDPSocket(family, true)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", ua, err)
	}
	local, err := localAddr(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &listenSocket{fdSocket: fdSocket{fd: fd}, addr: local}, nil
}

// dial returns a socket connected to peer. A non-nil local is bound first with port
// reuse, which is how a Server gives an accepted peer its own socket on the listen port.
func dial(local, peer *net.UDPAddr) (*fdSocket, *net.UDPAddr, error) {
	peerSa, family := udpAddrToSockaddr(peer)
	fd, err := newUDPSocket(family, local != nil)
	if err != nil {
		return nil, nil, err
	}
	if local != nil {
		localSa, _ := udpAddrToSockaddr(local)
		if err := unix.Bind(fd, localSa); err != nil {
			_ = unix.Close(fd)
			return nil, nil, fmt.Errorf("bind %s: %w", local, err)
		}
	}
	if err := unix.Connect(fd, peerSa); err != nil {
		_ = unix.Close(fd)
		return nil, nil, fmt.Errorf("connect %s: %w", peer, err)
	}
	bound, err := localAddr(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, nil, err
	}
	return &fdSocket{fd: fd}, bound, nil
}

func localAddr(fd int) (*net.UDPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	return sockaddrToUDPAddr(sa), nil
}

func udpAddrToSockaddr(a *net.UDPAddr) (unix.Sockaddr, int) {
	if ip4 := a.IP.To4(); ip4 != nil || a.IP == nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	if a.Zone != "" {
		if ifi, err := net.InterfaceByName(a.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, unix.AF_INET6
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
	case *unix.SockaddrInet6:
		a := &net.UDPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
		if v.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(v.ZoneId)); err == nil {
				a.Zone = ifi.Name
			}
		}
		return a
	default:
		return nil
	}
}
