//go:build linux

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const _initEventListSize = 16

type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollPoller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, _initEventListSize),
		channels: make(map[int]*Channel),
	}, nil
}

func (p *epollPoller) poll(timeout time.Duration, active []*Channel) ([]*Channel, time.Time, error) {
	ms := int((timeout + time.Millisecond - 1) / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	now := time.Now()
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return active, now, nil
		}
		return active, now, fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		// Descriptors removed earlier in this iteration are skipped.
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			continue
		}
		ch.revents = ev.Events
		active = append(active, ch)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*len(p.events))
	}
	return active, now, nil
}

func (p *epollPoller) updateChannel(c *Channel) error {
	if !c.added {
		if c.IsNoneEvent() {
			return nil
		}
		if err := p.ctl(unix.EPOLL_CTL_ADD, c); err != nil {
			return err
		}
		p.channels[c.fd] = c
		c.added = true
		return nil
	}
	if c.IsNoneEvent() {
		if err := p.ctl(unix.EPOLL_CTL_DEL, c); err != nil {
			return err
		}
		c.added = false
		return nil
	}
	return p.ctl(unix.EPOLL_CTL_MOD, c)
}

func (p *epollPoller) removeChannel(c *Channel) error {
	if cur, ok := p.channels[c.fd]; ok && cur == c {
		delete(p.channels, c.fd)
	}
	if c.added {
		c.added = false
		return p.ctl(unix.EPOLL_CTL_DEL, c)
	}
	return nil
}

func (p *epollPoller) hasChannel(c *Channel) bool {
	cur, ok := p.channels[c.fd]
	return ok && cur == c
}

func (p *epollPoller) ctl(op int, c *Channel) error {
	ev := unix.EpollEvent{Events: c.events, Fd: int32(c.fd)}
	if err := unix.EpollCtl(p.epfd, op, c.fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl op=%d fd=%d: %w", op, c.fd, err)
	}
	return nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}

func newWakeupFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("eventfd: %w", err)
	}
	return fd, nil
}

func writeWakeup(fd int) error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// The counter is saturated, the loop is already due to wake.
		return nil
	}
	return err
}

func readWakeup(fd int) error {
	var b [8]byte
	_, err := unix.Read(fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func closeFd(fd int) error {
	return unix.Close(fd)
}

func gettid() int {
	return unix.Gettid()
}
