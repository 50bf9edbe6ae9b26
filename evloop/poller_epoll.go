//go:build linux

package evloop

import (
	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

type epoller struct {
	fd     int
	events []unix.EpollEvent
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &epoller{fd: fd}, nil
}

func epollMask(ev Events) uint32 {
	var m uint32
	if ev&EvRead != 0 {
		m |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ev&EvWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func (p *epoller) ctl(fd int, old, new Events) error {
	ev := unix.EpollEvent{Events: epollMask(new), Fd: int32(fd)}
	var err error
	switch {
	case old == 0 && new == 0:
		return nil
	case old == 0:
		err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
		if err == unix.EEXIST {
			err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
		}
	case new == 0:
		err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
		if err == unix.ENOENT || err == unix.EBADF {
			err = nil
		}
	default:
		err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	return errors.Trace(err)
}

func (p *epoller) wait(out []readiness, msec int) (int, error) {
	if cap(p.events) < len(out) {
		p.events = make([]unix.EpollEvent, len(out))
	}
	events := p.events[:len(out)]
	n, err := unix.EpollWait(p.fd, events, msec)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Trace(err)
	}
	for i := 0; i < n; i++ {
		e := events[i].Events
		var ev Events
		if e&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLPRI) != 0 {
			ev |= EvRead
		}
		if e&unix.EPOLLOUT != 0 {
			ev |= EvWrite
		}
		if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ev |= EvRead | EvWrite
		}
		out[i] = readiness{fd: int(events[i].Fd), ev: ev}
	}
	return n, nil
}

func (p *epoller) close() error {
	return errors.Trace(unix.Close(p.fd))
}
