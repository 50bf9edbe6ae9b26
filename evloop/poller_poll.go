//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package evloop

import (
	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// pollPoller rebuilds the pollfd set on every wait. Descriptor counts
// served by one loop stay small enough for that to be fine.
type pollPoller struct {
	interest map[int]Events
	fds      []unix.PollFd
}

func newPoller() (poller, error) {
	return &pollPoller{interest: make(map[int]Events)}, nil
}

func (p *pollPoller) ctl(fd int, _, new Events) error {
	if new == 0 {
		delete(p.interest, fd)
		return nil
	}
	p.interest[fd] = new
	return nil
}

func (p *pollPoller) wait(out []readiness, msec int) (int, error) {
	p.fds = p.fds[:0]
	for fd, ev := range p.interest {
		var m int16
		if ev&EvRead != 0 {
			m |= unix.POLLIN
		}
		if ev&EvWrite != 0 {
			m |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: m})
	}
	_, err := unix.Poll(p.fds, msec)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Trace(err)
	}
	n := 0
	for _, pfd := range p.fds {
		if pfd.Revents == 0 || n == len(out) {
			continue
		}
		var ev Events
		if pfd.Revents&unix.POLLIN != 0 {
			ev |= EvRead
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			ev |= EvWrite
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			ev |= EvRead | EvWrite
		}
		out[n] = readiness{fd: int(pfd.Fd), ev: ev}
		n++
	}
	return n, nil
}

func (p *pollPoller) close() error {
	p.interest = nil
	return nil
}
