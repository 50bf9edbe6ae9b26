package coopnet

import (
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nagareproject/core-sub001/coop"
	"github.com/nagareproject/core-sub001/evloop"
)

// Reactor couples a scheduler with an event loop.
type Reactor struct {
	sched  *coop.Scheduler
	loop   *evloop.Loop
	logger *zap.Logger

	startOnce sync.Once
	driver    *coop.Task
	stopping  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewReactor creates a reactor. The driver does not run until Start.
func NewReactor(logger *zap.Logger) (*Reactor, error) {
	if logger == nil {
		logger = Logger()
	}
	loop, err := evloop.New(logger)
	if err != nil {
		return nil, errors.Trace(err)
	}
	sched := coop.NewScheduler(coop.WithLogger(logger))
	sched.SetWaker(loop.Wake)
	return &Reactor{sched: sched, loop: loop, logger: logger}, nil
}

// Scheduler returns the scheduler running the reactor's tasks.
func (r *Reactor) Scheduler() *coop.Scheduler { return r.sched }

// Go spawns a task on the reactor's scheduler.
func (r *Reactor) Go(name string, fn func(*coop.Task) error) *coop.Task {
	return r.sched.Go(name, fn)
}

// Start spawns the driver task. Calling it again returns the same task.
func (r *Reactor) Start() *coop.Task {
	r.startOnce.Do(func() {
		r.driver = r.sched.Go("driver", r.drive)
	})
	return r.driver
}

func (r *Reactor) drive(t *coop.Task) error {
	busy := func() bool {
		return r.stopping.Load() || r.sched.Runnable() > 0
	}
	for !r.stopping.Load() {
		if _, err := r.loop.RunOnceIdle(busy); err != nil {
			return errors.Annotate(err, "driving event loop")
		}
		t.Yield()
	}
	r.logger.Debug("driver stopped", zap.Uint64("iterations", r.loop.Iterations()))
	return errors.Trace(r.loop.Close())
}

// Iterations returns how many times the driver polled the loop.
func (r *Reactor) Iterations() uint64 {
	return r.loop.Iterations()
}

// Stop asks the driver to exit after its current pass. Tasks still
// parked on socket I/O stay parked; close their sockets first.
func (r *Reactor) Stop() {
	r.stopping.Store(true)
	r.loop.Wake()
}

// Close stops the driver, waits for it and releases the loop. It may be
// called from any goroutine except a task of this reactor.
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		started := false
		r.startOnce.Do(func() {})
		if r.driver != nil {
			started = true
		}
		r.Stop()
		if !started {
			r.closeErr = errors.Trace(r.loop.Close())
			return
		}
		<-r.driver.Done()
		r.closeErr = r.driver.Err()
	})
	return r.closeErr
}

// NewSocket creates a non-blocking socket.
func (r *Reactor) NewSocket(family, sotype int) (*Socket, error) {
	fd, err := unix.Socket(family, sotype, 0)
	if err != nil {
		return nil, errors.Trace(os.NewSyscallError("socket", err))
	}
	s, err := r.wrap(fd, family, sotype)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Listen creates a stream socket bound to address and listening with
// the given backlog; backlog <= 0 means SOMAXCONN.
func (r *Reactor) Listen(network, address string, backlog int) (*Socket, error) {
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s, err := r.NewSocket(familyOf(network, addr.IP), unix.SOCK_STREAM)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		s.closeNow()
		return nil, errors.Trace(os.NewSyscallError("setsockopt", err))
	}
	if err := s.Bind(addr); err != nil {
		s.closeNow()
		return nil, errors.Trace(err)
	}
	if err := s.Listen(backlog); err != nil {
		s.closeNow()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// ListenPacket creates a datagram socket bound to address.
func (r *Reactor) ListenPacket(network, address string) (*Socket, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s, err := r.NewSocket(familyOf(network, addr.IP), unix.SOCK_DGRAM)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.Bind(addr); err != nil {
		s.closeNow()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Dial connects a new stream socket to address from task t.
func (r *Reactor) Dial(t *coop.Task, network, address string) (*Socket, error) {
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s, err := r.NewSocket(familyOf(network, addr.IP), unix.SOCK_STREAM)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.Connect(t, addr); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (r *Reactor) wrap(fd, family, sotype int) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("setnonblock", err)
	}
	unix.CloseOnExec(fd)
	return &Socket{
		r:       r,
		fd:      fd,
		family:  family,
		sotype:  sotype,
		readCh:  coop.NewChannel[ioResult](r.sched),
		writeCh: coop.NewChannel[ioResult](r.sched),
	}, nil
}
