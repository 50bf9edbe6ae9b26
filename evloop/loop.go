package evloop

import (
	"strings"
	"sync/atomic"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Events is a set of readiness directions plus registration flags.
type Events uint32

const (
	EvRead Events = 1 << iota
	EvWrite
	EvPersist
)

func (e Events) String() string {
	var parts []string
	if e&EvRead != 0 {
		parts = append(parts, "read")
	}
	if e&EvWrite != 0 {
		parts = append(parts, "write")
	}
	if e&EvPersist != 0 {
		parts = append(parts, "persist")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

const (
	// ErrBusy is returned when a direction of a descriptor already has a
	// registration.
	ErrBusy = errors.ConstError("evloop: direction already registered")
	// ErrClosed is returned by a closed Loop.
	ErrClosed = errors.ConstError("evloop: loop closed")
)

// Callback is invoked with the descriptor and the direction that became
// ready.
type Callback func(fd int, ready Events)

type readiness struct {
	fd int
	ev Events
}

type poller interface {
	// ctl moves the interest set of fd from old to new.
	ctl(fd int, old, new Events) error
	// wait fills out with ready descriptors; msec < 0 blocks.
	wait(out []readiness, msec int) (int, error)
	close() error
}

type slot struct {
	read  *Event
	write *Event
	mask  Events
}

func (s *slot) get(dir Events) *Event {
	if dir == EvRead {
		return s.read
	}
	return s.write
}

func (s *slot) set(dir Events, e *Event) {
	if dir == EvRead {
		s.read = e
	} else {
		s.write = e
	}
}

// Loop dispatches readiness callbacks.
type Loop struct {
	p     poller
	slots map[int]*slot
	ready []readiness

	wakeR, wakeW int
	sleeping     atomic.Bool
	woken        atomic.Bool

	iterations atomic.Uint64
	closed     bool
	logger     *zap.Logger
}

// New creates a loop backed by the platform readiness primitive.
func New(logger *zap.Logger) (*Loop, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := newPoller()
	if err != nil {
		return nil, errors.Annotate(err, "creating poller")
	}
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		_ = p.close()
		return nil, errors.Annotate(err, "creating wake pipe")
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = p.close()
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, errors.Trace(err)
		}
	}
	if err := p.ctl(fds[0], 0, EvRead); err != nil {
		_ = p.close()
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, errors.Annotate(err, "watching wake pipe")
	}
	return &Loop{
		p:      p,
		slots:  make(map[int]*slot),
		ready:  make([]readiness, 128),
		wakeR:  fds[0],
		wakeW:  fds[1],
		logger: logger,
	}, nil
}

// Add registers cb for one direction of fd. events must hold exactly one
// of EvRead or EvWrite, optionally combined with EvPersist.
func (l *Loop) Add(fd int, events Events, cb Callback) (*Event, error) {
	if l.closed {
		return nil, ErrClosed
	}
	dir := events &^ EvPersist
	if dir != EvRead && dir != EvWrite {
		return nil, errors.NotValidf("events %v", events)
	}
	if cb == nil {
		return nil, errors.NotValidf("nil callback")
	}
	s := l.slots[fd]
	if s == nil {
		s = &slot{}
		l.slots[fd] = s
	}
	if s.get(dir) != nil {
		return nil, errors.Annotatef(ErrBusy, "fd %d %v", fd, dir)
	}
	e := &Event{
		loop:    l,
		fd:      fd,
		dir:     dir,
		persist: events&EvPersist != 0,
		cb:      cb,
		enabled: true,
	}
	s.set(dir, e)
	if err := l.sync(fd, s); err != nil {
		s.set(dir, nil)
		if s.read == nil && s.write == nil {
			delete(l.slots, fd)
		}
		return nil, errors.Trace(err)
	}
	return e, nil
}

// Read registers a one-shot read callback.
func (l *Loop) Read(fd int, cb Callback) error {
	_, err := l.Add(fd, EvRead, cb)
	return err
}

// Write registers a one-shot write callback.
func (l *Loop) Write(fd int, cb Callback) error {
	_, err := l.Add(fd, EvWrite, cb)
	return err
}

// Remove drops every registration of fd. It must be called before fd
// is closed.
func (l *Loop) Remove(fd int) {
	s := l.slots[fd]
	if s == nil {
		return
	}
	delete(l.slots, fd)
	if s.mask != 0 && !l.closed {
		if err := l.p.ctl(fd, s.mask, 0); err != nil {
			l.logger.Debug("removing descriptor", zap.Int("fd", fd), zap.Error(err))
		}
	}
}

// Pending returns the number of descriptors with a registration.
func (l *Loop) Pending() int {
	return len(l.slots)
}

// Iterations returns how many times the primitive was polled.
func (l *Loop) Iterations() uint64 {
	return l.iterations.Load()
}

// RunOnce polls once and dispatches the ready callbacks. When blocking
// is true it waits until a registration is ready or Wake is called.
func (l *Loop) RunOnce(blocking bool) (int, error) {
	if !blocking {
		return l.poll(0)
	}
	l.sleeping.Store(true)
	return l.poll(-1)
}

// RunOnceIdle blocks like RunOnce(true) unless busy reports pending work.
// busy is evaluated after the loop announced it may sleep, so work
// signalled through Wake concurrently is never missed.
func (l *Loop) RunOnceIdle(busy func() bool) (int, error) {
	l.sleeping.Store(true)
	if busy() {
		return l.poll(0)
	}
	return l.poll(-1)
}

// Wake interrupts a blocking poll. Safe from any goroutine.
func (l *Loop) Wake() {
	if !l.sleeping.Load() {
		return
	}
	if l.woken.CompareAndSwap(false, true) {
		_, _ = unix.Write(l.wakeW, []byte{0})
	}
}

// Close releases the primitive. Registrations are dropped.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.slots = nil
	err := l.p.close()
	_ = unix.Close(l.wakeR)
	_ = unix.Close(l.wakeW)
	return errors.Trace(err)
}

func (l *Loop) poll(msec int) (int, error) {
	if l.closed {
		l.sleeping.Store(false)
		return 0, ErrClosed
	}
	l.iterations.Add(1)
	n, err := l.p.wait(l.ready, msec)
	// Callbacks run awake; wakes they trigger need no pipe write.
	l.sleeping.Store(false)
	if err != nil {
		return 0, errors.Annotate(err, "polling")
	}
	dispatched := 0
	for i := 0; i < n; i++ {
		r := l.ready[i]
		if r.fd == l.wakeR {
			l.drainWake()
			continue
		}
		if r.ev&EvRead != 0 {
			dispatched += l.fire(r.fd, EvRead)
		}
		if r.ev&EvWrite != 0 {
			dispatched += l.fire(r.fd, EvWrite)
		}
	}
	return dispatched, nil
}

func (l *Loop) fire(fd int, dir Events) int {
	if l.closed {
		return 0
	}
	s := l.slots[fd]
	if s == nil {
		return 0
	}
	e := s.get(dir)
	if e == nil || !e.enabled {
		return 0
	}
	if !e.persist {
		s.set(dir, nil)
		if err := l.sync(fd, s); err != nil {
			l.logger.Warn("dropping one-shot registration", zap.Int("fd", fd), zap.Error(err))
		}
	}
	e.cb(fd, dir)
	return 1
}

// sync brings the poller interest set of fd in line with its slot.
func (l *Loop) sync(fd int, s *slot) error {
	var want Events
	if s.read != nil && s.read.enabled {
		want |= EvRead
	}
	if s.write != nil && s.write.enabled {
		want |= EvWrite
	}
	if want != s.mask {
		if err := l.p.ctl(fd, s.mask, want); err != nil {
			return errors.Annotatef(err, "updating fd %d to %v", fd, want)
		}
		s.mask = want
	}
	if s.read == nil && s.write == nil {
		delete(l.slots, fd)
	}
	return nil
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	l.woken.Store(false)
}
