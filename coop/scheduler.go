package coop

import (
	"sync"

	"go.uber.org/zap"
)

// Stats is a snapshot of the scheduler queues.
type Stats struct {
	Live     int // tasks started and not yet finished
	Runnable int // tasks waiting in the run queue
	Parked   int // tasks parked on a channel
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used to report task failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scheduler hands a single run token between tasks.
type Scheduler struct {
	mu      sync.Mutex
	runq    []*Task
	current *Task
	live    int
	parked  int
	nextID  uint64
	waker   func()
	logger  *zap.Logger
}

// NewScheduler returns an idle scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{logger: Logger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetWaker installs a hook invoked every time a task becomes runnable.
// A driver that blocks while holding the token uses it to notice new work.
func (s *Scheduler) SetWaker(fn func()) {
	s.mu.Lock()
	s.waker = fn
	s.mu.Unlock()
}

// Go spawns fn as a new task. It may be called from any goroutine.
// If no task currently holds the run token the new task starts at once,
// otherwise it is queued behind the runnable tasks.
func (s *Scheduler) Go(name string, fn func(*Task) error) *Task {
	s.mu.Lock()
	s.nextID++
	t := &Task{
		s:    s,
		id:   s.nextID,
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.live++
	s.readyLocked(t)
	waker := s.waker
	s.mu.Unlock()

	go t.main(fn)
	if waker != nil {
		waker()
	}
	return t
}

// Stats returns the current queue sizes.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Live: s.live, Runnable: len(s.runq), Parked: s.parked}
}

// Runnable reports how many tasks wait in the run queue.
func (s *Scheduler) Runnable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runq)
}

// readyLocked makes t runnable. If nobody holds the token, t receives it.
func (s *Scheduler) readyLocked(t *Task) {
	if s.current == nil {
		s.current = t
		t.wake <- struct{}{}
		return
	}
	s.runq = append(s.runq, t)
}

// switchLocked passes the token to the head of the run queue and
// releases s.mu. The caller must already have queued or parked itself.
func (s *Scheduler) switchLocked() {
	var next *Task
	if len(s.runq) > 0 {
		next = s.runq[0]
		s.runq[0] = nil
		s.runq = s.runq[1:]
	}
	s.current = next
	s.mu.Unlock()
	if next != nil {
		next.wake <- struct{}{}
	}
}

// parkLocked suspends t until another party readies it. s.mu must be
// held; it is released while parked and not re-acquired.
func (s *Scheduler) parkLocked(t *Task) {
	s.mustHoldToken(t)
	s.parked++
	s.switchLocked()
	<-t.wake
}

// wakeLocked readies a parked task.
func (s *Scheduler) wakeLocked(t *Task) {
	s.parked--
	s.readyLocked(t)
}

func (s *Scheduler) notify() {
	s.mu.Lock()
	waker := s.waker
	s.mu.Unlock()
	if waker != nil {
		waker()
	}
}

func (s *Scheduler) mustHoldToken(t *Task) {
	if s.current != t {
		panic("coop: task " + t.String() + " suspended without holding the run token")
	}
}
