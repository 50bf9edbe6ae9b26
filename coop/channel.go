package coop

import "github.com/juju/errors"

// ErrClosed is returned by Send on a closed channel.
const ErrClosed = errors.ConstError("coop: channel closed")

type waiter[T any] struct {
	t   *Task
	val T
	ok  bool
}

// Channel is a rendezvous point between tasks of one Scheduler.
type Channel[T any] struct {
	s      *Scheduler
	recvq  []*waiter[T]
	sendq  []*waiter[T]
	closed bool
}

// NewChannel returns an open channel bound to s.
func NewChannel[T any](s *Scheduler) *Channel[T] {
	return &Channel[T]{s: s}
}

// Send delivers v to a parked receiver, or parks t until one arrives.
func (c *Channel[T]) Send(t *Task, v T) error {
	s := c.s
	s.mu.Lock()
	if c.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(c.recvq) > 0 {
		w := c.popRecv()
		w.val, w.ok = v, true
		s.wakeLocked(w.t)
		s.mu.Unlock()
		return nil
	}
	w := &waiter[T]{t: t, val: v}
	c.sendq = append(c.sendq, w)
	s.parkLocked(t)
	if !w.ok {
		return ErrClosed
	}
	return nil
}

// TrySend delivers v only if a receiver is parked. It never parks and
// may be called by whichever party holds the run token, or by any
// goroutine.
func (c *Channel[T]) TrySend(v T) bool {
	s := c.s
	s.mu.Lock()
	if c.closed || len(c.recvq) == 0 {
		s.mu.Unlock()
		return false
	}
	w := c.popRecv()
	w.val, w.ok = v, true
	s.wakeLocked(w.t)
	s.mu.Unlock()
	s.notify()
	return true
}

// Receive takes a value from a parked sender, or parks t until one
// arrives. ok is false once the channel is closed and drained.
func (c *Channel[T]) Receive(t *Task) (v T, ok bool) {
	s := c.s
	s.mu.Lock()
	if len(c.sendq) > 0 {
		w := c.sendq[0]
		c.sendq[0] = nil
		c.sendq = c.sendq[1:]
		v = w.val
		w.ok = true
		s.wakeLocked(w.t)
		s.mu.Unlock()
		return v, true
	}
	if c.closed {
		s.mu.Unlock()
		return v, false
	}
	w := &waiter[T]{t: t}
	c.recvq = append(c.recvq, w)
	s.parkLocked(t)
	return w.val, w.ok
}

// Close releases every parked task. Further sends fail and receives
// return immediately. Closing twice is a no-op.
func (c *Channel[T]) Close() {
	s := c.s
	s.mu.Lock()
	if c.closed {
		s.mu.Unlock()
		return
	}
	c.closed = true
	released := len(c.recvq) + len(c.sendq)
	for _, w := range c.recvq {
		s.wakeLocked(w.t)
	}
	for _, w := range c.sendq {
		s.wakeLocked(w.t)
	}
	c.recvq, c.sendq = nil, nil
	s.mu.Unlock()
	if released > 0 {
		s.notify()
	}
}

// Closed reports whether Close was called.
func (c *Channel[T]) Closed() bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.closed
}

// Balance is the number of parked senders minus parked receivers.
func (c *Channel[T]) Balance() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return len(c.sendq) - len(c.recvq)
}

func (c *Channel[T]) popRecv() *waiter[T] {
	w := c.recvq[0]
	c.recvq[0] = nil
	c.recvq = c.recvq[1:]
	return w
}
