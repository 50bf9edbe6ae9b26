package coop

import (
	"context"
	"strconv"

	"go.uber.org/zap"
)

// Task is a unit of cooperative work. Its methods other than Yield may be
// called from any goroutine.
type Task struct {
	s    *Scheduler
	id   uint64
	name string
	wake chan struct{}
	done chan struct{}
	err  error
}

// ID returns the scheduler-unique task id.
func (t *Task) ID() uint64 { return t.id }

// Name returns the name given to Go.
func (t *Task) Name() string { return t.name }

// Scheduler returns the scheduler running t.
func (t *Task) Scheduler() *Scheduler { return t.s }

// Done is closed when the task function has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the error returned by the task function. Only meaningful
// after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Task) String() string {
	return t.name + "#" + strconv.FormatUint(t.id, 10)
}

// Yield lets the other runnable tasks execute before t continues.
// It returns immediately when no other task is runnable.
func (t *Task) Yield() {
	s := t.s
	s.mu.Lock()
	s.mustHoldToken(t)
	if len(s.runq) == 0 {
		s.mu.Unlock()
		return
	}
	s.runq = append(s.runq, t)
	s.switchLocked()
	<-t.wake
}

func (t *Task) main(fn func(*Task) error) {
	<-t.wake
	defer t.exit()
	t.err = fn(t)
}

func (t *Task) exit() {
	if t.err != nil {
		t.s.logger.Warn("task failed", zap.Stringer("task", t), zap.Error(t.err))
	}
	s := t.s
	s.mu.Lock()
	s.live--
	s.mu.Unlock()
	close(t.done)

	s.mu.Lock()
	s.switchLocked()
}

type taskKey struct{}

// WithTask returns a context carrying t.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

// TaskFrom extracts the task stored by WithTask.
func TaskFrom(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskKey{}).(*Task)
	return t, ok && t != nil
}
