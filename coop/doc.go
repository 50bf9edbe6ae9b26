// Package coop implements a cooperative task scheduler on top of
// goroutines.
//
// Every Task runs in its own goroutine, but only the task holding the
// scheduler's run token executes; all other tasks are either queued as
// runnable or parked on a Channel. A task gives the token away only at
// explicit suspension points:
//
//   - Task.Yield puts the task at the back of the run queue.
//   - Channel.Send and Channel.Receive park the task until the
//     rendezvous completes.
//   - Returning from the task function.
//
// Because exactly one task runs at a time, state shared between tasks of
// the same Scheduler needs no further locking.
//
// Channels are rendezvous points. A send to a channel with a parked
// receiver hands the value over, makes the receiver runnable and lets the
// sender continue. Balance reports parked receivers as a negative number
// and parked senders as a positive one.
//
//	s := coop.NewScheduler()
//	ch := coop.NewChannel[string](s)
//	s.Go("consumer", func(t *coop.Task) error {
//	    v, _ := ch.Receive(t)
//	    fmt.Println(v)
//	    return nil
//	})
//	s.Go("producer", func(t *coop.Task) error {
//	    return ch.Send(t, "hello")
//	})
package coop
