// Package coopnet provides sockets whose blocking operations suspend the
// calling cooperative task instead of the OS thread.
//
// A Reactor owns a coop.Scheduler and an evloop.Loop and runs a driver
// task that alternates between polling the loop and yielding to the
// runnable tasks. Socket operations register a one-shot readiness
// callback, then park the task on a hand-off channel; the callback
// performs the system call and passes its result to the parked task.
//
// Every Socket method must be called from a task of the socket's
// reactor. Reactor.Listen, ListenPacket and NewSocket only issue system
// calls and may be used from any goroutine. At most one task may wait
// on each direction of a socket at a time; a second waiter gets ErrBusy.
//
// EventServer builds an accept-and-dispatch server on top: one task per
// connection, graceful drain on termination, and a worker.Worker
// lifecycle.
//
//	r, _ := coopnet.NewReactor(logger)
//	r.Start()
//	r.Go("client", func(t *coop.Task) error {
//		conn, err := r.Dial(t, "tcp", "127.0.0.1:8080")
//		if err != nil {
//			return err
//		}
//		defer conn.Close()
//		return conn.SendAll(t, []byte("ping"))
//	})
package coopnet
