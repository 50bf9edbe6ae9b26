// Package evloop drives callbacks from OS readiness notifications.
//
// A Loop keeps, per descriptor, at most one read and one write
// registration. Registrations are one-shot unless EvPersist is set:
// a one-shot registration is dropped before its callback runs, so the
// callback may immediately register again. RunOnce polls the underlying
// primitive (epoll on Linux, poll(2) elsewhere) and invokes each ready
// callback once.
//
// A Loop is not safe for concurrent use. It is meant to be driven by a
// single cooperative task; the only method callable from other
// goroutines is Wake, which interrupts a blocking RunOnceIdle.
package evloop
