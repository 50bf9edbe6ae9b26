package coopnet

import "github.com/juju/errors"

const (
	// ErrClosed is returned by operations on a closed socket, including
	// operations that were parked when Close was called.
	ErrClosed = errors.ConstError("coopnet: socket closed")
	// ErrBusy is returned when a task waits on a socket direction that
	// another task is already waiting on.
	ErrBusy = errors.ConstError("coopnet: socket direction busy")
	// ErrNotStarted is returned by EventServer.Wait before Start or Kill.
	ErrNotStarted = errors.ConstError("coopnet: server not started")
)

// ConnectAttempts bounds the non-blocking connect attempts of Connect.
const ConnectAttempts = 10
