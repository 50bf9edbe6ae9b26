package evloop

// Event is a registration returned by Loop.Add.
type Event struct {
	loop    *Loop
	fd      int
	dir     Events
	persist bool
	cb      Callback
	enabled bool
}

// Fd returns the watched descriptor.
func (e *Event) Fd() int { return e.fd }

// Direction returns EvRead or EvWrite.
func (e *Event) Direction() Events { return e.dir }

// Enabled reports whether the registration is armed.
func (e *Event) Enabled() bool { return e.enabled && e.registered() }

// Enable re-arms a disabled registration.
func (e *Event) Enable() error {
	return e.setEnabled(true)
}

// Disable stops delivering readiness without dropping the registration.
func (e *Event) Disable() error {
	return e.setEnabled(false)
}

// Delete drops the registration. Deleting twice is a no-op.
func (e *Event) Delete() error {
	l := e.loop
	if l.closed || !e.registered() {
		return nil
	}
	s := l.slots[e.fd]
	s.set(e.dir, nil)
	return l.sync(e.fd, s)
}

func (e *Event) setEnabled(on bool) error {
	l := e.loop
	if l.closed {
		return ErrClosed
	}
	if !e.registered() {
		return nil
	}
	e.enabled = on
	return l.sync(e.fd, l.slots[e.fd])
}

func (e *Event) registered() bool {
	if e.loop.closed {
		return false
	}
	s := e.loop.slots[e.fd]
	return s != nil && s.get(e.dir) == e
}
