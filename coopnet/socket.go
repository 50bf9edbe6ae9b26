package coopnet

import (
	"io"
	"net"
	"os"
	"strconv"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"

	"github.com/nagareproject/core-sub001/coop"
	"github.com/nagareproject/core-sub001/evloop"
)

type ioResult struct {
	n    int
	from unix.Sockaddr
	err  error
}

type acceptResult struct {
	conn *Socket
	addr net.Addr
	err  error
}

// Socket is a non-blocking OS socket driven by a Reactor.
type Socket struct {
	r      *Reactor
	fd     int
	family int
	sotype int
	laddr  net.Addr
	raddr  net.Addr

	readCh  *coop.Channel[ioResult]
	writeCh *coop.Channel[ioResult]
	reading bool
	writing bool

	acceptCh  *coop.Channel[acceptResult]
	acceptEv  *evloop.Event
	accepting bool

	files    int
	released *coop.Channel[struct{}]
	closed   bool
}

// Fd returns the OS descriptor.
func (s *Socket) Fd() int { return s.fd }

// LocalAddr returns the bound address, or nil before Bind or Connect.
// It stays valid after Close.
func (s *Socket) LocalAddr() net.Addr { return s.laddr }

// updateLocal records the address the kernel assigned.
func (s *Socket) updateLocal() {
	if sa, err := unix.Getsockname(s.fd); err == nil {
		s.laddr = fromSockaddr(sa, s.sotype)
	}
}

// RemoteAddr returns the peer address of a connected socket.
func (s *Socket) RemoteAddr() net.Addr { return s.raddr }

func (s *Socket) String() string {
	return "socket(" + strconv.Itoa(s.fd) + ")"
}

// Bind assigns a local address.
func (s *Socket) Bind(addr net.Addr) error {
	sa, err := toSockaddr(addr, s.family)
	if err != nil {
		return errors.Trace(err)
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return &net.OpError{Op: "listen", Net: s.network(), Addr: addr, Err: os.NewSyscallError("bind", err)}
	}
	s.updateLocal()
	return nil
}

// Listen marks the socket as passive; backlog <= 0 means SOMAXCONN.
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return &net.OpError{Op: "listen", Net: s.network(), Addr: s.laddr, Err: os.NewSyscallError("listen", err)}
	}
	s.updateLocal()
	return nil
}

// Accept parks t until a connection arrives on a listening socket.
func (s *Socket) Accept(t *coop.Task) (*Socket, net.Addr, error) {
	if s.closed {
		return nil, nil, ErrClosed
	}
	if s.accepting {
		return nil, nil, ErrBusy
	}
	if s.acceptCh == nil {
		s.acceptCh = coop.NewChannel[acceptResult](s.r.sched)
		ev, err := s.r.loop.Add(s.fd, evloop.EvRead|evloop.EvPersist, s.onAcceptable)
		if err != nil {
			return nil, nil, errors.Annotate(err, "watching listener")
		}
		s.acceptEv = ev
	} else if err := s.acceptEv.Enable(); err != nil {
		return nil, nil, errors.Annotate(err, "watching listener")
	}

	s.accepting = true
	defer func() { s.accepting = false }()
	res, ok := s.acceptCh.Receive(t)
	if !ok {
		return nil, nil, ErrClosed
	}
	return res.conn, res.addr, res.err
}

// onAcceptable runs in the driver. It accepts only while an acceptor is
// parked; otherwise the registration is disabled until the next Accept.
func (s *Socket) onAcceptable(fd int, _ evloop.Events) {
	if s.acceptCh.Balance() >= 0 {
		_ = s.acceptEv.Disable()
		return
	}
	nfd, sa, err := unix.Accept(fd)
	switch err {
	case nil:
	case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED:
		return
	default:
		_ = s.acceptEv.Disable()
		s.acceptCh.TrySend(acceptResult{err: &net.OpError{
			Op: "accept", Net: s.network(), Addr: s.laddr, Err: os.NewSyscallError("accept", err),
		}})
		return
	}
	conn, err := s.r.wrap(nfd, s.family, s.sotype)
	if err != nil {
		_ = unix.Close(nfd)
		_ = s.acceptEv.Disable()
		s.acceptCh.TrySend(acceptResult{err: errors.Trace(err)})
		return
	}
	_ = unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if s.family != unix.AF_UNIX {
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	conn.raddr = fromSockaddr(sa, s.sotype)
	conn.updateLocal()
	if !s.acceptCh.TrySend(acceptResult{conn: conn, addr: conn.raddr}) {
		conn.closeNow()
	}
	if s.acceptCh.Balance() >= 0 {
		_ = s.acceptEv.Disable()
	}
}

// Connect connects the socket to addr, retrying up to ConnectAttempts
// times and yielding between attempts.
func (s *Socket) Connect(t *coop.Task, addr net.Addr) error {
	if s.closed {
		return ErrClosed
	}
	sa, err := toSockaddr(addr, s.family)
	if err != nil {
		return errors.Trace(err)
	}
	var last error
	for i := 0; i < ConnectAttempts; i++ {
		err := unix.Connect(s.fd, sa)
		switch err {
		case nil, unix.EISCONN:
			s.connected(addr)
			return nil
		case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
			res := s.await(t, evloop.EvWrite, func(fd int) ioResult {
				v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
				if err != nil {
					return ioResult{err: err}
				}
				if v != 0 {
					return ioResult{err: unix.Errno(v)}
				}
				if _, err := unix.Getpeername(fd); err != nil {
					return ioResult{err: err}
				}
				return ioResult{}
			})
			if res.err == nil {
				s.connected(addr)
				return nil
			}
			if res.err == ErrClosed || res.err == ErrBusy {
				return res.err
			}
			last = connectError(last, res.err)
		default:
			last = connectError(last, err)
		}
		t.Yield()
	}
	return &net.OpError{Op: "dial", Net: s.network(), Addr: addr, Err: os.NewSyscallError("connect", last)}
}

// connectError keeps the first failure of the handshake. Retrying on a
// descriptor whose handshake already failed reports ECONNABORTED or
// ENOTCONN on Linux, which would hide the cause.
func connectError(last, err error) error {
	if last != nil && (err == unix.ECONNABORTED || err == unix.ENOTCONN) {
		return last
	}
	return err
}

func (s *Socket) connected(addr net.Addr) {
	s.raddr = addr
	if sa, err := unix.Getpeername(s.fd); err == nil {
		s.raddr = fromSockaddr(sa, s.sotype)
	}
	s.updateLocal()
}

// Send writes some of p once the socket is writable and returns how
// many bytes were written.
func (s *Socket) Send(t *coop.Task, p []byte) (int, error) {
	res := s.await(t, evloop.EvWrite, func(fd int) ioResult {
		n, err := unix.Write(fd, p)
		if n < 0 {
			n = 0
		}
		return ioResult{n: n, err: err}
	})
	return res.n, s.opError("write", res.err)
}

// SendAll writes all of p.
func (s *Socket) SendAll(t *coop.Task, p []byte) error {
	for sent := 0; sent < len(p); {
		n, err := s.Send(t, p[sent:])
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}

// Recv reads up to max bytes. It returns io.EOF once the peer has shut
// down its side.
func (s *Socket) Recv(t *coop.Task, max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := s.RecvInto(t, buf)
	return buf[:n], err
}

// RecvInto reads into p.
func (s *Socket) RecvInto(t *coop.Task, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	res := s.await(t, evloop.EvRead, func(fd int) ioResult {
		n, err := unix.Read(fd, p)
		if n < 0 {
			n = 0
		}
		if n == 0 && err == nil {
			err = io.EOF
		}
		return ioResult{n: n, err: err}
	})
	return res.n, s.opError("read", res.err)
}

// RecvFrom reads one datagram of at most max bytes.
func (s *Socket) RecvFrom(t *coop.Task, max int) ([]byte, net.Addr, error) {
	buf := make([]byte, max)
	res := s.await(t, evloop.EvRead, func(fd int) ioResult {
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if n < 0 {
			n = 0
		}
		return ioResult{n: n, from: from, err: err}
	})
	if res.err != nil {
		return nil, nil, s.opError("read", res.err)
	}
	return buf[:res.n], fromSockaddr(res.from, s.sotype), nil
}

// SendTo sends p as one datagram to addr.
func (s *Socket) SendTo(t *coop.Task, p []byte, addr net.Addr) (int, error) {
	sa, err := toSockaddr(addr, s.family)
	if err != nil {
		return 0, errors.Trace(err)
	}
	res := s.await(t, evloop.EvWrite, func(fd int) ioResult {
		if err := unix.Sendto(fd, p, 0, sa); err != nil {
			return ioResult{err: err}
		}
		return ioResult{n: len(p)}
	})
	if res.err == nil && s.laddr == nil {
		s.updateLocal()
	}
	return res.n, s.opError("write", res.err)
}

// await registers op for the given readiness direction and parks t until
// op has run to a result other than EAGAIN.
func (s *Socket) await(t *coop.Task, dir evloop.Events, op func(fd int) ioResult) ioResult {
	if s.closed {
		return ioResult{err: ErrClosed}
	}
	ch, busy := s.readCh, &s.reading
	if dir == evloop.EvWrite {
		ch, busy = s.writeCh, &s.writing
	}
	if *busy {
		return ioResult{err: ErrBusy}
	}
	var cb evloop.Callback
	cb = func(fd int, _ evloop.Events) {
		res := op(fd)
		if res.err == unix.EAGAIN || res.err == unix.EINTR {
			_, err := s.r.loop.Add(fd, dir, cb)
			if err == nil {
				return
			}
			res = ioResult{err: err}
		}
		ch.TrySend(res)
	}
	if _, err := s.r.loop.Add(s.fd, dir, cb); err != nil {
		return ioResult{err: errors.Trace(err)}
	}

	*busy = true
	defer func() { *busy = false }()
	res, ok := ch.Receive(t)
	if !ok {
		return ioResult{err: ErrClosed}
	}
	return res
}

func (s *Socket) opError(op string, err error) error {
	switch err {
	case nil, io.EOF, ErrClosed, ErrBusy:
		return err
	}
	if _, ok := err.(unix.Errno); !ok {
		return err
	}
	return &net.OpError{
		Op:     op,
		Net:    s.network(),
		Source: s.laddr,
		Addr:   s.raddr,
		Err:    os.NewSyscallError(op, err),
	}
}

// MakeFile returns an io.ReadWriteCloser over the socket bound to t.
// The descriptor stays open until every File is closed, even after the
// socket itself is closed.
func (s *Socket) MakeFile(t *coop.Task) *File {
	s.files++
	return &File{s: s, t: t}
}

// Close releases the tasks parked on the socket with ErrClosed and drops
// its loop registrations. The descriptor is closed once no File refers
// to it. Closing twice is a no-op.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.r.loop.Remove(s.fd)
	s.readCh.Close()
	s.writeCh.Close()
	if s.acceptCh != nil {
		s.acceptCh.Close()
	}
	if s.files == 0 {
		return s.closeFd()
	}
	s.released = coop.NewChannel[struct{}](s.r.sched)
	s.r.Go("close "+s.String(), func(t *coop.Task) error {
		for s.files > 0 {
			if _, ok := s.released.Receive(t); !ok {
				break
			}
		}
		return s.closeFd()
	})
	return nil
}

func (s *Socket) release() {
	s.files--
	if s.released != nil {
		s.released.TrySend(struct{}{})
	}
}

func (s *Socket) closeFd() error {
	if err := unix.Close(s.fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

// closeNow closes a socket that was never registered with the loop.
func (s *Socket) closeNow() {
	s.closed = true
	_ = s.closeFd()
}

func (s *Socket) network() string {
	switch {
	case s.family == unix.AF_UNIX:
		return "unix"
	case s.sotype == unix.SOCK_DGRAM:
		return "udp"
	default:
		return "tcp"
	}
}
