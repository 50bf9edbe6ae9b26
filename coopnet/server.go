package coopnet

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/nagareproject/core-sub001/coop"
	"github.com/nagareproject/core-sub001/internal/obs"
)

// Handler serves one accepted connection. The connection is closed when
// ServeConn returns.
type Handler interface {
	ServeConn(t *coop.Task, conn *Socket, remote net.Addr)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(t *coop.Task, conn *Socket, remote net.Addr)

func (f HandlerFunc) ServeConn(t *coop.Task, conn *Socket, remote net.Addr) { f(t, conn, remote) }

// State is the lifecycle position of an EventServer.
type State int32

const (
	NotRunning State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not running"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// DefaultShutdownGrace bounds how long in-flight connections may run
// after termination was requested.
const DefaultShutdownGrace = 10 * time.Second

// ServerConfig configures an EventServer.
type ServerConfig struct {
	// Network is "tcp", "tcp4" or "tcp6"; empty means "tcp".
	Network string
	// Addr is the host:port to listen on.
	Addr string
	// Backlog is the listen backlog; zero means SOMAXCONN.
	Backlog int
	Handler Handler

	// Reactor runs the server. When nil the server creates one and
	// closes it on exit.
	Reactor *Reactor
	Logger  *zap.Logger
	Meter   obs.Meter
	Clock   clock.Clock
	// ShutdownGrace defaults to DefaultShutdownGrace.
	ShutdownGrace time.Duration
	// Signals terminate the server when received. None by default.
	Signals []os.Signal
}

// Validate checks the required fields.
func (c ServerConfig) Validate() error {
	if c.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	if c.Addr == "" {
		return errors.NotValidf("empty Addr")
	}
	if c.ShutdownGrace < 0 {
		return errors.NotValidf("negative ShutdownGrace")
	}
	return nil
}

func (c *ServerConfig) setDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.Logger == nil {
		c.Logger = Logger()
	}
	if c.Meter == nil {
		c.Meter = obs.NopMeter{}
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
}

// EventServer accepts connections and serves each one in its own task.
type EventServer struct {
	cfg      ServerConfig
	reactor  *Reactor
	ownsLoop bool
	listener *Socket
	logger   *zap.Logger

	tomb  tomb.Tomb
	state atomic.Int32

	// conns is only touched by tasks of the reactor.
	conns  map[*Socket]struct{}
	active sync.WaitGroup
}

var _ worker.Worker = (*EventServer)(nil)

// NewEventServer binds and listens on cfg.Addr. The server does not
// accept until Start.
func NewEventServer(cfg ServerConfig) (*EventServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cfg.setDefaults()
	s := &EventServer{
		cfg:     cfg,
		reactor: cfg.Reactor,
		logger:  cfg.Logger,
		conns:   make(map[*Socket]struct{}),
	}
	if s.reactor == nil {
		r, err := NewReactor(cfg.Logger)
		if err != nil {
			return nil, errors.Trace(err)
		}
		s.reactor, s.ownsLoop = r, true
	}
	ln, err := s.reactor.Listen(cfg.Network, cfg.Addr, cfg.Backlog)
	if err != nil {
		if s.ownsLoop {
			_ = s.reactor.Close()
		}
		return nil, errors.Annotatef(err, "listening on %s", cfg.Addr)
	}
	s.listener = ln
	s.logger = s.logger.With(zap.Stringer("addr", ln.LocalAddr()))
	return s, nil
}

// Addr returns the listening address.
func (s *EventServer) Addr() net.Addr { return s.listener.LocalAddr() }

// Reactor returns the reactor running the server.
func (s *EventServer) Reactor() *Reactor { return s.reactor }

// State returns the current lifecycle state.
func (s *EventServer) State() State { return State(s.state.Load()) }

// Start begins accepting connections.
func (s *EventServer) Start() error {
	if !s.state.CompareAndSwap(int32(NotRunning), int32(Running)) {
		return errors.Errorf("server is %v", s.State())
	}
	var sigc chan os.Signal
	if len(s.cfg.Signals) > 0 {
		sigc = make(chan os.Signal, 1)
		signal.Notify(sigc, s.cfg.Signals...)
	}
	s.reactor.Start()
	acceptor := s.reactor.Go("acceptor", s.acceptLoop)
	s.tomb.Go(func() error {
		if sigc != nil {
			defer signal.Stop(sigc)
		}
		return s.supervise(acceptor, sigc)
	})
	s.logger.Info("serving")
	return nil
}

// Run starts the server and waits until it stops.
func (s *EventServer) Run() error {
	if err := s.Start(); err != nil {
		return errors.Trace(err)
	}
	return s.Wait()
}

// Kill requests termination. It does not wait; see Wait.
func (s *EventServer) Kill() {
	if s.state.CompareAndSwap(int32(NotRunning), int32(Stopped)) {
		// Never started: there is no supervisor to release the listener.
		s.tomb.Go(func() error {
			return s.release()
		})
	}
	s.tomb.Kill(nil)
}

// Wait blocks until the server has stopped and returns its error. It
// returns ErrNotStarted at once when neither Start nor Kill was called.
func (s *EventServer) Wait() error {
	if s.State() == NotRunning {
		return ErrNotStarted
	}
	return s.tomb.Wait()
}

func (s *EventServer) supervise(acceptor *coop.Task, sigc <-chan os.Signal) error {
	select {
	case sig := <-sigc:
		s.logger.Info("termination signal", zap.Stringer("signal", sig))
	case <-s.tomb.Dying():
	case <-acceptor.Done():
	}
	s.state.Store(int32(Stopped))

	s.do("close listener", func(*coop.Task) error {
		return s.listener.Close()
	})
	<-acceptor.Done()
	acceptErr := acceptor.Err()

	drained := make(chan struct{})
	go func() {
		s.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-s.cfg.Clock.After(s.cfg.ShutdownGrace):
		s.do("close connections", func(*coop.Task) error {
			s.logger.Warn("closing connections after grace period",
				zap.Int("remaining", len(s.conns)), zap.Duration("grace", s.cfg.ShutdownGrace))
			for conn := range s.conns {
				_ = conn.Close()
			}
			return nil
		})
		<-drained
	}

	if s.ownsLoop {
		if err := s.reactor.Close(); err != nil {
			s.logger.Error("closing reactor", zap.Error(err))
		}
	}
	s.logger.Info("stopped")
	return errors.Trace(acceptErr)
}

// release frees the resources of a server that never started.
func (s *EventServer) release() error {
	s.do("close listener", func(*coop.Task) error {
		return s.listener.Close()
	})
	if s.ownsLoop {
		return errors.Trace(s.reactor.Close())
	}
	return nil
}

// do runs fn in a task of the reactor and waits for it.
func (s *EventServer) do(name string, fn func(*coop.Task) error) {
	t := s.reactor.Go(name, fn)
	<-t.Done()
	if err := t.Err(); err != nil {
		s.logger.Warn(name, zap.Error(err))
	}
}

func (s *EventServer) acceptLoop(t *coop.Task) error {
	for {
		conn, remote, err := s.listener.Accept(t)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			s.cfg.Meter.Counter("coopnet_accept_errors_total", 1)
			return errors.Annotate(err, "accepting")
		}
		s.cfg.Meter.Counter("coopnet_connections_accepted_total", 1)
		s.conns[conn] = struct{}{}
		s.active.Add(1)
		s.reactor.Go("conn "+remote.String(), func(t *coop.Task) error {
			s.serve(t, conn, remote)
			return nil
		})
	}
}

func (s *EventServer) serve(t *coop.Task, conn *Socket, remote net.Addr) {
	defer s.active.Done()
	start := s.cfg.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Meter.Counter("coopnet_handler_panics_total", 1)
			s.logger.Error("handler panic",
				zap.Stringer("remote", remote), zap.Any("panic", r), zap.Stack("stack"))
		}
		delete(s.conns, conn)
		if err := conn.Close(); err != nil {
			s.logger.Debug("closing connection", zap.Stringer("remote", remote), zap.Error(err))
		}
		s.cfg.Meter.Histogram("coopnet_connection_duration_seconds", s.cfg.Clock.Now().Sub(start).Seconds())
	}()
	s.cfg.Handler.ServeConn(t, conn, remote)
}
