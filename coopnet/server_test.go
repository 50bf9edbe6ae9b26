package coopnet_test

import (
	"bytes"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"github.com/juju/worker/v4"

	"github.com/nagareproject/core-sub001/coop"
	"github.com/nagareproject/core-sub001/coopnet"
	"github.com/nagareproject/core-sub001/internal/obs"
)

type recordingMeter struct {
	mu       sync.Mutex
	counters map[string]float64
	observed map[string]int
}

func newRecordingMeter() *recordingMeter {
	return &recordingMeter{counters: map[string]float64{}, observed: map[string]int{}}
}

func (m *recordingMeter) Counter(name string, value float64, _ ...obs.Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *recordingMeter) Histogram(name string, _ float64, _ ...obs.Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed[name]++
}

func (m *recordingMeter) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func startServer(c *qt.C, cfg coopnet.ServerConfig) *coopnet.EventServer {
	c.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv, err := coopnet.NewEventServer(cfg)
	c.Assert(err, qt.IsNil)
	c.Assert(srv.State(), qt.Equals, coopnet.NotRunning)
	c.Assert(srv.Start(), qt.IsNil)
	c.Assert(srv.State(), qt.Equals, coopnet.Running)
	c.Cleanup(func() {
		srv.Kill()
		srv.Wait()
	})
	return srv
}

func dial(c *qt.C, srv *coopnet.EventServer) net.Conn {
	c.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 5*time.Second)
	c.Assert(err, qt.IsNil)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestEchoServer(t *testing.T) {
	c := qt.New(t)
	srv := startServer(c, coopnet.ServerConfig{Handler: coopnet.EchoHandler{}})

	conn := dial(c, srv)
	defer conn.Close()
	_, err := conn.Write([]byte("ping"))
	c.Assert(err, qt.IsNil)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf), qt.Equals, "ping")

	// A blank chunk ends the session.
	_, err = conn.Write([]byte("\r\n"))
	c.Assert(err, qt.IsNil)
	_, err = conn.Read(buf)
	c.Assert(err, qt.Equals, io.EOF)

	c.Assert(worker.Stop(srv), qt.IsNil)
	c.Assert(srv.State(), qt.Equals, coopnet.Stopped)
}

func TestEchoWithCooperativeClient(t *testing.T) {
	c := qt.New(t)
	r := startReactor(c)
	srv := startServer(c, coopnet.ServerConfig{Handler: coopnet.EchoHandler{}, Reactor: r})
	addr := srv.Addr().String()

	var reply []byte
	await(c, r.Go("client", func(t *coop.Task) error {
		conn, err := r.Dial(t, "tcp", addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := conn.SendAll(t, []byte("ping")); err != nil {
			return err
		}
		reply, err = conn.Recv(t, 16)
		return err
	}))
	c.Assert(string(reply), qt.Equals, "ping")
	c.Assert(worker.Stop(srv), qt.IsNil)
}

func TestKillDuringRecv(t *testing.T) {
	c := qt.New(t)
	// Probe connections may still be accepted before the listener
	// closes; only sessions that received data report.
	parked := make(chan struct{}, 16)
	results := make(chan error, 16)
	srv := startServer(c, coopnet.ServerConfig{
		Handler: coopnet.HandlerFunc(func(t *coop.Task, conn *coopnet.Socket, _ net.Addr) {
			parked <- struct{}{}
			data, err := conn.Recv(t, 64)
			if err != nil {
				return
			}
			results <- conn.SendAll(t, bytes.ToUpper(data))
		}),
	})
	addr := srv.Addr().String()

	conn := dial(c, srv)
	defer conn.Close()
	<-parked
	srv.Kill()

	// New connections are refused once the listener is closed.
	eventually(c, func() bool {
		other, err := net.Dial("tcp", addr)
		if err != nil {
			return true
		}
		other.Close()
		return false
	})
	_, err := net.Dial("tcp", addr)
	c.Assert(err, qt.ErrorIs, syscall.ECONNREFUSED)

	// The in-flight receive still completes.
	_, err = conn.Write([]byte("hello"))
	c.Assert(err, qt.IsNil)
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf), qt.Equals, "HELLO")
	c.Assert(<-results, qt.IsNil)

	c.Assert(srv.Wait(), qt.IsNil)
	c.Assert(srv.State(), qt.Equals, coopnet.Stopped)
}

func TestShutdownGraceClosesConnections(t *testing.T) {
	c := qt.New(t)
	clk := testclock.NewClock(time.Now())
	parked := make(chan struct{}, 1)
	results := make(chan error, 1)
	srv := startServer(c, coopnet.ServerConfig{
		Clock:         clk,
		ShutdownGrace: time.Minute,
		Handler: coopnet.HandlerFunc(func(t *coop.Task, conn *coopnet.Socket, _ net.Addr) {
			parked <- struct{}{}
			_, err := conn.Recv(t, 64)
			results <- err
		}),
	})
	conn := dial(c, srv)
	defer conn.Close()
	<-parked

	srv.Kill()
	c.Assert(clk.WaitAdvance(time.Minute, 5*time.Second, 1), qt.IsNil)
	c.Assert(<-results, qt.ErrorIs, coopnet.ErrClosed)
	c.Assert(srv.Wait(), qt.IsNil)
}

func TestHandlerPanicIsContained(t *testing.T) {
	c := qt.New(t)
	meter := newRecordingMeter()
	calls := 0
	srv := startServer(c, coopnet.ServerConfig{
		Meter: meter,
		Handler: coopnet.HandlerFunc(func(t *coop.Task, conn *coopnet.Socket, _ net.Addr) {
			calls++
			if calls == 1 {
				panic("boom")
			}
			conn.SendAll(t, []byte("ok"))
		}),
	})

	first := dial(c, srv)
	defer first.Close()
	_, err := first.Read(make([]byte, 1))
	c.Assert(err, qt.Equals, io.EOF)

	second := dial(c, srv)
	defer second.Close()
	data, err := io.ReadAll(second)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "ok")

	c.Assert(worker.Stop(srv), qt.IsNil)
	c.Assert(meter.counter("coopnet_handler_panics_total"), qt.Equals, 1.0)
	c.Assert(meter.counter("coopnet_connections_accepted_total"), qt.Equals, 2.0)
	c.Assert(meter.observed["coopnet_connection_duration_seconds"], qt.Equals, 2)
}

func TestKillBeforeStart(t *testing.T) {
	c := qt.New(t)
	srv, err := coopnet.NewEventServer(coopnet.ServerConfig{
		Addr:    "127.0.0.1:0",
		Handler: coopnet.EchoHandler{},
	})
	c.Assert(err, qt.IsNil)
	srv.Kill()
	c.Assert(srv.Wait(), qt.IsNil)
	c.Assert(srv.State(), qt.Equals, coopnet.Stopped)
	c.Assert(srv.Start(), qt.ErrorMatches, "server is stopped")
}

func TestWaitBeforeStart(t *testing.T) {
	c := qt.New(t)
	srv, err := coopnet.NewEventServer(coopnet.ServerConfig{
		Addr:    "127.0.0.1:0",
		Handler: coopnet.EchoHandler{},
	})
	c.Assert(err, qt.IsNil)
	c.Assert(srv.Wait(), qt.ErrorIs, coopnet.ErrNotStarted)
	c.Assert(srv.State(), qt.Equals, coopnet.NotRunning)

	c.Assert(worker.Stop(srv), qt.IsNil)
	c.Assert(srv.State(), qt.Equals, coopnet.Stopped)
}

func TestServerSignal(t *testing.T) {
	c := qt.New(t)
	srv := startServer(c, coopnet.ServerConfig{
		Handler: coopnet.EchoHandler{},
		Signals: []os.Signal{syscall.SIGUSR1},
	})
	c.Assert(syscall.Kill(os.Getpid(), syscall.SIGUSR1), qt.IsNil)
	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	select {
	case err := <-done:
		c.Assert(err, qt.IsNil)
	case <-time.After(5 * time.Second):
		c.Fatalf("server ignored the signal")
	}
}

func TestServerConfigValidate(t *testing.T) {
	c := qt.New(t)
	_, err := coopnet.NewEventServer(coopnet.ServerConfig{Addr: "127.0.0.1:0"})
	c.Assert(err, qt.ErrorMatches, "nil Handler not valid")
	_, err = coopnet.NewEventServer(coopnet.ServerConfig{Handler: coopnet.EchoHandler{}})
	c.Assert(err, qt.ErrorMatches, "empty Addr not valid")
}
