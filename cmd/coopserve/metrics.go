package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

// metricsServer exposes a prometheus registry over plain net/http. It
// runs outside the reactor so scrapes never compete with served
// connections.
type metricsServer struct {
	tomb tomb.Tomb
	srv  *http.Server
	addr net.Addr
}

var _ worker.Worker = (*metricsServer)(nil)

func startMetrics(addr, path string, reg *prometheus.Registry, logger *zap.Logger) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "metrics listener on %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	m := &metricsServer{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr: ln.Addr(),
	}
	m.tomb.Go(func() error {
		m.tomb.Go(func() error {
			<-m.tomb.Dying()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return m.srv.Shutdown(ctx)
		})
		if err := m.srv.Serve(ln); err != http.ErrServerClosed {
			return errors.Trace(err)
		}
		return nil
	})
	logger.Info("serving metrics", zap.Stringer("addr", m.addr), zap.String("path", path))
	return m, nil
}

func (m *metricsServer) Kill() {
	m.tomb.Kill(nil)
}

func (m *metricsServer) Wait() error {
	return m.tomb.Wait()
}
