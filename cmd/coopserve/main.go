// Command coopserve runs an HTTP, SCGI or echo server on cooperative
// sockets.
package main

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nagareproject/core-sub001/coop"
	"github.com/nagareproject/core-sub001/coopnet"
	"github.com/nagareproject/core-sub001/httpx"
	"github.com/nagareproject/core-sub001/httpx/scgi"
	"github.com/nagareproject/core-sub001/internal/config"
	"github.com/nagareproject/core-sub001/internal/obs"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if err == gnuflag.ErrHelp {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "coopserve: %v\n", err)
		os.Exit(1)
	}
}

// flags hold command line overrides of the configuration file.
type flags struct {
	configPath  string
	mode        string
	addr        string
	backlog     int
	grace       time.Duration
	logLevel    string
	logFormat   string
	metricsAddr string
	scriptName  string
}

func (f *flags) register(fs *gnuflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.mode, "mode", "", "serving mode: http, scgi or echo")
	fs.StringVar(&f.addr, "addr", "", "listen address (host:port)")
	fs.IntVar(&f.backlog, "backlog", 0, "listen backlog")
	fs.DurationVar(&f.grace, "shutdown-grace", 0, "time allowed to in-flight connections on shutdown")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "auto, json or console")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.StringVar(&f.scriptName, "script-name", "", "SCGI: override SCRIPT_NAME")
}

// apply copies the flags given on the command line into cfg.
func (f *flags) apply(fs *gnuflag.FlagSet, cfg *config.Config) {
	fs.Visit(func(fl *gnuflag.Flag) {
		switch fl.Name {
		case "mode":
			cfg.Mode = f.mode
		case "addr":
			cfg.Addr = f.addr
		case "backlog":
			cfg.Backlog = f.backlog
		case "shutdown-grace":
			cfg.ShutdownGrace = f.grace
		case "log-level":
			cfg.Log.Level = f.logLevel
		case "log-format":
			cfg.Log.Format = f.logFormat
		case "metrics-addr":
			cfg.Metrics.Addr = f.metricsAddr
		case "script-name":
			name := f.scriptName
			cfg.SCGI.ScriptName = &name
		}
	})
}

func loadConfig(args []string, stderr io.Writer) (config.Config, error) {
	fs := gnuflag.NewFlagSet("coopserve", gnuflag.ContinueOnError)
	fs.SetOutput(stderr)
	var f flags
	f.register(fs)
	if err := fs.Parse(true, args); err != nil {
		return config.Config{}, err
	}
	if fs.NArg() > 0 {
		return config.Config{}, errors.Errorf("unexpected arguments %q", fs.Args())
	}
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return config.Config{}, errors.Trace(err)
		}
	}
	f.apply(fs, &cfg)
	return cfg, errors.Trace(cfg.Validate())
}

func run(args []string, stderr *os.File) error {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return errors.Trace(err)
	}
	defer logger.Sync()
	coop.SetLogger(logger)
	coopnet.SetLogger(logger)
	httpx.SetLogger(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	meter := obs.NewPromMeter(reg, nil, logger)

	var metrics *metricsServer
	if cfg.Metrics.Addr != "" {
		metrics, err = startMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, reg, logger)
		if err != nil {
			return errors.Trace(err)
		}
		defer func() {
			if err := worker.Stop(metrics); err != nil {
				logger.Warn("stopping metrics server", zap.Error(err))
			}
		}()
	}

	srv, err := newServer(cfg, logger, meter)
	if err != nil {
		return errors.Trace(err)
	}
	if err := srv.Start(); err != nil {
		return errors.Trace(err)
	}
	logger.Info("coopserve started",
		zap.String("mode", cfg.Mode), zap.Stringer("addr", srv.Addr()))
	return errors.Trace(srv.Wait())
}

func newServer(cfg config.Config, logger *zap.Logger, meter obs.Meter) (*coopnet.EventServer, error) {
	signals := []os.Signal{os.Interrupt, syscall.SIGTERM}
	switch cfg.Mode {
	case config.ModeEcho:
		return coopnet.NewEventServer(coopnet.ServerConfig{
			Addr:          cfg.ListenAddr(),
			Backlog:       cfg.Backlog,
			Handler:       coopnet.EchoHandler{Logger: logger},
			Logger:        logger,
			Meter:         meter,
			ShutdownGrace: cfg.ShutdownGrace,
			Signals:       signals,
		})
	case config.ModeSCGI:
		s := &scgi.Server{
			Addr:           cfg.ListenAddr(),
			Backlog:        cfg.Backlog,
			Handler:        newApp(cfg),
			ScriptName:     cfg.SCGI.ScriptName,
			AllowedServers: cfg.SCGI.AllowedServers,
			MaxHeaderBytes: cfg.SCGI.MaxHeaderBytes,
			Logger:         logger,
			Meter:          meter,
			ShutdownGrace:  cfg.ShutdownGrace,
			Signals:        signals,
		}
		return s.Listen()
	default:
		s := &httpx.Server{
			Addr:                cfg.ListenAddr(),
			Backlog:             cfg.Backlog,
			Handler:             newApp(cfg),
			MaxHeaderBytes:      cfg.HTTP.MaxHeaderBytes,
			MaxTotalHeaderBytes: cfg.HTTP.MaxTotalHeaderBytes,
			MaxBodyBytes:        cfg.HTTP.MaxBodyBytes,
			Logger:              logger,
			Meter:               meter,
			ShutdownGrace:       cfg.ShutdownGrace,
			Signals:             signals,
		}
		return s.Listen()
	}
}
