// Package config loads the coopserve configuration from YAML.
package config

import (
	"bytes"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Serving modes.
const (
	ModeHTTP = "http"
	ModeSCGI = "scgi"
	ModeEcho = "echo"
)

// Config is the whole coopserve configuration.
type Config struct {
	Mode string `yaml:"mode"`
	// Addr defaults per mode: ":8080" for http and echo,
	// "localhost:4000" for scgi.
	Addr          string        `yaml:"addr"`
	Backlog       int           `yaml:"backlog"`
	ShutdownGrace time.Duration `yaml:"shutdown-grace"`

	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
	HTTP    HTTP    `yaml:"http"`
	SCGI    SCGI    `yaml:"scgi"`
	Static  []Mount `yaml:"static"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the prometheus endpoint; an empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

type HTTP struct {
	MaxHeaderBytes      int   `yaml:"max-header-bytes"`
	MaxTotalHeaderBytes int   `yaml:"max-total-header-bytes"`
	MaxBodyBytes        int64 `yaml:"max-body-bytes"`
}

type SCGI struct {
	ScriptName     *string  `yaml:"script-name"`
	AllowedServers []string `yaml:"allowed-servers"`
	MaxHeaderBytes int      `yaml:"max-header-bytes"`
}

// Mount serves the files of Dir under Prefix.
type Mount struct {
	Prefix string `yaml:"prefix"`
	Dir    string `yaml:"dir"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Mode:          ModeHTTP,
		ShutdownGrace: 10 * time.Second,
		Log:           Log{Level: "info", Format: "auto"},
		Metrics:       Metrics{Path: "/metrics"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Trace(err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Annotatef(err, "loading %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.Annotate(err, "decoding configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// ListenAddr returns Addr or the mode's default address.
func (c Config) ListenAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	if c.Mode == ModeSCGI {
		return "localhost:4000"
	}
	return ":8080"
}

// Validate checks field values.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeHTTP, ModeSCGI, ModeEcho:
	default:
		return errors.NotValidf("mode %q", c.Mode)
	}
	if c.Backlog < 0 {
		return errors.NotValidf("negative backlog")
	}
	if c.ShutdownGrace < 0 {
		return errors.NotValidf("negative shutdown-grace")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.NotValidf("log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "auto", "json", "console":
	default:
		return errors.NotValidf("log format %q", c.Log.Format)
	}
	if c.Metrics.Addr != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.NotValidf("metrics path %q", c.Metrics.Path)
	}
	if c.HTTP.MaxHeaderBytes < 0 || c.HTTP.MaxTotalHeaderBytes < 0 || c.HTTP.MaxBodyBytes < 0 {
		return errors.NotValidf("negative http limit")
	}
	if c.SCGI.MaxHeaderBytes < 0 {
		return errors.NotValidf("negative scgi max-header-bytes")
	}
	for _, ip := range c.SCGI.AllowedServers {
		if net.ParseIP(ip) == nil {
			return errors.NotValidf("allowed server %q", ip)
		}
	}
	for _, m := range c.Static {
		if !strings.HasPrefix(m.Prefix, "/") {
			return errors.NotValidf("static prefix %q", m.Prefix)
		}
		if m.Dir == "" {
			return errors.NotValidf("empty static dir for %q", m.Prefix)
		}
	}
	return nil
}
