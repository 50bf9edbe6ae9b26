package scgi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/nagareproject/core-sub001/coop"
	"github.com/nagareproject/core-sub001/coopnet"
	"github.com/nagareproject/core-sub001/httpx"
	"github.com/nagareproject/core-sub001/httpx/internal/http1"
	"github.com/nagareproject/core-sub001/internal/obs"
)

// DefaultAddr is the conventional SCGI address.
const DefaultAddr = "localhost:4000"

// Server runs an httpx.Handler for SCGI requests.
type Server struct {
	Addr    string
	Handler httpx.Handler
	// Backlog is the listen backlog; zero means SOMAXCONN.
	Backlog int

	// ScriptName, when set, replaces SCRIPT_NAME from the front server
	// and is stripped from the front of PATH_INFO.
	ScriptName *string
	// AllowedServers lists the peer IPs that may connect. Empty allows
	// any peer.
	AllowedServers []string
	MaxHeaderBytes int

	Reactor       *coopnet.Reactor
	Logger        *zap.Logger
	Meter         obs.Meter
	Clock         clock.Clock
	ShutdownGrace time.Duration
	Signals       []os.Signal
}

var _ coopnet.Handler = (*Server)(nil)

// Listen binds the server address; the caller starts the returned
// event server.
func (s *Server) Listen() (*coopnet.EventServer, error) {
	addr := s.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	srv, err := coopnet.NewEventServer(coopnet.ServerConfig{
		Addr:          addr,
		Backlog:       s.Backlog,
		Handler:       s,
		Reactor:       s.Reactor,
		Logger:        s.logger(),
		Meter:         s.Meter,
		Clock:         s.Clock,
		ShutdownGrace: s.ShutdownGrace,
		Signals:       s.Signals,
	})
	return srv, errors.Trace(err)
}

func (s *Server) ListenAndServe() error {
	srv, err := s.Listen()
	if err != nil {
		return errors.Trace(err)
	}
	return srv.Run()
}

// ServeConn serves the single request carried by conn.
func (s *Server) ServeConn(t *coop.Task, conn *coopnet.Socket, remote net.Addr) {
	logger := s.logger().With(zap.Stringer("remote", remote))
	if !s.allowed(remote) {
		s.meter().Counter("scgi_rejected_peers_total", 1)
		logger.Warn("peer not in allowed servers")
		return
	}
	f := conn.MakeFile(t)
	defer f.Close()
	start := s.clock().Now()
	br := bufio.NewReader(f)
	bw := bufio.NewWriter(f)

	sreq, err := ReadRequest(br, s.MaxHeaderBytes)
	if err != nil {
		if err != io.EOF && !errors.Is(err, coopnet.ErrClosed) {
			logger.Debug("reading request", zap.Error(err))
			writeStatus(bw, 400)
		}
		return
	}
	req, err := s.newRequest(t, sreq, remote)
	if err != nil {
		logger.Debug("building request", zap.Error(err))
		writeStatus(bw, 400)
		return
	}

	w := &responseWriter{bw: bw, hdr: httpx.Header{}, method: req.Method}
	w.hdr.Set("X-Request-ID", req.RequestID)
	func() {
		defer func() {
			if p := recover(); p != nil {
				s.meter().Counter("scgi_handler_panics_total", 1)
				logger.Error("handler panic",
					zap.String("request_id", req.RequestID), zap.Any("panic", p), zap.Stack("stack"))
				if !w.wroteHdr {
					w.hdr = httpx.Header{}
					w.WriteHeader(500)
				}
			}
		}()
		s.handler().ServeHTTP(w, req)
	}()
	if err := w.finish(); err != nil {
		logger.Debug("writing response", zap.Error(err))
		return
	}
	s.meter().Counter("scgi_requests_total", 1, obs.Label{Key: "code", Value: strconv.Itoa(w.status)})
	s.meter().Histogram("scgi_request_duration_seconds", s.clock().Now().Sub(start).Seconds())
	logger.Debug("request",
		zap.String("method", req.Method),
		zap.String("uri", req.RequestURI),
		zap.Int("status", w.status),
		zap.String("request_id", req.RequestID))
}

// stripScriptName removes prefix from p when it covers whole path
// segments.
func stripScriptName(p, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return p
	}
	if p == prefix || strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix):]
	}
	return p
}

func (s *Server) newRequest(t *coop.Task, sreq *Request, remote net.Addr) (*httpx.Request, error) {
	env := sreq.Env
	scriptName, pathInfo := env["SCRIPT_NAME"], env["PATH_INFO"]
	if s.ScriptName != nil {
		pathInfo = stripScriptName(pathInfo, *s.ScriptName)
		scriptName = *s.ScriptName
	}
	if pathInfo == "" {
		pathInfo = "/"
	}
	uri := env["REQUEST_URI"]
	if uri == "" {
		uri = scriptName + pathInfo
		if q := env["QUERY_STRING"]; q != "" {
			uri += "?" + q
		}
	}
	u := &url.URL{Path: pathInfo, RawQuery: env["QUERY_STRING"]}

	hdr := httpx.Header{}
	for _, name := range sreq.Names {
		switch {
		case strings.HasPrefix(name, "HTTP_"):
			hdr.Add(strings.ReplaceAll(name[len("HTTP_"):], "_", "-"), env[name])
		case name == "CONTENT_TYPE" && env[name] != "":
			hdr.Set("Content-Type", env[name])
		}
	}
	if sreq.ContentLength > 0 {
		hdr.Set("Content-Length", strconv.FormatInt(sreq.ContentLength, 10))
	}

	method := env["REQUEST_METHOD"]
	if method == "" {
		return nil, errors.Annotate(ErrMalformed, "missing REQUEST_METHOD")
	}
	proto := env["SERVER_PROTOCOL"]
	if proto == "" {
		proto = "HTTP/1.0"
	}
	if addr := clientAddr(env); addr != nil {
		remote = addr
	}
	id := hdr.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	req := &httpx.Request{
		Method:        method,
		URL:           u,
		RequestURI:    uri,
		Proto:         proto,
		Header:        hdr,
		Body:          io.NopCloser(sreq.Body),
		Host:          hdr.Get("Host"),
		ContentLength: sreq.ContentLength,
		RemoteAddr:    remote,
		ScriptName:    scriptName,
		RequestID:     id,
	}
	ctx := coop.WithTask(httpx.WithRequestID(context.Background(), id), t)
	return httpx.WithContext(req, ctx), nil
}

// clientAddr is the browser address reported by the front server.
func clientAddr(env map[string]string) net.Addr {
	ip := net.ParseIP(env["REMOTE_ADDR"])
	if ip == nil {
		return nil
	}
	port, _ := strconv.Atoi(env["REMOTE_PORT"])
	return &net.TCPAddr{IP: ip, Port: port}
}

func (s *Server) allowed(remote net.Addr) bool {
	if len(s.AllowedServers) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	for _, a := range s.AllowedServers {
		if allowed := net.ParseIP(a); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

func (s *Server) handler() httpx.Handler {
	if s.Handler != nil {
		return s.Handler
	}
	return httpx.NotFoundHandler()
}

func (s *Server) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return httpx.Logger()
}

func (s *Server) meter() obs.Meter {
	if s.Meter != nil {
		return s.Meter
	}
	return obs.NopMeter{}
}

func (s *Server) clock() clock.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return clock.WallClock
}

func writeStatus(bw *bufio.Writer, status int) {
	fmt.Fprintf(bw, "Status: %d %s\r\nContent-Type: text/plain\r\n\r\n%s\n", status, http1.Reason(status), http1.Reason(status))
	_ = bw.Flush()
}

// responseWriter writes a CGI style response. The connection end
// delimits the body.
type responseWriter struct {
	bw       *bufio.Writer
	hdr      httpx.Header
	method   string
	status   int
	wroteHdr bool
	err      error
}

func (w *responseWriter) Header() httpx.Header {
	return w.hdr
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHdr {
		return
	}
	if status == 0 {
		status = 200
	}
	w.status = status
	w.wroteHdr = true
	if _, err := fmt.Fprintf(w.bw, "Status: %d %s\r\n", status, http1.Reason(status)); err != nil {
		w.err = err
		return
	}
	keys := make([]string, 0, len(w.hdr))
	for k := range w.hdr {
		if k == "Status" || k == "Connection" || k == "Transfer-Encoding" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range w.hdr[k] {
			fmt.Fprintf(w.bw, "%s: %s\r\n", k, http1.SanitizeHeaderValue(v))
		}
	}
	_, w.err = w.bw.WriteString("\r\n")
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.wroteHdr {
		w.WriteHeader(200)
	}
	if w.err != nil {
		return 0, w.err
	}
	if http1.NoBody(w.status, w.method) {
		if w.method == "HEAD" {
			return len(p), nil
		}
		return 0, httpx.ErrBodyNotAllowed
	}
	n, err := w.bw.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

func (w *responseWriter) Flush() error {
	if !w.wroteHdr {
		w.WriteHeader(200)
	}
	if w.err != nil {
		return w.err
	}
	return w.bw.Flush()
}

func (w *responseWriter) finish() error {
	if !w.wroteHdr {
		w.WriteHeader(200)
	}
	if w.err != nil {
		return w.err
	}
	return w.bw.Flush()
}
