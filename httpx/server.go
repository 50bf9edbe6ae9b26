package httpx

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/nagareproject/core-sub001/coop"
	"github.com/nagareproject/core-sub001/coopnet"
	"github.com/nagareproject/core-sub001/httpx/internal/http1"
	"github.com/nagareproject/core-sub001/internal/obs"
)

type Handler interface {
	ServeHTTP(ResponseWriter, *Request)
}

type HandlerFunc func(ResponseWriter, *Request)

func (f HandlerFunc) ServeHTTP(w ResponseWriter, r *Request) {
	f(w, r)
}

type ResponseWriter interface {
	Header() Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

const (
	DefaultMaxHeaderBytes      = 8 << 10
	DefaultMaxTotalHeaderBytes = 64 << 10
)

// Server serves HTTP/1.x on cooperative sockets. Each connection runs
// in one task; handlers reach it through Request.Task.
type Server struct {
	// Addr defaults to ":8080".
	Addr    string
	Handler Handler
	// Backlog is the listen backlog; zero means SOMAXCONN.
	Backlog int

	// MaxHeaderBytes bounds a single request or header line and
	// MaxTotalHeaderBytes the whole header block. MaxBodyBytes, when
	// positive, bounds request bodies.
	MaxHeaderBytes      int
	MaxTotalHeaderBytes int
	MaxBodyBytes        int64

	Reactor       *coopnet.Reactor
	Logger        *zap.Logger
	Meter         obs.Meter
	Clock         clock.Clock
	ShutdownGrace time.Duration
	Signals       []os.Signal
}

var _ coopnet.Handler = (*Server)(nil)

// Listen binds the server address and returns the event server that
// will accept on it. The caller starts and stops it.
func (s *Server) Listen() (*coopnet.EventServer, error) {
	addr := s.Addr
	if addr == "" {
		addr = ":8080"
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

// ListenAndServe listens and serves until the server is stopped by one
// of Signals.
func (s *Server) ListenAndServe() error {
	srv, err := s.Listen()
	if err != nil {
		return errors.Trace(err)
	}
	return srv.Run()
}

// ServeConn serves requests on conn until the peer or a handler ends the
// connection.
func (s *Server) ServeConn(t *coop.Task, conn *coopnet.Socket, remote net.Addr) {
	f := conn.MakeFile(t)
	defer f.Close()
	c := &serverConn{
		srv:    s,
		t:      t,
		remote: remote,
		br:     bufio.NewReader(f),
		bw:     bufio.NewWriter(f),
		logger: s.logger().With(zap.Stringer("remote", remote)),
	}
	for {
		keep, err := c.serveOne()
		if err != nil {
			c.logger.Debug("connection ended", zap.Error(err))
			return
		}
		if !keep {
			return
		}
	}
}

func (s *Server) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return Logger()
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

func (s *Server) handler() Handler {
	if s.Handler != nil {
		return s.Handler
	}
	return NotFoundHandler()
}

func (s *Server) maxHeaderBytes() int {
	if s.MaxHeaderBytes <= 0 {
		return DefaultMaxHeaderBytes
	}
	return s.MaxHeaderBytes
}

func (s *Server) maxTotalHeaderBytes() int {
	if s.MaxTotalHeaderBytes <= 0 {
		return DefaultMaxTotalHeaderBytes
	}
	return s.MaxTotalHeaderBytes
}

type serverConn struct {
	srv    *Server
	t      *coop.Task
	remote net.Addr
	br     *bufio.Reader
	bw     *bufio.Writer
	logger *zap.Logger
}

// serveOne handles a single request and reports whether the connection
// can carry another one.
func (c *serverConn) serveOne() (bool, error) {
	rr := &http1.Reader{
		BR:                  c.br,
		MaxHeaderBytes:      c.srv.maxHeaderBytes(),
		MaxTotalHeaderBytes: c.srv.maxTotalHeaderBytes(),
	}
	pr, err := rr.ReadRequest()
	if err != nil {
		if err == io.EOF || errors.Is(err, coopnet.ErrClosed) {
			return false, nil
		}
		if status := errorStatus(err); status != 0 {
			c.fail(status)
		}
		return false, errors.Annotate(err, "reading request")
	}
	start := c.srv.clock().Now()
	hdr := Header(pr.Header)

	u, err := parseRequestURI(pr.RequestURI)
	if err != nil {
		c.fail(400)
		return false, errors.Annotatef(ErrBadRequest, "request URI %q", pr.RequestURI)
	}
	host := hdr.Get("Host")
	if pr.Proto == "HTTP/1.1" && host == "" {
		c.fail(400)
		return false, errors.Annotate(ErrBadRequest, "missing Host")
	}
	keep := pr.Proto == "HTTP/1.1"
	if hasToken(hdr.Values("Connection"), "close") {
		keep = false
	} else if hasToken(hdr.Values("Connection"), "keep-alive") {
		keep = true
	}

	body := pr.Body
	var limited *maxBodyReader
	if max := c.srv.MaxBodyBytes; max > 0 {
		if pr.ContentLength > max {
			c.fail(413)
			return false, errors.Annotatef(ErrBodyTooLarge, "Content-Length %d", pr.ContentLength)
		}
		if pr.ContentLength < 0 {
			limited = &maxBodyReader{rc: body, n: max}
			body = limited
		}
	}

	w := &responseWriter{
		bw:            c.bw,
		method:        pr.Method,
		proto11:       pr.Proto == "HTTP/1.1",
		keepAlive:     keep,
		hdr:           Header{},
		contentLength: -1,
	}
	var cont *continueReader
	if w.proto11 && strings.EqualFold(hdr.Get("Expect"), "100-continue") && pr.ContentLength != 0 {
		cont = &continueReader{rc: body, w: w}
		body = cont
	}

	id := requestID(hdr.Get("X-Request-ID"))
	w.hdr.Set("X-Request-ID", id)
	ctx := coop.WithTask(WithRequestID(context.Background(), id), c.t)
	r := &Request{
		Method:        pr.Method,
		URL:           u,
		RequestURI:    pr.RequestURI,
		Proto:         pr.Proto,
		Header:        hdr,
		Body:          body,
		Host:          host,
		ContentLength: pr.ContentLength,
		RemoteAddr:    c.remote,
		RequestID:     id,
		ctx:           ctx,
	}

	if !c.runHandler(w, r) {
		// The response may be partial; only the connection close can
		// tell the client.
		_ = c.bw.Flush()
		return false, nil
	}
	if limited != nil && limited.err != nil && !w.wroteHdr {
		w.status = 413
	}
	switch {
	case cont != nil && !cont.sent:
		// The client may still be holding the body back.
		w.keepAlive = false
	default:
		if err := body.Close(); err != nil {
			w.keepAlive = false
		}
	}
	if err := w.finish(); err != nil {
		return false, errors.Annotate(err, "writing response")
	}
	meter := c.srv.meter()
	meter.Counter("httpx_requests_total", 1,
		obs.Label{Key: "method", Value: methodLabel(r.Method)},
		obs.Label{Key: "code", Value: strconv.Itoa(w.status)})
	meter.Histogram("httpx_request_duration_seconds", c.srv.clock().Now().Sub(start).Seconds())
	c.logger.Debug("request",
		zap.String("method", r.Method),
		zap.String("uri", r.RequestURI),
		zap.Int("status", w.status),
		zap.Int64("bytes", w.written),
		zap.String("request_id", id))
	if err := c.bw.Flush(); err != nil {
		return false, errors.Annotate(err, "writing response")
	}
	return w.keepAlive, nil
}

// runHandler reports false when the handler panicked.
func (c *serverConn) runHandler(w *responseWriter, r *Request) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			c.srv.meter().Counter("httpx_handler_panics_total", 1)
			c.logger.Error("handler panic",
				zap.String("request_id", r.RequestID), zap.Any("panic", p), zap.Stack("stack"))
			if !w.wroteHdr {
				w.hdr = Header{}
				w.hdr.Set("X-Request-ID", r.RequestID)
				w.keepAlive = false
				w.writeHeader(500)
				_ = w.finish()
			}
			ok = false
		}
	}()
	c.srv.handler().ServeHTTP(w, r)
	return true
}

// fail writes a short error response and gives up on the connection.
func (c *serverConn) fail(status int) {
	body := []byte(http1.Reason(status) + "\n")
	hdr := map[string][]string{"Content-Type": {"text/plain; charset=utf-8"}}
	if err := http1.WriteResponse(c.bw, status, hdr, body, false); err == nil {
		_ = c.bw.Flush()
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, http1.ErrHeaderTooLarge):
		return 431
	case errors.Is(err, http1.ErrMalformed), errors.Is(err, io.ErrUnexpectedEOF):
		return 400
	}
	return 0
}

func parseRequestURI(uri string) (*url.URL, error) {
	if uri == "*" {
		return &url.URL{Path: "*"}, nil
	}
	return url.ParseRequestURI(uri)
}

// hasToken reports whether a comma separated header contains token.
func hasToken(values []string, token string) bool {
	for _, v := range values {
		for _, f := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(f), token) {
				return true
			}
		}
	}
	return false
}

func methodLabel(m string) string {
	switch m {
	case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "CONNECT", "TRACE":
		return m
	}
	return "OTHER"
}

// responseWriter streams the response. Without a Content-Length an
// HTTP/1.1 response is chunked and an HTTP/1.0 one is delimited by
// closing the connection.
type responseWriter struct {
	bw        *bufio.Writer
	method    string
	proto11   bool
	keepAlive bool
	hdr       Header

	status        int
	wroteHdr      bool
	chunked       bool
	contentLength int64
	written       int64
	err           error
}

func (w *responseWriter) Header() Header {
	return w.hdr
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHdr {
		return
	}
	w.writeHeader(status)
}

func (w *responseWriter) writeHeader(status int) {
	if status == 0 {
		status = 200
	}
	w.status = status
	w.wroteHdr = true
	if hasToken(w.hdr.Values("Connection"), "close") {
		w.keepAlive = false
	}
	bodyless := http1.NoBody(status, w.method)
	if cl := w.hdr.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		switch {
		case err != nil || n < 0:
			w.hdr.Del("Content-Length")
		case !bodyless:
			w.contentLength = n
		}
	}
	if !bodyless && w.contentLength < 0 {
		if w.proto11 {
			w.chunked = true
		} else {
			w.keepAlive = false
		}
	}
	w.err = http1.StartResponse(w.bw, status, "", w.hdr, w.chunked, w.keepAlive)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.wroteHdr {
		w.writeHeader(200)
	}
	if w.err != nil {
		return 0, w.err
	}
	if http1.NoBody(w.status, w.method) {
		if w.method == "HEAD" {
			return len(p), nil
		}
		return 0, ErrBodyNotAllowed
	}
	if w.contentLength >= 0 && w.written+int64(len(p)) > w.contentLength {
		return 0, errors.Annotatef(ErrProtocolViolation, "body exceeds Content-Length %d", w.contentLength)
	}
	var n int
	var err error
	if w.chunked {
		n, err = http1.WriteChunked(w.bw, p)
	} else {
		n, err = w.bw.Write(p)
	}
	w.written += int64(n)
	if err != nil {
		w.err = err
	}
	return n, err
}

func (w *responseWriter) Flush() error {
	if !w.wroteHdr {
		w.writeHeader(200)
	}
	if w.err != nil {
		return w.err
	}
	return w.bw.Flush()
}

// finish completes the response in the write buffer; the caller
// flushes. A handler that wrote nothing sends an empty body with
// Content-Length: 0.
func (w *responseWriter) finish() error {
	if !w.wroteHdr {
		status := w.status
		if status == 0 {
			status = 200
		}
		if !http1.NoBody(status, w.method) && w.hdr.Get("Content-Length") == "" {
			w.hdr.Set("Content-Length", "0")
		}
		w.writeHeader(status)
	}
	if w.err != nil {
		return w.err
	}
	if w.chunked {
		if err := http1.EndChunked(w.bw); err != nil {
			return err
		}
	}
	if w.contentLength >= 0 && w.written < w.contentLength {
		w.keepAlive = false
	}
	return nil
}

// continueReader sends 100 Continue on the first body read, unless the
// final response has already started.
type continueReader struct {
	rc   io.ReadCloser
	w    *responseWriter
	sent bool
}

func (c *continueReader) Read(p []byte) (int, error) {
	if !c.sent {
		c.sent = true
		if !c.w.wroteHdr {
			if err := http1.WriteContinue(c.w.bw); err != nil {
				return 0, err
			}
			if err := c.w.bw.Flush(); err != nil {
				return 0, err
			}
		}
	}
	return c.rc.Read(p)
}

func (c *continueReader) Close() error {
	if !c.sent {
		return nil
	}
	return c.rc.Close()
}

type maxBodyReader struct {
	rc  io.ReadCloser
	n   int64
	err error
}

func (b *maxBodyReader) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if int64(len(p)) > b.n+1 {
		p = p[:b.n+1]
	}
	n, err := b.rc.Read(p)
	if int64(n) > b.n {
		n = int(b.n)
		b.n = 0
		b.err = ErrBodyTooLarge
		return n, b.err
	}
	b.n -= int64(n)
	return n, err
}

func (b *maxBodyReader) Close() error {
	if b.err != nil {
		return b.err
	}
	return b.rc.Close()
}
