package httpx

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/nagareproject/core-sub001/coop"
	"github.com/nagareproject/core-sub001/coopnet"
	"github.com/nagareproject/core-sub001/httpx/internal/http1"
	"github.com/nagareproject/core-sub001/internal/obs"
)

// DefaultUserAgent is sent when a request carries no User-Agent.
const DefaultUserAgent = "nagare-httpx/1"

// Client sends HTTP/1.1 requests over cooperative sockets. Every request
// uses a fresh connection closed after the response body.
type Client struct {
	Reactor             *coopnet.Reactor
	MaxHeaderBytes      int
	MaxTotalHeaderBytes int
	Logger              *zap.Logger
	Meter               obs.Meter
	Clock               clock.Clock
}

// Get issues a GET for rawURL.
func (c *Client) Get(t *coop.Task, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c.Do(t, &Request{Method: "GET", URL: u, Header: Header{}})
}

// Do sends req and reads the response head. The body must be read and
// closed by t, the task that issued the request.
func (c *Client) Do(t *coop.Task, req *Request) (*Response, error) {
	if c.Reactor == nil {
		return nil, errors.NotValidf("nil Reactor")
	}
	if req == nil || req.URL == nil {
		return nil, errors.NotValidf("request without URL")
	}
	if req.URL.Scheme != "" && req.URL.Scheme != "http" {
		return nil, errors.NotSupportedf("scheme %q", req.URL.Scheme)
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}
	start := c.clock().Now()
	addr := hostPort(req.URL)
	conn, err := c.Reactor.Dial(t, "tcp", addr)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, errors.Annotatef(err, "dialing %s", addr)
	}
	f := conn.MakeFile(t)
	res, err := c.roundTrip(f, method, req)
	if err != nil {
		f.Close()
		conn.Close()
		c.meter().Counter("httpx_client_errors_total", 1)
		return nil, errors.Annotatef(err, "%s %s", method, req.URL.Redacted())
	}
	res.Body = &clientBody{rc: res.Body, f: f, conn: conn}
	c.meter().Counter("httpx_client_requests_total", 1,
		obs.Label{Key: "code", Value: strconv.Itoa(res.StatusCode)})
	c.meter().Histogram("httpx_client_response_seconds", c.clock().Now().Sub(start).Seconds())
	c.logger().Debug("response",
		zap.String("method", method), zap.String("url", req.URL.Redacted()), zap.Int("status", res.StatusCode))
	return res, nil
}

func (c *Client) roundTrip(f *coopnet.File, method string, req *Request) (*Response, error) {
	bw := bufio.NewWriter(f)
	hdr := req.Header.Clone()
	if hdr == nil {
		hdr = Header{}
	}
	hdr.Set("Connection", "close")
	if hdr.Get("User-Agent") == "" {
		hdr.Set("User-Agent", DefaultUserAgent)
	}
	if id := req.RequestID; id != "" {
		hdr.Set("X-Request-ID", id)
	} else if id, ok := RequestIDFrom(req.Context()); ok {
		hdr.Set("X-Request-ID", id)
	}

	body := req.Body
	cl, chunked := int64(-1), false
	switch {
	case body != nil && req.ContentLength >= 0:
		cl = req.ContentLength
	case body != nil:
		chunked = true
	case method == "POST" || method == "PUT" || method == "PATCH":
		cl = 0
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if err := http1.WriteRequestHead(bw, method, req.URL.RequestURI(), host, hdr, cl, chunked); err != nil {
		return nil, err
	}
	if body != nil {
		err := writeBody(bw, body, cl, chunked)
		body.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}

	rr := &http1.Reader{
		BR:                  bufio.NewReader(f),
		MaxHeaderBytes:      c.MaxHeaderBytes,
		MaxTotalHeaderBytes: c.MaxTotalHeaderBytes,
	}
	if rr.MaxHeaderBytes <= 0 {
		rr.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if rr.MaxTotalHeaderBytes <= 0 {
		rr.MaxTotalHeaderBytes = DefaultMaxTotalHeaderBytes
	}
	for {
		pr, err := rr.ReadResponse(method)
		if err != nil {
			return nil, err
		}
		// Interim responses precede the final one.
		if pr.StatusCode >= 100 && pr.StatusCode < 200 && pr.StatusCode != 101 {
			continue
		}
		return &Response{
			Status:        fmt.Sprintf("%d %s", pr.StatusCode, pr.Reason),
			StatusCode:    pr.StatusCode,
			Proto:         pr.Proto,
			Header:        Header(pr.Header),
			Body:          pr.Body,
			ContentLength: pr.ContentLength,
		}, nil
	}
}

func writeBody(bw *bufio.Writer, body io.Reader, cl int64, chunked bool) error {
	if !chunked {
		n, err := io.Copy(bw, io.LimitReader(body, cl))
		if err != nil {
			return err
		}
		if n != cl {
			return errors.Errorf("request body is %d bytes, ContentLength %d", n, cl)
		}
		return nil
	}
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := http1.WriteChunked(bw, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return http1.EndChunked(bw)
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return Logger()
}

func (c *Client) meter() obs.Meter {
	if c.Meter != nil {
		return c.Meter
	}
	return obs.NopMeter{}
}

func (c *Client) clock() clock.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clock.WallClock
}

func hostPort(u *url.URL) string {
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "80"
	}
	return net.JoinHostPort(host, port)
}

// clientBody closes the connection with the body.
type clientBody struct {
	rc     io.ReadCloser
	f      *coopnet.File
	conn   *coopnet.Socket
	closed bool
}

func (b *clientBody) Read(p []byte) (int, error) {
	return b.rc.Read(p)
}

func (b *clientBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.f.Close()
	return b.conn.Close()
}
