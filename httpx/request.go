package httpx

import (
	"context"
	"io"
	"net"
	"net/url"

	"github.com/nagareproject/core-sub001/coop"
)

// Request represents an HTTP request.
//
// On the server, ScriptName holds the prefix a Mux routed on and
// URL.Path the remainder. ContentLength is -1 when unknown.
type Request struct {
	Method        string
	URL           *url.URL
	RequestURI    string
	Proto         string
	Header        Header
	Body          io.ReadCloser
	Host          string
	ContentLength int64
	RemoteAddr    net.Addr
	ScriptName    string
	// RequestID is taken from an inbound X-Request-ID header or
	// generated.
	RequestID string
	ctx       context.Context
}

// Context returns the request's context. If nil, returns Background.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// Task returns the task serving r. Handlers pass it to cooperative
// socket operations.
func (r *Request) Task() *coop.Task {
	t, _ := coop.TaskFrom(r.Context())
	return t
}
