package scgi_test

import (
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/worker/v4"
	"go.uber.org/goleak"

	"github.com/nagareproject/core-sub001/httpx"
	"github.com/nagareproject/core-sub001/httpx/scgi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func netstring(pairs ...string) string {
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(p)
		b.WriteByte(0)
	}
	return fmt.Sprintf("%d:%s,", b.Len(), b.String())
}

func serve(c *qt.C, s *scgi.Server) string {
	c.Helper()
	s.Addr = "127.0.0.1:0"
	srv, err := s.Listen()
	c.Assert(err, qt.IsNil)
	c.Assert(srv.Start(), qt.IsNil)
	c.Cleanup(func() {
		c.Check(worker.Stop(srv), qt.IsNil)
	})
	return srv.Addr().String()
}

// exchange sends raw and returns everything the server wrote.
func exchange(c *qt.C, addr, raw string) string {
	c.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	c.Assert(err, qt.IsNil)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = io.WriteString(conn, raw)
	c.Assert(err, qt.IsNil)
	data, err := io.ReadAll(conn)
	c.Assert(err, qt.IsNil)
	return string(data)
}

func TestServeRequest(t *testing.T) {
	c := qt.New(t)
	addr := serve(c, &scgi.Server{
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(201)
			fmt.Fprintf(w, "%s %s|%s|%s|%s|%s|%s",
				r.Method, r.ScriptName, r.URL.Path, r.URL.RawQuery,
				r.Header.Get("User-Agent"), r.RemoteAddr, body)
		}),
	})
	raw := netstring(
		"CONTENT_LENGTH", "4",
		"SCGI", "1",
		"REQUEST_METHOD", "PUT",
		"SCRIPT_NAME", "/app",
		"PATH_INFO", "/items/7",
		"QUERY_STRING", "v=1",
		"REMOTE_ADDR", "192.0.2.10",
		"REMOTE_PORT", "5555",
		"HTTP_USER_AGENT", "scgi-test",
		"HTTP_X_REQUEST_ID", "rid-1",
	) + "data"
	got := exchange(c, addr, raw)
	c.Assert(got, qt.Equals, "Status: 201 Created\r\n"+
		"Content-Type: text/plain\r\n"+
		"X-Request-Id: rid-1\r\n"+
		"\r\n"+
		"PUT /app|/items/7|v=1|scgi-test|192.0.2.10:5555|data")
}

func TestScriptNameOverride(t *testing.T) {
	c := qt.New(t)
	root := "/nagare"
	addr := serve(c, &scgi.Server{
		ScriptName: &root,
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			io.WriteString(w, r.ScriptName+"|"+r.URL.Path)
		}),
	})
	tests := []struct {
		pathInfo string
		want     string
	}{
		{"/nagare/admin", "/nagare|/admin"},
		{"/nagare", "/nagare|/"},
		{"/nagareadmin/x", "/nagare|/nagareadmin/x"},
		{"/other", "/nagare|/other"},
	}
	for _, test := range tests {
		c.Run(test.pathInfo, func(c *qt.C) {
			got := exchange(c, addr, netstring(
				"CONTENT_LENGTH", "0", "SCGI", "1", "REQUEST_METHOD", "GET",
				"SCRIPT_NAME", "", "PATH_INFO", test.pathInfo))
			c.Assert(got, qt.Matches, `(?s)Status: 200 OK\r\n.*\r\n\r\n`+regexp.QuoteMeta(test.want))
		})
	}
}

func TestMalformedRequest(t *testing.T) {
	c := qt.New(t)
	addr := serve(c, &scgi.Server{
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			c.Errorf("handler called")
		}),
	})
	got := exchange(c, addr, netstring("SCGI", "1", "CONTENT_LENGTH", "0"))
	c.Assert(got, qt.Matches, `Status: 400 Bad Request\r\n(?s).*`)
}

func TestAllowedServers(t *testing.T) {
	c := qt.New(t)
	addr := serve(c, &scgi.Server{
		AllowedServers: []string{"192.0.2.1"},
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			c.Errorf("handler called")
		}),
	})
	// The peer is dropped before anything is read.
	got := exchange(c, addr, "")
	c.Assert(got, qt.Equals, "")
}

func TestHandlerPanic(t *testing.T) {
	c := qt.New(t)
	addr := serve(c, &scgi.Server{
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			panic("boom")
		}),
	})
	got := exchange(c, addr, netstring("CONTENT_LENGTH", "0", "SCGI", "1", "REQUEST_METHOD", "GET"))
	c.Assert(got, qt.Equals, "Status: 500 Internal Server Error\r\n\r\n")
}
