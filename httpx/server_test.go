package httpx_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/worker/v4"
	"go.uber.org/goleak"

	"github.com/nagareproject/core-sub001/coop"
	"github.com/nagareproject/core-sub001/coopnet"
	"github.com/nagareproject/core-sub001/httpx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startReactor(c *qt.C) *coopnet.Reactor {
	c.Helper()
	r, err := coopnet.NewReactor(nil)
	c.Assert(err, qt.IsNil)
	r.Start()
	c.Cleanup(func() {
		c.Check(r.Close(), qt.IsNil)
	})
	return r
}

// serve starts s on a loopback port and returns its address.
func serve(c *qt.C, s *httpx.Server) string {
	c.Helper()
	if s.Addr == "" {
		s.Addr = "127.0.0.1:0"
	}
	srv, err := s.Listen()
	c.Assert(err, qt.IsNil)
	c.Assert(srv.Start(), qt.IsNil)
	c.Cleanup(func() {
		c.Check(worker.Stop(srv), qt.IsNil)
	})
	return srv.Addr().String()
}

func rawConn(c *qt.C, addr string) (net.Conn, *bufio.Reader) {
	c.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	c.Assert(err, qt.IsNil)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	c.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func readResponse(c *qt.C, br *bufio.Reader, method string) (*http.Response, string) {
	c.Helper()
	res, err := http.ReadResponse(br, &http.Request{Method: method})
	c.Assert(err, qt.IsNil)
	body, err := io.ReadAll(res.Body)
	c.Assert(err, qt.IsNil)
	res.Body.Close()
	return res, string(body)
}

func TestServeStdlibClient(t *testing.T) {
	c := qt.New(t)
	addr := serve(c, &httpx.Server{
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
		}),
	})

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	defer client.CloseIdleConnections()
	res, err := client.Get("http://" + addr + "/hello")
	c.Assert(err, qt.IsNil)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(res.StatusCode, qt.Equals, 200)
	c.Assert(string(body), qt.Equals, "GET /hello")
	c.Assert(res.TransferEncoding, qt.DeepEquals, []string{"chunked"})
	c.Assert(res.Header.Get("X-Request-Id"), qt.HasLen, 36)
}

func TestKeepAlivePipelined(t *testing.T) {
	c := qt.New(t)
	n := 0
	addr := serve(c, &httpx.Server{
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			n++
			if r.URL.Path == "/fixed" {
				w.Header().Set("Content-Length", "5")
			}
			fmt.Fprintf(w, "req%d", n)
			if r.URL.Path == "/fixed" {
				io.WriteString(w, "!")
			}
		}),
	})
	conn, br := rawConn(c, addr)
	_, err := io.WriteString(conn,
		"GET /chunked HTTP/1.1\r\nHost: x\r\n\r\n"+
			"GET /fixed HTTP/1.1\r\nHost: x\r\n\r\n"+
			"GET /last HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	c.Assert(err, qt.IsNil)

	res, body := readResponse(c, br, "GET")
	c.Assert(res.TransferEncoding, qt.DeepEquals, []string{"chunked"})
	c.Assert(body, qt.Equals, "req1")
	res, body = readResponse(c, br, "GET")
	c.Assert(res.ContentLength, qt.Equals, int64(5))
	c.Assert(body, qt.Equals, "req2!")
	res, body = readResponse(c, br, "GET")
	c.Assert(res.Close, qt.IsTrue)
	c.Assert(body, qt.Equals, "req3")

	_, err = br.ReadByte()
	c.Assert(err, qt.Equals, io.EOF)
}

func TestHTTP10ClosesAfterResponse(t *testing.T) {
	c := qt.New(t)
	addr := serve(c, &httpx.Server{
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			io.WriteString(w, "old")
		}),
	})
	conn, br := rawConn(c, addr)
	_, err := io.WriteString(conn, "GET / HTTP/1.0\r\n\r\n")
	c.Assert(err, qt.IsNil)
	data, err := io.ReadAll(br)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Matches, `(?s)HTTP/1.1 200 OK\r\n.*Connection: close\r\n\r\nold`)
}

func TestExpectContinue(t *testing.T) {
	c := qt.New(t)
	addr := serve(c, &httpx.Server{
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			body, _ := io.ReadAll(r.Body)
			w.Write(body)
		}),
	})
	conn, br := rawConn(c, addr)
	_, err := io.WriteString(conn, "POST / HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\n")
	c.Assert(err, qt.IsNil)

	line, err := br.ReadString('\n')
	c.Assert(err, qt.IsNil)
	c.Assert(line, qt.Equals, "HTTP/1.1 100 Continue\r\n")
	line, err = br.ReadString('\n')
	c.Assert(err, qt.IsNil)
	c.Assert(line, qt.Equals, "\r\n")

	_, err = io.WriteString(conn, "hello")
	c.Assert(err, qt.IsNil)
	_, body := readResponse(c, br, "POST")
	c.Assert(body, qt.Equals, "hello")
}

func TestRejectedRequests(t *testing.T) {
	tests := []struct {
		about  string
		raw    string
		status int
	}{{
		about:  "header line over the limit",
		raw:    "GET / HTTP/1.1\r\nHost: x\r\nX-Big: " + strings.Repeat("a", 200) + "\r\n\r\n",
		status: 431,
	}, {
		about:  "both Transfer-Encoding and Content-Length",
		raw:    "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\nContent-Length: 3\r\n\r\n",
		status: 400,
	}, {
		about:  "invalid header name",
		raw:    "GET / HTTP/1.1\r\nHost: x\r\nBad Name: v\r\n\r\n",
		status: 400,
	}, {
		about:  "missing Host",
		raw:    "GET / HTTP/1.1\r\n\r\n",
		status: 400,
	}, {
		about:  "declared body over the limit",
		raw:    "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 100\r\n\r\n",
		status: 413,
	}}
	c := qt.New(t)
	addr := serve(c, &httpx.Server{
		MaxHeaderBytes: 64,
		MaxBodyBytes:   10,
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			c.Errorf("handler called for %s", r.RequestURI)
		}),
	})
	for _, test := range tests {
		c.Run(test.about, func(c *qt.C) {
			conn, br := rawConn(c, addr)
			_, err := io.WriteString(conn, test.raw)
			c.Assert(err, qt.IsNil)
			res, _ := readResponse(c, br, "GET")
			c.Assert(res.StatusCode, qt.Equals, test.status)
			c.Assert(res.Close, qt.IsTrue)
		})
	}
}

func TestChunkedBodyOverLimit(t *testing.T) {
	c := qt.New(t)
	readErr := make(chan error, 1)
	addr := serve(c, &httpx.Server{
		MaxBodyBytes: 4,
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			_, err := io.ReadAll(r.Body)
			readErr <- err
		}),
	})
	conn, br := rawConn(c, addr)
	_, err := io.WriteString(conn, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n8\r\n01234567\r\n0\r\n\r\n")
	c.Assert(err, qt.IsNil)
	res, _ := readResponse(c, br, "POST")
	c.Assert(res.StatusCode, qt.Equals, 413)
	c.Assert(<-readErr, qt.ErrorIs, httpx.ErrBodyTooLarge)
}

func TestHandlerPanicReplies500(t *testing.T) {
	c := qt.New(t)
	addr := serve(c, &httpx.Server{
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			panic("boom")
		}),
	})
	conn, br := rawConn(c, addr)
	_, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	c.Assert(err, qt.IsNil)
	res, _ := readResponse(c, br, "GET")
	c.Assert(res.StatusCode, qt.Equals, 500)
	c.Assert(res.Close, qt.IsTrue)
}

func TestRequestIDPropagation(t *testing.T) {
	c := qt.New(t)
	seen := make(chan string, 1)
	addr := serve(c, &httpx.Server{
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
			id, _ := httpx.RequestIDFrom(r.Context())
			seen <- id
		}),
	})
	conn, br := rawConn(c, addr)
	_, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\nX-Request-ID: abc-123\r\n\r\n")
	c.Assert(err, qt.IsNil)
	res, body := readResponse(c, br, "GET")
	c.Assert(res.Header.Get("X-Request-Id"), qt.Equals, "abc-123")
	c.Assert(res.ContentLength, qt.Equals, int64(0))
	c.Assert(body, qt.Equals, "")
	c.Assert(<-seen, qt.Equals, "abc-123")
}

func TestCooperativeClient(t *testing.T) {
	c := qt.New(t)
	r := startReactor(c)
	addr := serve(c, &httpx.Server{
		Reactor: r,
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, req *httpx.Request) {
			body, _ := io.ReadAll(req.Body)
			w.Header().Set("X-Method", req.Method)
			w.Write([]byte(strings.ToUpper(string(body))))
		}),
	})

	client := &httpx.Client{Reactor: r}
	var status int
	var method, body string
	task := r.Go("client", func(t *coop.Task) error {
		req, err := newRequest("POST", "http://"+addr+"/up", "quiet")
		if err != nil {
			return err
		}
		res, err := client.Do(t, req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(res.Body)
		status, method, body = res.StatusCode, res.Header.Get("X-Method"), string(data)
		return err
	})
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		c.Fatalf("client did not finish")
	}
	c.Assert(task.Err(), qt.IsNil)
	c.Assert(status, qt.Equals, 200)
	c.Assert(method, qt.Equals, "POST")
	c.Assert(body, qt.Equals, "QUIET")
}

func TestHandlerDialsFromItsTask(t *testing.T) {
	c := qt.New(t)
	r := startReactor(c)
	echo, err := coopnet.NewEventServer(coopnet.ServerConfig{
		Addr:    "127.0.0.1:0",
		Handler: coopnet.EchoHandler{},
		Reactor: r,
	})
	c.Assert(err, qt.IsNil)
	c.Assert(echo.Start(), qt.IsNil)
	defer worker.Stop(echo)
	echoAddr := echo.Addr().String()

	addr := serve(c, &httpx.Server{
		Reactor: r,
		Handler: httpx.HandlerFunc(func(w httpx.ResponseWriter, req *httpx.Request) {
			t := req.Task()
			conn, err := r.Dial(t, "tcp", echoAddr)
			if err != nil {
				httpx.Error(w, err.Error(), 502)
				return
			}
			defer conn.Close()
			conn.SendAll(t, []byte("pong"))
			data, _ := conn.Recv(t, 16)
			w.Write(data)
		}),
	})
	conn, br := rawConn(c, addr)
	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	c.Assert(err, qt.IsNil)
	_, body := readResponse(c, br, "GET")
	c.Assert(body, qt.Equals, "pong")
}

func newRequest(method, rawURL, body string) (*httpx.Request, error) {
	req := &httpx.Request{Method: method, Header: httpx.Header{}}
	var err error
	req.URL, err = url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(strings.NewReader(body))
	req.ContentLength = int64(len(body))
	return req, nil
}
