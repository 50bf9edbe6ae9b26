// Package httpx serves and sends HTTP/1.1 over cooperative sockets.
//
// A Server is a coopnet.Handler: every accepted connection runs in its
// own task and requests on it are parsed, handled and answered in that
// task. Handlers that need more I/O, such as calling a backend, pass
// Request.Task to coopnet operations so other connections keep running
// while they wait.
//
// Highlights
//   - Server: streaming ResponseWriter, keep-alive, chunked transfer,
//     Expect: 100-continue, request header and body limits, CL/TE
//     validation, X-Request-ID propagation, panic isolation, metrics
//     through obs.Meter.
//   - Mux: prefix mounting of applications with ScriptName tracking.
//   - Client: one request per connection over coopnet.Dial.
//
// Quick start:
//
//	s := &httpx.Server{Addr: ":8080", Signals: []os.Signal{os.Interrupt}}
//	s.Handler = httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
//		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
//		w.Write([]byte("hello"))
//	})
//	if err := s.ListenAndServe(); err != nil {
//		log.Fatal(err)
//	}
package httpx
