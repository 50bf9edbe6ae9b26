package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/nagareproject/core-sub001/httpx"
	"github.com/nagareproject/core-sub001/internal/config"
)

// newApp mounts the static directories and a request inspector at the
// root.
func newApp(cfg config.Config) httpx.Handler {
	m := &httpx.Mux{}
	for _, st := range cfg.Static {
		m.Handle(st.Prefix, httpx.StaticHandler(st.Dir))
	}
	m.HandleFunc("/", inspect)
	return m
}

// inspect describes the request it received.
func inspect(w httpx.ResponseWriter, r *httpx.Request) {
	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		httpx.Error(w, err.Error(), 400)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "method: %s\n", r.Method)
	fmt.Fprintf(w, "script name: %s\n", r.ScriptName)
	fmt.Fprintf(w, "path: %s\n", r.URL.Path)
	fmt.Fprintf(w, "query: %s\n", r.URL.RawQuery)
	fmt.Fprintf(w, "remote: %v\n", r.RemoteAddr)
	fmt.Fprintf(w, "request id: %s\n", r.RequestID)
	fmt.Fprintf(w, "body bytes: %d\n", n)
	names := make([]string, 0, len(r.Header))
	for k := range r.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		for _, v := range r.Header[k] {
			fmt.Fprintf(w, "%s: %s\n", k, v)
		}
	}
}
