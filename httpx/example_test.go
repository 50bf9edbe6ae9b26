package httpx_test

import (
	"fmt"
	"io"

	"github.com/nagareproject/core-sub001/coop"
	"github.com/nagareproject/core-sub001/coopnet"
	"github.com/nagareproject/core-sub001/httpx"
)

// ExampleHeader shows basic header operations.
func ExampleHeader() {
	h := httpx.Header{}
	h.Add("X-Foo", "a")
	h.Add("X-Foo", "b")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Println(h.Get("x-foo"))  // canonical lookup
	fmt.Println(len(h["X-Foo"])) // two values
	h.Del("X-Foo")
	fmt.Println(h.Get("X-Foo"))
	// Output:
	// a
	// 2
	//
}

// ExampleMux mounts two applications.
func ExampleMux() {
	m := &httpx.Mux{}
	m.HandleFunc("/blog", func(w httpx.ResponseWriter, r *httpx.Request) {
		fmt.Fprintf(w, "blog at %s, page %s", r.ScriptName, r.URL.Path)
	})
	m.Handle("/static", httpx.StaticHandler("/var/www"))
	_ = &httpx.Server{Addr: ":8080", Handler: m}
}

// Example_flusher streams server-sent events.
func Example_flusher() {
	h := httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(200)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: %d\n\n", i)
			if f, ok := w.(httpx.Flusher); ok {
				_ = f.Flush()
			}
		}
	})
	_ = h
}

// ExampleClient fetches a page from a task of the reactor.
func ExampleClient() {
	r, err := coopnet.NewReactor(nil)
	if err != nil {
		return
	}
	defer r.Close()
	r.Start()
	client := &httpx.Client{Reactor: r}
	task := r.Go("fetch", func(t *coop.Task) error {
		res, err := client.Get(t, "http://127.0.0.1:8080/")
		if err != nil {
			return err
		}
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		fmt.Println(res.StatusCode, len(body))
		return err
	})
	<-task.Done()
}
