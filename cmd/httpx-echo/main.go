// Command httpx-echo fetches a URL with the cooperative client and
// prints the status and body.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"

	"github.com/nagareproject/core-sub001/coop"
	"github.com/nagareproject/core-sub001/coopnet"
	"github.com/nagareproject/core-sub001/httpx"
)

func main() {
	url := "http://127.0.0.1:8080/"
	if len(os.Args) > 1 {
		url = os.Args[1]
	}
	if err := fetch(url, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "httpx-echo: %v\n", err)
		os.Exit(1)
	}
}

func fetch(url string, out io.Writer) error {
	r, err := coopnet.NewReactor(nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer r.Close()
	r.Start()
	c := &httpx.Client{Reactor: r}
	task := r.Go("fetch", func(t *coop.Task) error {
		res, err := c.Get(t, url)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Fprintln(out, res.StatusCode, string(b))
		return nil
	})
	<-task.Done()
	return task.Err()
}
