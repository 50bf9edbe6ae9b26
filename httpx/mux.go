package httpx

import (
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Mux dispatches on the longest mounted path prefix. A prefix matches
// whole path segments only: "/app" serves "/app" and "/app/x" but not
// "/apple". The matched prefix is appended to Request.ScriptName and
// removed from URL.Path.
type Mux struct {
	mounts   []mount
	NotFound Handler
}

type mount struct {
	prefix  string
	handler Handler
}

// Handle mounts h at prefix. Mounting the same prefix again replaces
// the handler.
func (m *Mux) Handle(prefix string, h Handler) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	for i := range m.mounts {
		if m.mounts[i].prefix == prefix {
			m.mounts[i].handler = h
			return
		}
	}
	m.mounts = append(m.mounts, mount{prefix: prefix, handler: h})
	sort.SliceStable(m.mounts, func(i, j int) bool {
		return len(m.mounts[i].prefix) > len(m.mounts[j].prefix)
	})
}

func (m *Mux) HandleFunc(prefix string, f func(ResponseWriter, *Request)) {
	m.Handle(prefix, HandlerFunc(f))
}

func (m *Mux) ServeHTTP(w ResponseWriter, r *Request) {
	p := "/"
	if r.URL != nil {
		p = r.URL.Path
	}
	for _, mt := range m.mounts {
		if rest, ok := matchPrefix(p, mt.prefix); ok {
			r2 := *r
			if r.URL != nil {
				u := *r.URL
				u.Path = rest
				u.RawPath = ""
				r2.URL = &u
			}
			r2.ScriptName = r.ScriptName + mt.prefix
			mt.handler.ServeHTTP(w, &r2)
			return
		}
	}
	if m.NotFound != nil {
		m.NotFound.ServeHTTP(w, r)
		return
	}
	NotFoundHandler().ServeHTTP(w, r)
}

func matchPrefix(p, prefix string) (string, bool) {
	if prefix == "" {
		return p, true
	}
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	rest := p[len(prefix):]
	if rest != "" && rest[0] != '/' {
		return "", false
	}
	return rest, true
}

// Error replies with status and a plain text message.
func Error(w ResponseWriter, msg string, status int) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(msg)+1))
	w.WriteHeader(status)
	io.WriteString(w, msg+"\n")
}

// NotFoundHandler replies 404 to every request.
func NotFoundHandler() Handler {
	return HandlerFunc(func(w ResponseWriter, r *Request) {
		Error(w, "not found", 404)
	})
}

// StaticHandler serves the files under root. Directories and paths
// escaping root are not found.
func StaticHandler(root string) Handler {
	return HandlerFunc(func(w ResponseWriter, r *Request) {
		if r.Method != "GET" && r.Method != "HEAD" {
			w.Header().Set("Allow", "GET, HEAD")
			Error(w, "method not allowed", 405)
			return
		}
		name := filepath.Join(root, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
		f, err := os.Open(name)
		if err != nil {
			NotFoundHandler().ServeHTTP(w, r)
			return
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil || fi.IsDir() {
			NotFoundHandler().ServeHTTP(w, r)
			return
		}
		ctype := mime.TypeByExtension(filepath.Ext(name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
		w.WriteHeader(200)
		if r.Method == "HEAD" {
			return
		}
		io.Copy(w, f)
	})
}
