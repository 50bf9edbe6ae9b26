package httpx

import "github.com/nagareproject/core-sub001/httpx/internal/http1"

// Header maps canonical header names to their values.
type Header map[string][]string

func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if vv := h[http1.CanonicalKey(key)]; len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// Values returns all values of key.
func (h Header) Values(key string) []string {
	if h == nil {
		return nil
	}
	return h[http1.CanonicalKey(key)]
}

func (h Header) Set(key, value string) {
	if h == nil {
		return
	}
	h[http1.CanonicalKey(key)] = []string{value}
}

func (h Header) Add(key, value string) {
	if h == nil {
		return
	}
	k := http1.CanonicalKey(key)
	h[k] = append(h[k], value)
}

func (h Header) Del(key string) {
	if h == nil {
		return
	}
	delete(h, http1.CanonicalKey(key))
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	c := make(Header, len(h))
	for k, vv := range h {
		c[k] = append([]string(nil), vv...)
	}
	return c
}
