package scgi

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/juju/errors"
)

const (
	// ErrMalformed reports a request that is not valid SCGI.
	ErrMalformed = errors.ConstError("scgi: malformed request")
	// ErrHeaderTooLarge reports a header netstring over the limit.
	ErrHeaderTooLarge = errors.ConstError("scgi: header too large")
)

// DefaultMaxHeaderBytes bounds the header netstring.
const DefaultMaxHeaderBytes = 64 << 10

// Request is a parsed SCGI request.
type Request struct {
	// Env holds the CGI variables in arrival order of their first
	// occurrence; Names lists that order.
	Env           map[string]string
	Names         []string
	ContentLength int64
	Body          io.Reader
}

// ReadRequest reads the header netstring from br and frames the body by
// CONTENT_LENGTH. maxHeader <= 0 means DefaultMaxHeaderBytes.
func ReadRequest(br *bufio.Reader, maxHeader int) (*Request, error) {
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHeaderBytes
	}
	size, err := readLength(br, maxHeader)
	if err != nil {
		return nil, err
	}
	block := make([]byte, size+1)
	if _, err := io.ReadFull(br, block); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if block[size] != ',' {
		return nil, errors.Annotate(ErrMalformed, "netstring not terminated by ','")
	}
	req, err := parseHeaders(block[:size])
	if err != nil {
		return nil, err
	}
	req.Body = io.LimitReader(br, req.ContentLength)
	return req, nil
}

func readLength(br *bufio.Reader, max int) (int, error) {
	n := 0
	for i := 0; ; i++ {
		c, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && i > 0 {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if c == ':' && i > 0 {
			return n, nil
		}
		if c < '0' || c > '9' || i > 9 {
			return 0, errors.Annotatef(ErrMalformed, "netstring length byte %q", c)
		}
		n = n*10 + int(c-'0')
		if n > max {
			return 0, ErrHeaderTooLarge
		}
	}
}

func parseHeaders(block []byte) (*Request, error) {
	if len(block) == 0 || block[len(block)-1] != 0 {
		return nil, errors.Annotate(ErrMalformed, "header block not NUL terminated")
	}
	fields := bytes.Split(block[:len(block)-1], []byte{0})
	if len(fields)%2 != 0 {
		return nil, errors.Annotate(ErrMalformed, "odd number of header fields")
	}
	req := &Request{Env: make(map[string]string, len(fields)/2)}
	for i := 0; i < len(fields); i += 2 {
		name, value := string(fields[i]), string(fields[i+1])
		if name == "" {
			return nil, errors.Annotate(ErrMalformed, "empty header name")
		}
		if i == 0 && name != "CONTENT_LENGTH" {
			return nil, errors.Annotatef(ErrMalformed, "first header is %q, not CONTENT_LENGTH", name)
		}
		if _, dup := req.Env[name]; dup {
			return nil, errors.Annotatef(ErrMalformed, "duplicate header %q", name)
		}
		req.Env[name] = value
		req.Names = append(req.Names, name)
	}
	cl, err := strconv.ParseInt(req.Env["CONTENT_LENGTH"], 10, 64)
	if err != nil || cl < 0 {
		return nil, errors.Annotatef(ErrMalformed, "CONTENT_LENGTH %q", req.Env["CONTENT_LENGTH"])
	}
	if req.Env["SCGI"] != "1" {
		return nil, errors.Annotate(ErrMalformed, "missing SCGI=1")
	}
	req.ContentLength = cl
	return req, nil
}
