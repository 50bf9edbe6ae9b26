package http1

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	// ErrMalformed reports a message that violates HTTP/1 framing.
	ErrMalformed = errors.ConstError("http1: malformed message")
	// ErrHeaderTooLarge reports a header line or block over its limit.
	ErrHeaderTooLarge = errors.ConstError("http1: header too large")
)

// ParsedRequest is a minimal representation parsed from the wire.
type ParsedRequest struct {
	Method        string
	RequestURI    string
	Proto         string
	Header        map[string][]string
	ContentLength int64 // -1 for chunked bodies
	Body          io.ReadCloser
}

// ParsedResponse is a response head plus a body framed per RFC 9112.
type ParsedResponse struct {
	Proto         string
	StatusCode    int
	Reason        string
	Header        map[string][]string
	ContentLength int64 // -1 when unknown
	Body          io.ReadCloser
	// Delimited is false when the body runs until the peer closes.
	Delimited bool
}

// Reader parses messages from BR. MaxHeaderBytes bounds each line and
// MaxTotalHeaderBytes the sum of header field lines; zero disables a
// limit.
type Reader struct {
	BR                  *bufio.Reader
	MaxHeaderBytes      int
	MaxTotalHeaderBytes int
}

// ReadRequest parses one request head and frames its body. io.EOF is
// returned unchanged when the stream ends before the request line.
func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	line, err := readLine(r.BR, r.MaxHeaderBytes)
	if err != nil {
		return nil, err
	}
	method, rest, ok1 := strings.Cut(line, " ")
	uri, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || uri == "" || !validToken(method) {
		return nil, errors.Annotatef(ErrMalformed, "request line %q", line)
	}
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, errors.Annotatef(ErrMalformed, "protocol %q", proto)
	}
	hdr, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	cl, chunked, err := framing(hdr)
	if err != nil {
		return nil, err
	}
	pr := &ParsedRequest{
		Method:     method,
		RequestURI: uri,
		Proto:      proto,
		Header:     hdr,
	}
	switch {
	case chunked:
		pr.ContentLength = -1
		pr.Body = newChunkedBody(r.BR, r.MaxHeaderBytes)
	case cl > 0:
		pr.ContentLength = cl
		pr.Body = &limitedBody{lr: &io.LimitedReader{R: r.BR, N: cl}}
	default:
		pr.Body = eofBody{}
	}
	return pr, nil
}

// ReadResponse parses a response to a request made with method.
func (r *Reader) ReadResponse(method string) (*ParsedResponse, error) {
	line, err := readLine(r.BR, r.MaxHeaderBytes)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	proto, rest, _ := strings.Cut(line, " ")
	codeStr, reason, _ := strings.Cut(rest, " ")
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, errors.Annotatef(ErrMalformed, "status line %q", line)
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return nil, errors.Annotatef(ErrMalformed, "status line %q", line)
	}
	hdr, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	pr := &ParsedResponse{
		Proto:      proto,
		StatusCode: code,
		Reason:     reason,
		Header:     hdr,
		Delimited:  true,
	}
	if NoBody(code, method) {
		pr.Body = eofBody{}
		return pr, nil
	}
	cl, chunked, err := framing(hdr)
	if err != nil {
		return nil, err
	}
	switch {
	case chunked:
		pr.ContentLength = -1
		pr.Body = newChunkedBody(r.BR, r.MaxHeaderBytes)
	case getHeader(hdr, "Content-Length") != "":
		pr.ContentLength = cl
		pr.Body = &limitedBody{lr: &io.LimitedReader{R: r.BR, N: cl}}
		if cl == 0 {
			pr.Body = eofBody{}
		}
	default:
		pr.ContentLength = -1
		pr.Delimited = false
		pr.Body = io.NopCloser(r.BR)
	}
	return pr, nil
}

// NoBody reports whether a response with status to method never has a
// body.
func NoBody(status int, method string) bool {
	if method == "HEAD" {
		return true
	}
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}

func (r *Reader) readHeaders() (map[string][]string, error) {
	h := make(map[string][]string)
	total := 0
	for {
		line, err := readLine(r.BR, r.MaxHeaderBytes)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		total += len(line)
		if r.MaxTotalHeaderBytes > 0 && total > r.MaxTotalHeaderBytes {
			return nil, ErrHeaderTooLarge
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, errors.Annotate(ErrMalformed, "obsolete line folding")
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok || !validToken(k) {
			return nil, errors.Annotatef(ErrMalformed, "header line %q", line)
		}
		addHeader(h, k, strings.TrimSpace(v))
	}
}

// framing decides how a body is delimited. Requests and responses that
// carry both Transfer-Encoding and Content-Length are rejected, as are
// disagreeing Content-Length values.
func framing(h map[string][]string) (cl int64, chunked bool, err error) {
	te := h["Transfer-Encoding"]
	cls := h["Content-Length"]
	if len(te) > 0 {
		if len(cls) > 0 {
			return 0, false, errors.Annotate(ErrMalformed, "both Transfer-Encoding and Content-Length")
		}
		codings := strings.Split(strings.Join(te, ","), ",")
		last := strings.ToLower(strings.TrimSpace(codings[len(codings)-1]))
		if last != "chunked" {
			return 0, false, errors.Annotatef(ErrMalformed, "transfer coding %q", last)
		}
		return -1, true, nil
	}
	cl = -1
	for _, field := range cls {
		for _, v := range strings.Split(field, ",") {
			n, perr := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if perr != nil || n < 0 {
				return 0, false, errors.Annotatef(ErrMalformed, "Content-Length %q", field)
			}
			if cl >= 0 && n != cl {
				return 0, false, errors.Annotate(ErrMalformed, "conflicting Content-Length values")
			}
			cl = n
		}
	}
	if cl < 0 {
		cl = 0
	}
	return cl, false, nil
}

// readLine returns one line without its terminator. limit bounds the
// line length; zero disables the check.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if limit > 0 && len(line) > limit+2 {
			return "", ErrHeaderTooLarge
		}
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			if err == io.EOF && len(line) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line), nil
}

type eofBody struct{}

func (eofBody) Read([]byte) (int, error) { return 0, io.EOF }
func (eofBody) Close() error             { return nil }

type limitedBody struct {
	lr *io.LimitedReader
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.lr.Read(p)
	if err == io.EOF && b.lr.N > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Close drains what is left so the next message can be read.
func (b *limitedBody) Close() error {
	_, err := io.Copy(io.Discard, b.lr)
	return err
}

func addHeader(h map[string][]string, k, v string) {
	hk := CanonicalKey(k)
	h[hk] = append(h[hk], v)
}

func getHeader(h map[string][]string, k string) string {
	if vv := h[CanonicalKey(k)]; len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// CanonicalKey returns the MIME canonical form of a header name.
func CanonicalKey(s string) string {
	b := []byte(strings.ToLower(s))
	upper := true
	for i, c := range b {
		if upper && c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
		upper = c == '-'
	}
	return string(b)
}
