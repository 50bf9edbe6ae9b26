package http1

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// StartResponse writes the status line and headers, including
// Connection and optional Transfer-Encoding: chunked. It does not
// write any body bytes. Caller-supplied Connection and, for chunked
// responses, Content-Length headers are replaced.
func StartResponse(bw *bufio.Writer, status int, reason string, hdr map[string][]string, chunked, keepAlive bool) error {
	if reason == "" {
		reason = Reason(status)
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", status, reason); err != nil {
		return err
	}
	skip := map[string]bool{"Connection": true, "Transfer-Encoding": true}
	if chunked {
		skip["Content-Length"] = true
		bw.WriteString("Transfer-Encoding: chunked\r\n")
	}
	writeFields(bw, hdr, skip)
	if keepAlive {
		bw.WriteString("Connection: keep-alive\r\n")
	} else {
		bw.WriteString("Connection: close\r\n")
	}
	_, err := bw.WriteString("\r\n")
	return err
}

// WriteResponse writes a complete response with a fixed body.
func WriteResponse(bw *bufio.Writer, status int, hdr map[string][]string, body []byte, keepAlive bool) error {
	if hdr == nil {
		hdr = map[string][]string{}
	}
	hdr["Content-Length"] = []string{strconv.Itoa(len(body))}
	if err := StartResponse(bw, status, "", hdr, false, keepAlive); err != nil {
		return err
	}
	_, err := bw.Write(body)
	return err
}

// WriteRequestHead writes a request line and headers. contentLength < 0
// with chunked set announces a chunked body; contentLength < 0 without
// it omits framing headers.
func WriteRequestHead(bw *bufio.Writer, method, uri, host string, hdr map[string][]string, contentLength int64, chunked bool) error {
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\nHost: %s\r\n", method, uri, SanitizeHeaderValue(host)); err != nil {
		return err
	}
	skip := map[string]bool{"Host": true, "Content-Length": true, "Transfer-Encoding": true}
	writeFields(bw, hdr, skip)
	switch {
	case chunked:
		bw.WriteString("Transfer-Encoding: chunked\r\n")
	case contentLength >= 0:
		fmt.Fprintf(bw, "Content-Length: %d\r\n", contentLength)
	}
	_, err := bw.WriteString("\r\n")
	return err
}

// writeFields writes hdr sorted by name, dropping invalid names and the
// names in skip.
func writeFields(bw *bufio.Writer, hdr map[string][]string, skip map[string]bool) {
	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		if skip[k] || !validToken(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range hdr[k] {
			bw.WriteString(k)
			bw.WriteString(": ")
			bw.WriteString(SanitizeHeaderValue(v))
			bw.WriteString("\r\n")
		}
	}
}

// WriteChunked writes one HTTP/1.1 chunk for chunked transfer encoding.
func WriteChunked(bw *bufio.Writer, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(bw, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := bw.Write(p); err != nil {
		return 0, err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EndChunked writes the terminating zero-length chunk.
func EndChunked(bw *bufio.Writer) error {
	_, err := bw.WriteString("0\r\n\r\n")
	return err
}

// Reason returns the standard reason phrase for code, or "Unknown".
func Reason(code int) string {
	if r, ok := reasons[code]; ok {
		return r
	}
	return "Unknown"
}

var reasons = map[int]string{
	100: "Continue",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Content Too Large",
	417: "Expectation Failed",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
}

// SanitizeHeaderValue removes CR, LF and control characters other than
// HTAB.
func SanitizeHeaderValue(v string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, v)
}
