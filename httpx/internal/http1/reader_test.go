package http1

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
)

func readReq(t *testing.T, raw string, maxLine, maxTotal int) (*ParsedRequest, error) {
	t.Helper()
	r := &Reader{BR: bufio.NewReader(strings.NewReader(raw)), MaxHeaderBytes: maxLine, MaxTotalHeaderBytes: maxTotal}
	return r.ReadRequest()
}

func TestReader_ContentLengthBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"
	pr, err := readReq(t, raw, 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if pr.ContentLength != 5 {
		t.Fatalf("ContentLength=%d", pr.ContentLength)
	}
	b, _ := io.ReadAll(pr.Body)
	if string(b) != "hello" {
		t.Fatalf("body=%q", string(b))
	}
}

func TestReader_ChunkedBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nhey\r\n2\r\n!!\r\n0\r\n\r\n"
	pr, err := readReq(t, raw, 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if pr.ContentLength != -1 {
		t.Fatalf("ContentLength=%d", pr.ContentLength)
	}
	b, _ := io.ReadAll(pr.Body)
	if string(b) != "hey!!" {
		t.Fatalf("body=%q", string(b))
	}
}

func TestReader_CLTEConflict(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\nContent-Length: 5\r\n\r\n"
	if _, err := readReq(t, raw, 8<<10, 64<<10); err == nil {
		t.Fatal("expected error for CL/TE conflict")
	}
}

func TestReader_MultipleContentLengthMismatch(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5, 6\r\n\r\n"
	if _, err := readReq(t, raw, 8<<10, 64<<10); err == nil {
		t.Fatal("expected error for mismatched Content-Length")
	}
}

func TestReader_InvalidHeaderName(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nBad( : v\r\n\r\n"
	if _, err := readReq(t, raw, 8<<10, 64<<10); err == nil {
		t.Fatal("expected error for invalid header name")
	}
}

func TestReader_MaxTotalHeaderBytes(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nA: b\r\nC: d\r\nE: f\r\n\r\n"
	if _, err := readReq(t, raw, 8<<10, 6); err == nil { // 3 lines exceed total (approx)
		t.Fatal("expected error for MaxTotalHeaderBytes")
	}
}

func readRes(t *testing.T, raw, method string) *ParsedResponse {
	t.Helper()
	r := &Reader{BR: bufio.NewReader(strings.NewReader(raw)), MaxHeaderBytes: 8 << 10}
	pr, err := r.ReadResponse(method)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	return pr
}

func TestReader_ResponseFraming(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		method    string
		body      string
		delimited bool
	}{
		{"content-length", "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabcdef", "GET", "abc", true},
		{"chunked with trailer", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nab\r\n0\r\nX-T: 1\r\n\r\n", "GET", "ab", true},
		{"until close", "HTTP/1.0 200 OK\r\n\r\nrest of stream", "GET", "rest of stream", false},
		{"head", "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n", "HEAD", "", true},
		{"no content", "HTTP/1.1 204 No Content\r\n\r\n", "DELETE", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := readRes(t, tt.raw, tt.method)
			b, err := io.ReadAll(pr.Body)
			if err != nil {
				t.Fatalf("body error: %v", err)
			}
			if string(b) != tt.body || pr.Delimited != tt.delimited {
				t.Fatalf("body=%q delimited=%v", string(b), pr.Delimited)
			}
		})
	}
}

func TestReader_TruncatedBody(t *testing.T) {
	pr := readRes(t, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc", "GET")
	if _, err := io.ReadAll(pr.Body); err != io.ErrUnexpectedEOF {
		t.Fatalf("err=%v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReader_CleanEOF(t *testing.T) {
	if _, err := readReq(t, "", 8<<10, 0); err != io.EOF {
		t.Fatalf("err=%v, want io.EOF", err)
	}
}

func TestReader_BadChunkSize(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"
	pr, err := readReq(t, raw, 8<<10, 0)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if _, err := io.ReadAll(pr.Body); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v, want ErrMalformed", err)
	}
}
