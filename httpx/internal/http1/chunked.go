package http1

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// chunkedBody decodes Transfer-Encoding: chunked. Trailers are read and
// discarded.
type chunkedBody struct {
	br       *bufio.Reader
	maxLine  int
	remain   int64 // bytes left in the current chunk
	started  bool
	finished bool
	err      error
}

func newChunkedBody(br *bufio.Reader, maxLine int) io.ReadCloser {
	return &chunkedBody{br: br, maxLine: maxLine}
}

func (c *chunkedBody) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.finished {
		return 0, io.EOF
	}
	if c.remain == 0 {
		if c.started {
			if err := c.expectCRLF(); err != nil {
				return 0, c.fail(err)
			}
		}
		size, err := c.readSize()
		if err != nil {
			return 0, c.fail(err)
		}
		c.started = true
		if size == 0 {
			if err := c.skipTrailers(); err != nil {
				return 0, c.fail(err)
			}
			c.finished = true
			return 0, io.EOF
		}
		c.remain = size
	}
	if len(p) == 0 {
		return 0, nil
	}
	if int64(len(p)) > c.remain {
		p = p[:c.remain]
	}
	n, err := c.br.Read(p)
	c.remain -= int64(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return n, c.fail(err)
	}
	return n, nil
}

// Close drains the body so the connection can carry the next message.
func (c *chunkedBody) Close() error {
	if c.finished {
		return nil
	}
	_, err := io.Copy(io.Discard, c)
	return err
}

func (c *chunkedBody) fail(err error) error {
	c.err = err
	return err
}

func (c *chunkedBody) readSize() (int64, error) {
	line, err := readLine(c.br, c.maxLine)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if err != nil || n < 0 {
		return 0, errors.Annotatef(ErrMalformed, "chunk size %q", line)
	}
	return n, nil
}

func (c *chunkedBody) expectCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(c.br, crlf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if crlf != [2]byte{'\r', '\n'} {
		return errors.Annotatef(ErrMalformed, "chunk terminator %q", crlf[:])
	}
	return nil
}

func (c *chunkedBody) skipTrailers() error {
	for {
		line, err := readLine(c.br, c.maxLine)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		if line == "" {
			return nil
		}
	}
}
