package coopnet

import (
	"github.com/nagareproject/core-sub001/coop"
)

// File adapts a Socket to io.Reader, io.Writer and io.Closer for one
// task. Wrap it in bufio for buffered I/O.
type File struct {
	s      *Socket
	t      *coop.Task
	closed bool
}

func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	return f.s.RecvInto(f.t, p)
}

func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if err := f.s.SendAll(f.t, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close releases the file's hold on the descriptor. The socket itself
// stays open.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.s.release()
	return nil
}

// Socket returns the underlying socket.
func (f *File) Socket() *Socket { return f.s }
