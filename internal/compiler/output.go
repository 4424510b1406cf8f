package compiler

import (
	"bytes"
	"io"
	"sync"
)

// prefixWriter writes whole lines to a shared writer, each prefixed with the
// crate name, so output from parallel builds does not interleave mid-line
type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	buf    []byte
}

func newPrefixWriter(mu *sync.Mutex, w io.Writer, prefix string) *prefixWriter {
	return &prefixWriter{mu: mu, w: w, prefix: prefix}
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)

	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}

		if err := p.emit(p.buf[:i+1]); err != nil {
			return len(b), err
		}
		p.buf = p.buf[i+1:]
	}

	return len(b), nil
}

// Flush writes any trailing partial line
func (p *prefixWriter) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}

	line := append(p.buf, '\n')
	p.buf = nil
	return p.emit(line)
}

func (p *prefixWriter) emit(line []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := io.WriteString(p.w, p.prefix); err != nil {
		return err
	}

	_, err := p.w.Write(line)
	return err
}

// syncBuffer is a bytes.Buffer safe for cargo's concurrent stdout and stderr copies
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buf.Write(b)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buf.String()
}
