// Package framer splits a byte stream into newline-delimited records.
package framer

import (
	"bytes"
	"errors"
	"io"
)

// ErrLineTooLong is returned when an unterminated record grows past the
// configured maximum.
var ErrLineTooLong = errors.New("framer: line too long")

const readChunkSize = 4096

// Framer accumulates chunks and hands out complete lines. A partial trailing
// record is retained until a later chunk terminates it. Empty lines are
// skipped.
type Framer struct {
	buf []byte
	// MaxLine bounds the unterminated prefix. Zero means unbounded.
	MaxLine int
}

// New returns a Framer with no line limit.
func New() *Framer {
	return &Framer{}
}

// Write appends a chunk. It fails only when MaxLine is set, no complete line
// is buffered, and the buffer has grown past MaxLine. The chunk is retained
// either way.
func (f *Framer) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	if f.MaxLine > 0 && len(f.buf) > f.MaxLine && bytes.IndexByte(f.buf, '\n') < 0 {
		return len(p), ErrLineTooLong
	}
	return len(p), nil
}

// Next returns the next complete, non-empty line with its terminator
// stripped. ok is false when no complete line is buffered.
func (f *Framer) Next() (line string, ok bool) {
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			return "", false
		}
		raw := f.buf[:i]
		f.buf = f.buf[i+1:]
		raw = bytes.TrimSuffix(raw, []byte{'\r'})
		if len(raw) == 0 {
			continue
		}
		return string(raw), true
	}
}

// Lines drains every complete line currently buffered.
func (f *Framer) Lines() []string {
	var lines []string
	for {
		line, ok := f.Next()
		if !ok {
			return lines
		}
		lines = append(lines, line)
	}
}

// Remaining returns the bytes not yet consumed as lines. The caller owns the
// returned slice.
func (f *Framer) Remaining() []byte {
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out
}

// Buffered reports how many unconsumed bytes are held.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reader pulls lines lazily from an io.Reader.
type Reader struct {
	r     io.Reader
	f     *Framer
	chunk []byte
	err   error
}

// NewReader wraps r. maxLine of zero means unbounded.
func NewReader(r io.Reader, maxLine int) *Reader {
	return &Reader{
		r:     r,
		f:     &Framer{MaxLine: maxLine},
		chunk: make([]byte, readChunkSize),
	}
}

// ReadLine blocks until a complete line is available. At end of input it
// returns io.EOF; a dangling unterminated record stays in Remaining.
func (r *Reader) ReadLine() (string, error) {
	for {
		if line, ok := r.f.Next(); ok {
			return line, nil
		}
		if r.err != nil {
			return "", r.err
		}
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			if _, werr := r.f.Write(r.chunk[:n]); werr != nil {
				r.err = werr
				return "", werr
			}
		}
		if err != nil {
			r.err = err
		}
	}
}

// Remaining exposes bytes read from the source but not yet returned as a line.
func (r *Reader) Remaining() []byte {
	return r.f.Remaining()
}
