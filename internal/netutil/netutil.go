// Package netutil holds small helpers shared by the pairing and control
// listeners.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection reset.
// Splices tear down with a full close, so the surviving side usually sees
// one of these rather than a clean EOF.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// SpliceResult reports how many bytes moved in each direction.
type SpliceResult struct {
	AToB int64
	BToA int64
}

type copyResult struct {
	aToB  bool
	bytes int64
	err   error
}

// Splice copies readerA into b and readerB into a until either direction
// finishes, then closes both ends so the surviving copy unblocks. The readers
// may differ from the endpoints when bytes were already consumed from them.
//
// The returned error is the first direction's error, or nil when that
// direction ended with a normal close.
func Splice(a io.WriteCloser, readerA io.Reader, b io.WriteCloser, readerB io.Reader) (SpliceResult, error) {
	done := make(chan copyResult, 2)

	go func() {
		n, err := io.Copy(b, readerA)
		done <- copyResult{aToB: true, bytes: n, err: err}
	}()
	go func() {
		n, err := io.Copy(a, readerB)
		done <- copyResult{bytes: n, err: err}
	}()

	var res SpliceResult
	record := func(r copyResult) {
		if r.aToB {
			res.AToB = r.bytes
		} else {
			res.BToA = r.bytes
		}
	}

	first := <-done
	_ = a.Close()
	_ = b.Close()
	record(first)
	record(<-done)

	if first.err != nil && !IsExpectedCloseError(first.err) {
		return res, first.err
	}
	return res, nil
}
