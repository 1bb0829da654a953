// Package peerstream wraps a swarm connection with a read pump so a remote
// close is observed while the stream still waits for a local consumer.
package peerstream

import (
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rudransh-shrivastava/peer-bridge/internal/swarm"
)

// ChunkSize is the size of each read from the underlying connection.
const ChunkSize = 32 * 1024

// DefaultBufferChunks bounds the queue when New is given a non-positive depth.
const DefaultBufferChunks = 16

// Stream is a pumped peer connection. Bytes read before a consumer attaches
// are queued; once the queue is full the pump stops reading, which pushes
// back on that peer only.
//
// Read must only be called from one goroutine at a time.
type Stream struct {
	conn   swarm.Conn
	chunks chan []byte
	closed chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error

	pending []byte
}

// New starts pumping conn.
func New(conn swarm.Conn, bufferChunks int) *Stream {
	if bufferChunks <= 0 {
		bufferChunks = DefaultBufferChunks
	}
	s := &Stream{
		conn:   conn,
		chunks: make(chan []byte, bufferChunks),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Stream) pump() {
	defer close(s.done)
	defer close(s.chunks)
	defer s.conn.Close()

	for {
		buf := make([]byte, ChunkSize)
		n, err := s.conn.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
	}
}

// Read returns queued peer bytes. It returns io.EOF once the peer has
// closed and the queue is drained, and net.ErrClosed after Close.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return 0, s.readErr()
			}
			s.pending = chunk
		case <-s.closed:
			return 0, net.ErrClosed
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Stream) readErr() error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	if err := s.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return io.EOF
}

// Write sends p to the peer.
func (s *Stream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, net.ErrClosed
	default:
	}
	return s.conn.Write(p)
}

// Close tears down the peer connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Done is closed once the pump has stopped, either because the peer went
// away or because Close was called.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the pump, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Peer returns the remote public key as lowercase hex.
func (s *Stream) Peer() string {
	return hex.EncodeToString(s.conn.RemotePublicKey())
}

// Initiator reports whether the local side opened the connection.
func (s *Stream) Initiator() bool {
	return s.conn.Initiator()
}
