// Package pairing accepts local TCP connections, reads a one-line stream id
// handshake, and splices the connection onto the matching peer stream.
package pairing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-bridge/internal/framer"
	"github.com/rudransh-shrivastava/peer-bridge/internal/netutil"
)

const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultMaxHandshakeBytes = 1024
)

// Resolver hands out the peer stream registered under a stream id. A stream
// is handed out at most once.
type Resolver interface {
	Take(id string) (io.ReadWriteCloser, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id string) (io.ReadWriteCloser, bool)

func (f ResolverFunc) Take(id string) (io.ReadWriteCloser, bool) {
	return f(id)
}

// Listener is the loopback pairing server.
type Listener struct {
	// ListenAddr is the TCP address to bind, e.g. "127.0.0.1:0".
	ListenAddr string

	Resolver Resolver

	// HandshakeTimeout bounds how long a connection may take to send its
	// stream id. Zero selects DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// MaxHandshakeBytes bounds the handshake line. Zero selects
	// DefaultMaxHandshakeBytes.
	MaxHandshakeBytes int

	// Logger defaults to the logrus standard logger.
	Logger *logrus.Entry

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup

	mu     sync.Mutex
	active map[net.Conn]struct{}
}

func (l *Listener) logger() *logrus.Entry {
	if l.Logger != nil {
		return l.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Start binds the listener and accepts in the background until Stop is
// called or ctx is cancelled. A bind failure is returned.
func (l *Listener) Start(ctx context.Context) error {
	if l.Resolver == nil {
		return errors.New("pairing: Resolver is required")
	}
	listener, err := net.Listen("tcp", l.ListenAddr)
	if err != nil {
		return fmt.Errorf("pairing: listen on %s: %w", l.ListenAddr, err)
	}
	l.listener = listener
	l.active = make(map[net.Conn]struct{})

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		l.acceptLoop(ctx)
	}()
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	l.logger().WithField("addr", listener.Addr().String()).Info("pairing listener started")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Port returns the bound TCP port, or 0 before Start.
func (l *Listener) Port() int {
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Stop closes the listener and every local connection, then waits for the
// connection goroutines to finish.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.listener != nil {
		_ = l.listener.Close()
	}
	l.mu.Lock()
	for conn := range l.active {
		_ = conn.Close()
	}
	l.active = nil
	l.mu.Unlock()
	if l.done != nil {
		<-l.done
	}
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.connections.Wait()
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				l.connections.Wait()
				return
			}
			l.logger().WithError(err).Error("accept failed")
			continue
		}

		if !l.track(conn) {
			_ = conn.Close()
			continue
		}
		l.connections.Add(1)
		go func() {
			defer l.connections.Done()
			defer l.untrack(conn)
			l.handleConnection(conn)
		}()
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return false
	}
	l.active[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.active, conn)
	l.mu.Unlock()
}

func (l *Listener) handleConnection(conn net.Conn) {
	log := l.logger().WithField("remote_addr", conn.RemoteAddr().String())

	timeout := l.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	maxBytes := l.MaxHandshakeBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxHandshakeBytes
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	reader := framer.NewReader(conn, maxBytes)
	id, err := reader.ReadLine()
	if err != nil {
		log.WithError(err).Debug("handshake failed")
		_ = conn.Close()
		return
	}
	if len(id) > maxBytes {
		log.Debug("handshake line too long")
		_ = conn.Close()
		return
	}
	id = strings.TrimSpace(id)

	log = log.WithField("stream_id", id)
	stream, ok := l.Resolver.Take(id)
	if !ok {
		log.Debug("unknown stream id")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	log.Debug("paired")
	fromLocal := io.MultiReader(bytes.NewReader(reader.Remaining()), conn)
	res, err := netutil.Splice(conn, fromLocal, stream, stream)
	fields := logrus.Fields{"bytes_to_peer": res.AToB, "bytes_from_peer": res.BToA}
	if err != nil {
		log.WithFields(fields).WithError(err).Debug("splice ended with error")
		return
	}
	log.WithFields(fields).Debug("splice closed")
}
