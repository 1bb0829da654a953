package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Socket is a TCP control endpoint that serves exactly one controller.
// Connections arriving while the controller is attached are closed.
type Socket struct {
	ListenAddr string
	Logger     *logrus.Entry

	listener net.Listener
	wg       sync.WaitGroup
}

func (s *Socket) logger() *logrus.Entry {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Listen binds the socket.
func (s *Socket) Listen() error {
	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", s.ListenAddr, err)
	}
	s.listener = ln
	s.logger().WithField("addr", ln.Addr().String()).Info("control socket listening")
	return nil
}

func (s *Socket) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Accept waits for the controller. Every later connection is rejected until
// Close.
func (s *Socket) Accept(ctx context.Context) (net.Conn, error) {
	if s.listener == nil {
		return nil, errors.New("control: socket not listening")
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := s.listener.Accept()
		ch <- result{conn, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		_ = s.listener.Close()
		res = <-ch
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, fmt.Errorf("control: accept: %w", res.err)
	}

	s.logger().WithField("remote_addr", res.conn.RemoteAddr().String()).Info("controller attached")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.rejectLoop()
	}()
	return res.conn, nil
}

func (s *Socket) rejectLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.logger().WithField("remote_addr", conn.RemoteAddr().String()).Warn("rejecting second controller")
		_ = conn.Close()
	}
}

// Close stops listening.
func (s *Socket) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
