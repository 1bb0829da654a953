// Package control implements the line-delimited JSON control plane between
// the host process and the bridge.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-bridge/internal/framer"
)

var (
	ErrClosed        = errors.New("control: channel closed")
	ErrUnknownMethod = errors.New("Unknown method")
)

const queueSize = 256

// Channel reads requests from in and serialises replies and events onto out.
// Every outbound line goes through a single writer goroutine so lines never
// interleave.
type Channel struct {
	in     io.Reader
	out    io.Writer
	logger *logrus.Entry

	queue      chan []byte
	closing    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu       sync.RWMutex
	closed   bool
	writeErr error
}

// NewChannel starts the writer goroutine. Call Close to flush and stop it.
func NewChannel(in io.Reader, out io.Writer, logger *logrus.Entry) *Channel {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Channel{
		in:         in,
		out:        out,
		logger:     logger,
		queue:      make(chan []byte, queueSize),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Channel) writeLoop() {
	defer close(c.writerDone)
	var failed bool
	for line := range c.queue {
		if failed {
			continue
		}
		if _, err := c.out.Write(line); err != nil {
			failed = true
			c.mu.Lock()
			c.writeErr = err
			c.mu.Unlock()
			c.logger.WithError(err).Warn("control write failed")
		}
	}
}

// ReadRequests calls handle for every well-formed request line until the
// input ends. Malformed lines are logged and skipped. A clean end of input
// returns nil.
func (c *Channel) ReadRequests(ctx context.Context, handle func(*Request)) error {
	reader := framer.NewReader(c.in, 0)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("control: read: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			c.logger.WithError(err).WithField("line", line).Warn("skipping malformed control line")
			continue
		}
		handle(&req)
	}
}

// Reply answers req. Nothing is written when req has no id. A non-nil err
// replaces result with an ErrorResult.
func (c *Channel) Reply(req *Request, result any, err error) error {
	if !req.WantsReply() {
		return nil
	}
	if err != nil {
		result = ErrorResult{Error: err.Error()}
	}
	return c.Send(Reply{ID: req.ID, Result: result})
}

// Emit sends an unsolicited event.
func (c *Channel) Emit(event any) error {
	return c.Send(event)
}

// Send marshals v as one line and queues it.
func (c *Channel) Send(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("control: marshal: %w", err)
	}
	line = append(line, '\n')

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- line:
		return nil
	case <-c.closing:
		return ErrClosed
	}
}

// Close stops accepting lines, waits for queued lines to be written and
// returns the first write error, if any.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.mu.Lock()
		c.closed = true
		close(c.queue)
		c.mu.Unlock()
	})
	<-c.writerDone

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writeErr
}
