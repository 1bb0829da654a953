// Package bridge ties the control plane, the swarm and the pairing listener
// together.
package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/rudransh-shrivastava/peer-bridge/internal/control"
	"github.com/rudransh-shrivastava/peer-bridge/internal/pairing"
	"github.com/rudransh-shrivastava/peer-bridge/internal/peerstream"
	"github.com/rudransh-shrivastava/peer-bridge/internal/registry"
	"github.com/rudransh-shrivastava/peer-bridge/internal/swarm"
)

const (
	maxIDAttempts   = 8
	shutdownTimeout = 10 * time.Second
)

type Options struct {
	Swarm   swarm.Swarm
	Control *control.Channel

	// PairingAddr is the loopback address of the pairing listener.
	PairingAddr       string
	HandshakeTimeout  time.Duration
	MaxHandshakeBytes int

	// BufferChunks bounds how many 32 KiB chunks a stream queues before it
	// is paired.
	BufferChunks int
	// UnpairedTimeout closes streams nobody paired with. Zero disables it.
	UnpairedTimeout time.Duration

	Logger *logrus.Logger

	// newID overrides stream id generation in tests.
	newID func() (string, error)
}

type Bridge struct {
	swarm    swarm.Swarm
	control  *control.Channel
	registry *registry.Registry
	order    *topicOrder
	pairing  *pairing.Listener
	logger   *logrus.Entry

	bufferChunks    int
	unpairedTimeout time.Duration
	newID           func() (string, error)

	stopRequested chan struct{}
	stopOnce      sync.Once

	mu       sync.Mutex
	stopping bool
	tasks    sync.WaitGroup
}

func New(opts Options) (*Bridge, error) {
	if opts.Swarm == nil {
		return nil, errors.New("bridge: Swarm is required")
	}
	if opts.Control == nil {
		return nil, errors.New("bridge: Control is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	newID := opts.newID
	if newID == nil {
		newID = registry.NewStreamID
	}
	addr := opts.PairingAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}

	b := &Bridge{
		swarm:           opts.Swarm,
		control:         opts.Control,
		registry:        registry.New(),
		order:           newTopicOrder(),
		logger:          log.WithField("component", "bridge"),
		bufferChunks:    opts.BufferChunks,
		unpairedTimeout: opts.UnpairedTimeout,
		newID:           newID,
		stopRequested:   make(chan struct{}),
	}
	b.pairing = &pairing.Listener{
		ListenAddr:        addr,
		Resolver:          pairing.ResolverFunc(b.take),
		HandshakeTimeout:  opts.HandshakeTimeout,
		MaxHandshakeBytes: opts.MaxHandshakeBytes,
		Logger:            log.WithField("component", "pairing"),
	}
	return b, nil
}

// Run serves until the controller disconnects, destroy is requested or ctx
// is cancelled. It fails only if the pairing listener cannot be bound.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := b.pairing.Start(ctx); err != nil {
		return err
	}
	if err := b.control.Emit(control.NewReadyEvent(b.pairing.Port())); err != nil {
		b.logger.WithError(err).Warn("failed to emit ready event")
	}
	b.logger.WithField("port", b.pairing.Port()).Info("bridge ready")

	b.spawn(func() { b.acceptConnections(ctx) })

	readerDone := make(chan error, 1)
	go func() {
		readerDone <- b.control.ReadRequests(ctx, func(req *control.Request) {
			t := b.order.enter(req)
			if !b.spawn(func() { b.handle(ctx, req, t) }) {
				t.done()
				b.logger.WithField("method", req.Method).Debug("dropping request during shutdown")
			}
		})
	}()

	select {
	case err := <-readerDone:
		if err != nil {
			b.logger.WithError(err).Warn("control channel failed")
		} else {
			b.logger.Info("controller disconnected")
		}
	case <-b.stopRequested:
		b.logger.Info("destroy requested")
	case <-ctx.Done():
	}

	b.shutdown(cancel)
	return nil
}

// Port returns the pairing listener port once Run has started it.
func (b *Bridge) Port() int {
	return b.pairing.Port()
}

// spawn runs fn as a tracked task unless shutdown has begun.
func (b *Bridge) spawn(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return false
	}
	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		fn()
	}()
	return true
}

func (b *Bridge) requestStop() {
	b.stopOnce.Do(func() { close(b.stopRequested) })
}

func (b *Bridge) shutdown(cancel context.CancelFunc) {
	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()
	cancel()

	b.pairing.Stop()

	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	err := b.swarm.Destroy(ctx)
	err = multierr.Append(err, b.registry.CloseAll())
	b.tasks.Wait()
	err = multierr.Append(err, b.control.Close())

	for _, e := range multierr.Errors(err) {
		b.logger.WithError(e).Warn("teardown error")
	}
	b.logger.Info("bridge stopped")
}

func (b *Bridge) take(id string) (io.ReadWriteCloser, bool) {
	s, ok := b.registry.Take(id)
	if !ok {
		return nil, false
	}
	return s, true
}

func (b *Bridge) acceptConnections(ctx context.Context) {
	for conn := range b.swarm.Connections() {
		b.handleConnection(ctx, conn)
	}
}

func (b *Bridge) handleConnection(ctx context.Context, conn swarm.Conn) {
	stream := peerstream.New(conn, b.bufferChunks)
	id, err := b.register(stream)
	if err != nil {
		b.logger.WithError(err).WithField("peer", stream.Peer()).Error("dropping peer connection")
		_ = stream.Close()
		return
	}

	log := b.logger.WithFields(logrus.Fields{
		"stream_id": id,
		"peer":      stream.Peer(),
		"client":    stream.Initiator(),
	})
	log.Info("peer connected")
	if err := b.control.Emit(control.NewConnectionEvent(stream.Peer(), id, stream.Initiator())); err != nil {
		log.WithError(err).Debug("failed to emit connection event")
	}

	if !b.spawn(func() { b.watch(ctx, id, stream, log) }) {
		b.registry.Remove(id)
		_ = stream.Close()
	}
}

// register allocates a fresh id for s. Collisions are logged and retried a
// bounded number of times.
func (b *Bridge) register(s *peerstream.Stream) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := b.newID()
		if err != nil {
			return "", fmt.Errorf("bridge: generate stream id: %w", err)
		}
		err = b.registry.Register(id, s)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, registry.ErrCollision) {
			return "", err
		}
		b.logger.WithField("stream_id", id).Error("stream id collision, regenerating")
	}
	return "", fmt.Errorf("bridge: %w after %d attempts", registry.ErrCollision, maxIDAttempts)
}

// watch waits for the stream to end, paired or not, then reports it gone.
func (b *Bridge) watch(ctx context.Context, id string, s *peerstream.Stream, log *logrus.Entry) {
	var timeout <-chan time.Time
	if b.unpairedTimeout > 0 {
		timer := time.NewTimer(b.unpairedTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-s.Done():
	case <-timeout:
		if b.registry.Remove(id) {
			log.Info("closing unpaired stream")
			_ = s.Close()
		}
		<-s.Done()
	case <-ctx.Done():
		_ = s.Close()
		<-s.Done()
	}

	b.registry.Remove(id)
	log.Info("peer disconnected")
	if err := b.control.Emit(control.NewDisconnectionEvent(id)); err != nil {
		log.WithError(err).Debug("failed to emit disconnection event")
	}
}

func (b *Bridge) handle(ctx context.Context, req *control.Request, t turn) {
	log := b.logger.WithField("method", req.Method)
	result, err := b.dispatchInTurn(ctx, req, t)
	if err != nil {
		log.WithError(err).Warn("request failed")
	} else {
		log.Debug("request completed")
	}
	if rerr := b.control.Reply(req, result, err); rerr != nil {
		log.WithError(rerr).Debug("failed to send reply")
	}
	if req.Method == control.MethodDestroy {
		b.requestStop()
	}
}

func (b *Bridge) dispatchInTurn(ctx context.Context, req *control.Request, t turn) (any, error) {
	defer t.done()
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return b.dispatch(ctx, req)
}

func (b *Bridge) dispatch(ctx context.Context, req *control.Request) (any, error) {
	switch req.Method {
	case control.MethodJoin:
		return b.join(ctx, req)
	case control.MethodLeave:
		return b.leave(ctx, req)
	case control.MethodGetInfo:
		return b.info(), nil
	case control.MethodDestroy:
		if err := b.swarm.Destroy(ctx); err != nil {
			return nil, err
		}
		return control.StatusResult{Status: "destroyed"}, nil
	case control.MethodStreams:
		return StreamsResult{Streams: b.registry.Snapshot()}, nil
	default:
		return nil, control.ErrUnknownMethod
	}
}

type joinArgs struct {
	Topic   string `json:"topic"`
	Options *struct {
		Announce *bool `json:"announce"`
		Lookup   *bool `json:"lookup"`
	} `json:"options"`
}

func (b *Bridge) join(ctx context.Context, req *control.Request) (any, error) {
	var args joinArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, fmt.Errorf("bad args: %w", err)
	}
	topic, err := swarm.ParseTopic(args.Topic)
	if err != nil {
		return nil, err
	}
	opts := swarm.DefaultJoinOptions()
	if args.Options != nil {
		if args.Options.Announce != nil {
			opts.Announce = *args.Options.Announce
		}
		if args.Options.Lookup != nil {
			opts.Lookup = *args.Options.Lookup
		}
	}
	if err := b.swarm.Join(ctx, topic, opts); err != nil {
		return nil, err
	}
	return control.StatusResult{Status: "flushed"}, nil
}

func (b *Bridge) leave(ctx context.Context, req *control.Request) (any, error) {
	var args joinArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, fmt.Errorf("bad args: %w", err)
	}
	topic, err := swarm.ParseTopic(args.Topic)
	if err != nil {
		return nil, err
	}
	if err := b.swarm.Leave(ctx, topic); err != nil {
		return nil, err
	}
	return control.StatusResult{Status: "left"}, nil
}

// Info is the getinfo result.
type Info struct {
	Port      int    `json:"port"`
	DHTPort   *int   `json:"dhtPort"`
	PublicKey string `json:"publicKey"`
	Topics    int    `json:"topics"`
	Streams   int    `json:"streams"`
}

func (b *Bridge) info() Info {
	si := b.swarm.Info()
	info := Info{
		Port:      b.pairing.Port(),
		PublicKey: hex.EncodeToString(si.PublicKey),
		Topics:    si.Topics,
		Streams:   b.registry.Len(),
	}
	if si.Port > 0 {
		port := si.Port
		info.DHTPort = &port
	}
	return info
}

// StreamsResult is the streams result.
type StreamsResult struct {
	Streams []registry.Entry `json:"streams"`
}
