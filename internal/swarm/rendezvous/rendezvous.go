// Package rendezvous implements swarm.Swarm on top of a tracker: topics are
// announced to and looked up from the tracker, and peers connect directly
// over the same QUIC endpoint.
package rendezvous

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rudransh-shrivastava/peer-bridge/internal/protocol"
	"github.com/rudransh-shrivastava/peer-bridge/internal/swarm"
	"github.com/rudransh-shrivastava/peer-bridge/internal/tracker"
	"github.com/rudransh-shrivastava/peer-bridge/internal/transport"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultRefreshInterval  = time.Minute
	DefaultMaxParallelDials = 16
	incomingQueue           = 64
)

type Config struct {
	// ListenAddr is the UDP address for the QUIC endpoint.
	ListenAddr string
	Key        ed25519.PrivateKey
	// TrackerAddr is the tracker's UDP address.
	TrackerAddr string
	// TrackerKey pins the tracker identity when set.
	TrackerKey []byte

	DialTimeout      time.Duration
	RefreshInterval  time.Duration
	MaxParallelDials int
	Logger           *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.MaxParallelDials <= 0 {
		c.MaxParallelDials = DefaultMaxParallelDials
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

type Swarm struct {
	cfg       Config
	log       *logrus.Entry
	transport *transport.Transport
	conns     *swarm.ConnSet
	incoming  chan swarm.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	trackerMu sync.Mutex
	tracker   *tracker.Client

	mu        sync.RWMutex
	topics    map[swarm.Topic]swarm.JoinOptions
	destroyed bool
}

var _ swarm.Swarm = (*Swarm)(nil)

// New binds the endpoint, connects to the tracker and starts accepting peers.
func New(ctx context.Context, cfg Config) (*Swarm, error) {
	cfg.setDefaults()
	if cfg.TrackerAddr == "" {
		return nil, errors.New("rendezvous: tracker address is required")
	}

	tr, err := transport.NewTransport(cfg.ListenAddr, cfg.Key)
	if err != nil {
		return nil, err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.DialTimeout)
	client, err := tracker.Dial(dialCtx, tr, cfg.TrackerAddr, cfg.TrackerKey)
	cancelDial()
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Swarm{
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "swarm"),
		transport: tr,
		conns:     swarm.NewConnSet(tr.PublicKey()),
		incoming:  make(chan swarm.Conn, incomingQueue),
		ctx:       runCtx,
		cancel:    cancel,
		tracker:   client,
		topics:    make(map[swarm.Topic]swarm.JoinOptions),
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.refreshLoop()
	}()

	s.log.WithFields(logrus.Fields{
		"addr":    tr.LocalAddr().String(),
		"tracker": cfg.TrackerAddr,
	}).Info("swarm started")
	return s, nil
}

// Join announces and/or looks up topic, then dials every peer found. It
// returns once all dials have finished.
func (s *Swarm) Join(ctx context.Context, topic swarm.Topic, opts swarm.JoinOptions) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return swarm.ErrDestroyed
	}
	s.topics[topic] = opts
	s.mu.Unlock()

	return s.flush(ctx, topic, opts)
}

func (s *Swarm) flush(ctx context.Context, topic swarm.Topic, opts swarm.JoinOptions) error {
	client, err := s.client(ctx)
	if err != nil {
		return err
	}
	t := protocol.Topic(topic)

	if opts.Announce {
		if err := client.Announce(ctx, t, ""); err != nil {
			return fmt.Errorf("rendezvous: announce %s: %w", topic, err)
		}
	}
	if !opts.Lookup {
		return nil
	}

	peers, err := client.Lookup(ctx, t)
	if err != nil {
		return fmt.Errorf("rendezvous: lookup %s: %w", topic, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelDials)
	for _, rec := range peers {
		if s.conns.Has(rec.PublicKey[:]) {
			continue
		}
		g.Go(func() error {
			if err := s.dial(gctx, topic, rec); err != nil {
				s.log.WithError(err).WithField("addr", rec.Addr).Debug("dial failed")
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Swarm) dial(ctx context.Context, topic swarm.Topic, rec protocol.PeerRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	peer, err := s.transport.DialPeer(ctx, rec.Addr, rec.PublicKey[:])
	if err != nil {
		return err
	}
	stream, err := peer.OpenDataStream(ctx)
	if err != nil {
		_ = peer.Close()
		return err
	}
	if _, err := stream.Write(topic[:]); err != nil {
		_ = peer.Close()
		return err
	}
	s.admit(&peerConn{Stream: stream, peer: peer})
	return nil
}

func (s *Swarm) acceptLoop() {
	for {
		peer, err := s.transport.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleInbound(peer)
		}()
	}
}

func (s *Swarm) handleInbound(peer *transport.Peer) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancel()

	log := s.log.WithField("remote_addr", peer.RemoteAddr())
	stream, err := peer.AcceptDataStream(ctx)
	if err != nil {
		log.WithError(err).Debug("no stream from peer")
		_ = peer.Close()
		return
	}

	var topic swarm.Topic
	_ = stream.SetReadDeadline(time.Now().Add(s.cfg.DialTimeout))
	if _, err := io.ReadFull(stream, topic[:]); err != nil {
		log.WithError(err).Debug("topic handshake failed")
		_ = peer.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	if !s.joined(topic) {
		log.WithField("topic", topic.String()).Debug("peer dialed a topic we have not joined")
		_ = peer.Close()
		return
	}
	s.admit(&peerConn{Stream: stream, peer: peer})
}

func (s *Swarm) joined(topic swarm.Topic) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *Swarm) admit(c *peerConn) {
	conn, ok := s.conns.Admit(c)
	if !ok {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		_ = conn.Close()
		return
	}
	select {
	case s.incoming <- conn:
	case <-s.ctx.Done():
		_ = conn.Close()
	}
}

// refreshLoop keeps announcements alive and picks up peers that joined
// since the last round.
func (s *Swarm) refreshLoop() {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.RLock()
		topics := make(map[swarm.Topic]swarm.JoinOptions, len(s.topics))
		for t, o := range s.topics {
			topics[t] = o
		}
		s.mu.RUnlock()

		for topic, opts := range topics {
			if err := s.flush(s.ctx, topic, opts); err != nil && s.ctx.Err() == nil {
				s.log.WithError(err).WithField("topic", topic.String()).Warn("refresh failed")
			}
		}
	}
}

// client returns the tracker connection, redialing if it dropped.
func (s *Swarm) client(ctx context.Context) (*tracker.Client, error) {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()

	if s.tracker != nil {
		select {
		case <-s.tracker.Done():
			s.log.Warn("tracker connection lost, redialing")
			s.tracker = nil
		default:
			return s.tracker, nil
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	c, err := tracker.Dial(dialCtx, s.transport, s.cfg.TrackerAddr, s.cfg.TrackerKey)
	if err != nil {
		return nil, err
	}
	s.tracker = c
	return c, nil
}

func (s *Swarm) Leave(ctx context.Context, topic swarm.Topic) error {
	s.mu.Lock()
	opts, ok := s.topics[topic]
	delete(s.topics, topic)
	s.mu.Unlock()
	if !ok || !opts.Announce {
		return nil
	}

	client, err := s.client(ctx)
	if err != nil {
		return err
	}
	if err := client.Unannounce(ctx, protocol.Topic(topic)); err != nil {
		return fmt.Errorf("rendezvous: unannounce %s: %w", topic, err)
	}
	return nil
}

func (s *Swarm) Info() swarm.Info {
	s.mu.RLock()
	topics := len(s.topics)
	s.mu.RUnlock()

	port := 0
	if addr, ok := s.transport.LocalAddr().(*net.UDPAddr); ok {
		port = addr.Port
	}
	return swarm.Info{PublicKey: s.transport.PublicKey(), Port: port, Topics: topics}
}

func (s *Swarm) Connections() <-chan swarm.Conn {
	return s.incoming
}

// Destroy leaves every topic, closes all peer connections and the endpoint.
func (s *Swarm) Destroy(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	close(s.incoming)
	topics := make([]swarm.Topic, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	var err error
	for _, t := range topics {
		err = multierr.Append(err, s.Leave(ctx, t))
	}
	err = multierr.Append(err, s.conns.CloseAll())

	s.trackerMu.Lock()
	if s.tracker != nil {
		err = multierr.Append(err, s.tracker.Close())
	}
	s.trackerMu.Unlock()
	err = multierr.Append(err, s.transport.Close())
	s.wg.Wait()
	return err
}

// peerConn is the single data stream of a peer connection.
type peerConn struct {
	*quic.Stream
	peer *transport.Peer
}

func (c *peerConn) RemotePublicKey() []byte { return c.peer.RemotePublicKey() }

func (c *peerConn) Initiator() bool { return c.peer.Initiator() }

func (c *peerConn) Close() error {
	c.Stream.CancelRead(0)
	_ = c.Stream.Close()
	return c.peer.Close()
}
