// Package dht implements swarm.Swarm on a libp2p host: topics are advertised
// and discovered through the Kademlia DHT and peers talk over a dedicated
// stream protocol.
package dht

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rudransh-shrivastava/peer-bridge/internal/identity"
	"github.com/rudransh-shrivastava/peer-bridge/internal/swarm"
)

const (
	// ProtocolStream carries one bridged peer connection.
	ProtocolStream = protocol.ID("/peer-bridge/stream/1.0.0")
	// NamespacePrefix is prepended to the hex topic when advertising.
	NamespacePrefix = "/peer-bridge/"

	DefaultDialTimeout      = 15 * time.Second
	DefaultRefreshInterval  = 10 * time.Minute
	DefaultMaxParallelDials = 16
	DefaultLookupLimit      = 64
	incomingQueue           = 64
)

var DefaultListenAddrs = []string{
	"/ip4/0.0.0.0/tcp/0",
	"/ip4/0.0.0.0/udp/0/quic-v1",
}

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeServer Mode = "server"
	ModeClient Mode = "client"
)

func (m Mode) option() (kaddht.ModeOpt, error) {
	switch m {
	case "", ModeAuto:
		return kaddht.ModeAutoServer, nil
	case ModeServer:
		return kaddht.ModeServer, nil
	case ModeClient:
		return kaddht.ModeClient, nil
	}
	return 0, fmt.Errorf("dht: unknown mode %q", m)
}

type Config struct {
	Key         crypto.PrivKey
	ListenAddrs []string
	// BootstrapPeers are /p2p multiaddrs dialled before the first lookup.
	BootstrapPeers []string
	Mode           Mode

	DialTimeout      time.Duration
	RefreshInterval  time.Duration
	MaxParallelDials int
	LookupLimit      int
	Logger           *logrus.Logger
}

func (c *Config) setDefaults() {
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = DefaultListenAddrs
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.MaxParallelDials <= 0 {
		c.MaxParallelDials = DefaultMaxParallelDials
	}
	if c.LookupLimit <= 0 {
		c.LookupLimit = DefaultLookupLimit
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

type Swarm struct {
	cfg       Config
	log       *logrus.Entry
	host      host.Host
	dht       *kaddht.IpfsDHT
	discovery *drouting.RoutingDiscovery
	publicKey []byte
	conns     *swarm.ConnSet
	incoming  chan swarm.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	topics    map[swarm.Topic]swarm.JoinOptions
	destroyed bool
}

var _ swarm.Swarm = (*Swarm)(nil)

// New starts the libp2p host and DHT and connects to the bootstrap peers.
func New(ctx context.Context, cfg Config) (*Swarm, error) {
	cfg.setDefaults()
	if cfg.Key == nil {
		return nil, errors.New("dht: key is required")
	}
	mode, err := cfg.Mode.option()
	if err != nil {
		return nil, err
	}
	publicKey, err := identity.PublicKey(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("dht: public key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(cfg.Key),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("dht: create host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	kadDHT, err := kaddht.New(runCtx, h, kaddht.Mode(mode))
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("dht: create dht: %w", err)
	}

	s := &Swarm{
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "swarm"),
		host:      h,
		dht:       kadDHT,
		discovery: drouting.NewRoutingDiscovery(kadDHT),
		publicKey: publicKey,
		conns:     swarm.NewConnSet(publicKey),
		incoming:  make(chan swarm.Conn, incomingQueue),
		ctx:       runCtx,
		cancel:    cancel,
		topics:    make(map[swarm.Topic]swarm.JoinOptions),
	}
	h.SetStreamHandler(ProtocolStream, s.handleStream)

	s.bootstrap(ctx)
	if err := kadDHT.Bootstrap(runCtx); err != nil {
		_ = s.Destroy(ctx)
		return nil, fmt.Errorf("dht: bootstrap: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.refreshLoop()
	}()

	s.log.WithFields(logrus.Fields{
		"peer_id": h.ID().String(),
		"addrs":   h.Addrs(),
	}).Info("swarm started")
	return s, nil
}

func (s *Swarm) bootstrap(ctx context.Context) {
	var wg sync.WaitGroup
	for _, addr := range s.cfg.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			s.log.WithError(err).WithField("addr", addr).Warn("invalid bootstrap address")
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			s.log.WithError(err).WithField("addr", addr).Warn("invalid bootstrap peer")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
			defer cancel()
			if err := s.host.Connect(cctx, *info); err != nil {
				s.log.WithError(err).WithField("peer", info.ID.String()).Debug("bootstrap connect failed")
				return
			}
			s.log.WithField("peer", info.ID.String()).Debug("connected to bootstrap peer")
		}()
	}
	wg.Wait()
}

// Namespace is the discovery key for topic.
func Namespace(topic swarm.Topic) string {
	return NamespacePrefix + topic.String()
}

// Join advertises and/or looks up topic, then dials every provider found.
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
	ns := Namespace(topic)
	if opts.Announce {
		if _, err := s.discovery.Advertise(ctx, ns); err != nil {
			return fmt.Errorf("dht: advertise %s: %w", topic, err)
		}
	}
	if !opts.Lookup {
		return nil
	}

	peerChan, err := s.discovery.FindPeers(ctx, ns)
	if err != nil {
		return fmt.Errorf("dht: find peers %s: %w", topic, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelDials)
	found := 0
	for info := range peerChan {
		if info.ID == s.host.ID() {
			continue
		}
		found++
		if found > s.cfg.LookupLimit {
			continue
		}
		g.Go(func() error {
			if err := s.dial(gctx, topic, info); err != nil {
				s.log.WithError(err).WithField("peer", info.ID.String()).Debug("dial failed")
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Swarm) dial(ctx context.Context, topic swarm.Topic, info peer.AddrInfo) error {
	if remote, err := rawKey(info.ID); err == nil && s.conns.Has(remote) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	if s.host.Network().Connectedness(info.ID) != network.Connected {
		if err := s.host.Connect(ctx, info); err != nil {
			return err
		}
	}
	stream, err := s.host.NewStream(ctx, info.ID, ProtocolStream)
	if err != nil {
		return err
	}
	if _, err := stream.Write(topic[:]); err != nil {
		_ = stream.Reset()
		return err
	}
	return s.admit(stream, true)
}

func (s *Swarm) handleStream(stream network.Stream) {
	log := s.log.WithField("peer", stream.Conn().RemotePeer().String())

	var topic swarm.Topic
	_ = stream.SetReadDeadline(time.Now().Add(s.cfg.DialTimeout))
	if _, err := io.ReadFull(stream, topic[:]); err != nil {
		log.WithError(err).Debug("topic handshake failed")
		_ = stream.Reset()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	s.mu.RLock()
	_, ok := s.topics[topic]
	s.mu.RUnlock()
	if !ok {
		log.WithField("topic", topic.String()).Debug("peer dialed a topic we have not joined")
		_ = stream.Reset()
		return
	}
	if err := s.admit(stream, false); err != nil {
		log.WithError(err).Debug("rejected stream")
	}
}

func (s *Swarm) admit(stream network.Stream, initiator bool) error {
	remote, err := rawKey(stream.Conn().RemotePeer())
	if err != nil {
		_ = stream.Reset()
		return err
	}
	conn, ok := s.conns.Admit(&streamConn{Stream: stream, remote: remote, initiator: initiator})
	if !ok {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return conn.Close()
	}
	select {
	case s.incoming <- conn:
	case <-s.ctx.Done():
		_ = conn.Close()
	}
	return nil
}

func rawKey(id peer.ID) ([]byte, error) {
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return nil, err
	}
	return pub.Raw()
}

// refreshLoop re-advertises joined topics before their records expire and
// dials providers that appeared since the last round.
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

// Leave stops advertising topic. Provider records already published expire
// on their own.
func (s *Swarm) Leave(ctx context.Context, topic swarm.Topic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
	return nil
}

func (s *Swarm) Info() swarm.Info {
	s.mu.RLock()
	topics := len(s.topics)
	s.mu.RUnlock()
	return swarm.Info{PublicKey: s.publicKey, Port: s.port(), Topics: topics}
}

func (s *Swarm) port() int {
	return listenPort(s.host.Network().ListenAddresses())
}

// listenPort returns the first TCP port in addrs, falling back to the first
// UDP port for QUIC-only hosts.
func listenPort(addrs []multiaddr.Multiaddr) int {
	for _, proto := range []int{multiaddr.P_TCP, multiaddr.P_UDP} {
		for _, addr := range addrs {
			value, err := addr.ValueForProtocol(proto)
			if err != nil {
				continue
			}
			if port, err := strconv.Atoi(value); err == nil {
				return port
			}
		}
	}
	return 0
}

// Addrs returns the host's dialable /p2p multiaddrs.
func (s *Swarm) Addrs() []string {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: s.host.ID(), Addrs: s.host.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (s *Swarm) Connections() <-chan swarm.Conn {
	return s.incoming
}

// Destroy closes every peer stream, the DHT and the host.
func (s *Swarm) Destroy(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.topics = make(map[swarm.Topic]swarm.JoinOptions)
	close(s.incoming)
	s.mu.Unlock()

	s.host.RemoveStreamHandler(ProtocolStream)
	err := s.conns.CloseAll()
	err = multierr.Append(err, s.dht.Close())
	err = multierr.Append(err, s.host.Close())
	s.wg.Wait()
	return err
}

type streamConn struct {
	network.Stream
	remote    []byte
	initiator bool
}

func (c *streamConn) RemotePublicKey() []byte { return c.remote }

func (c *streamConn) Initiator() bool { return c.initiator }
