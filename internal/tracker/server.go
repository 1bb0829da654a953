// Package tracker is a small rendezvous service: peers announce themselves
// under 32-byte topics over QUIC and look up the other announcers.
package tracker

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/rudransh-shrivastava/peer-bridge/internal/protocol"
	"github.com/rudransh-shrivastava/peer-bridge/internal/transport"
)

const DefaultPruneInterval = 30 * time.Second

type Config struct {
	Addr string
	// Key is the tracker identity. Nil generates an ephemeral one.
	Key ed25519.PrivateKey
	DB  *gorm.DB
	// TTL bounds how long an announcement lives without a refresh.
	TTL           time.Duration
	PruneInterval time.Duration
	Logger        *logrus.Logger
}

type Server struct {
	config    Config
	logger    *logrus.Entry
	transport *transport.Transport
	store     *Store
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, errors.New("tracker: DB is required")
	}
	tr, err := transport.NewTransport(cfg.Addr, cfg.Key)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}

	return &Server{
		config:    cfg,
		logger:    logger.WithField("component", "tracker"),
		transport: tr,
		store:     NewStore(cfg.DB, cfg.TTL),
	}, nil
}

func (s *Server) Addr() string {
	return s.transport.LocalAddr().String()
}

// PublicKey is the key clients pin when dialing.
func (s *Server) PublicKey() []byte {
	return s.transport.PublicKey()
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down tracker server")
	return s.transport.Close()
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.Addr()).Info("Tracker server started")
	go s.pruneLoop(ctx)

	for {
		peer, err := s.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		go s.handlePeer(ctx, peer)
	}
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.Prune(ctx)
			if err != nil {
				s.logger.WithError(err).Warn("Prune failed")
				continue
			}
			if n > 0 {
				s.logger.Debugf("Pruned %d expired announcements", n)
			}
		}
	}
}

func (s *Server) handlePeer(ctx context.Context, peer *transport.Peer) {
	log := s.logger.WithField("peer", peer.RemoteAddr())
	log.Info("Peer connected")
	defer func() {
		_ = peer.Close()
		// Announcements do not outlive the connection that made them.
		n, err := s.store.RemovePeer(context.WithoutCancel(ctx), peer.RemotePublicKey())
		if err != nil {
			log.WithError(err).Warn("Failed to drop announcements")
		}
		log.WithField("dropped", n).Info("Peer disconnected")
	}()

	for {
		stream, err := peer.AcceptDataStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Debug("Stream accept ended")
			}
			return
		}
		go s.handleStream(ctx, peer, stream, log)
	}
}

func (s *Server) handleStream(ctx context.Context, peer *transport.Peer, stream *quic.Stream, log *logrus.Entry) {
	defer stream.Close()

	msg, err := peer.ReceiveFromStream(stream)
	if err != nil {
		log.WithError(err).Debug("Failed to receive message")
		stream.CancelRead(0)
		return
	}

	reply := s.handleMessage(ctx, peer, msg)
	if err := peer.SendOnStream(stream, reply); err != nil {
		log.WithError(err).Debugf("Failed to send %s", reply.Type())
	}
}

func (s *Server) handleMessage(ctx context.Context, peer *transport.Peer, msg protocol.Message) protocol.Message {
	var key [protocol.KeySize]byte
	copy(key[:], peer.RemotePublicKey())

	switch m := msg.(type) {
	case *protocol.Ping:
		return &protocol.Pong{}

	case *protocol.Announce:
		addr := m.Addr
		if addr == "" {
			addr = peer.RemoteAddr()
		}
		if err := s.store.Announce(ctx, m.Topic, key, addr); err != nil {
			return s.internalError(err)
		}
		s.logger.WithFields(logrus.Fields{"topic": topicString(m.Topic), "addr": addr}).Debug("Announce")
		return &protocol.Ack{}

	case *protocol.Unannounce:
		if err := s.store.Unannounce(ctx, m.Topic, key); err != nil {
			return s.internalError(err)
		}
		return &protocol.Ack{}

	case *protocol.Lookup:
		peers, err := s.store.Lookup(ctx, m.Topic, protocol.MaxPeers+1)
		if err != nil {
			return s.internalError(err)
		}
		others := peers[:0]
		for _, p := range peers {
			if p.PublicKey != key {
				others = append(others, p)
			}
		}
		if len(others) > protocol.MaxPeers {
			others = others[:protocol.MaxPeers]
		}
		return &protocol.PeerList{Topic: m.Topic, Peers: others}

	default:
		s.logger.Warnf("Unhandled message type %s", msg.Type())
		return &protocol.Error{Code: protocol.ErrInvalidMsg, Message: "unexpected " + msg.Type().String()}
	}
}

func (s *Server) internalError(err error) protocol.Message {
	s.logger.WithError(err).Error("Store failure")
	return &protocol.Error{Code: protocol.ErrInternal, Message: "internal error"}
}
