package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-bridge/internal/bridge"
	"github.com/rudransh-shrivastava/peer-bridge/internal/config"
	"github.com/rudransh-shrivastava/peer-bridge/internal/control"
	"github.com/rudransh-shrivastava/peer-bridge/internal/identity"
	"github.com/rudransh-shrivastava/peer-bridge/internal/logger"
	"github.com/rudransh-shrivastava/peer-bridge/internal/swarm"
	"github.com/rudransh-shrivastava/peer-bridge/internal/swarm/dht"
	"github.com/rudransh-shrivastava/peer-bridge/internal/swarm/rendezvous"
)

var bridgeViper = config.New()

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "runs the bridge",
	Long: `runs the bridge. The host process talks to it over stdin/stdout (or a TCP
control socket with --control-mode tcp); logs go to stderr.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(bridgeViper, configFile)
		if err != nil {
			return err
		}
		if err := cfg.ValidateBridge(); err != nil {
			return err
		}
		log, err := logger.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runBridge(ctx, cfg, log)
	},
}

func init() {
	if err := config.RegisterBridgeFlags(bridgeViper, bridgeCmd.Flags()); err != nil {
		panic(err)
	}
}

func runBridge(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	key, err := identity.LoadOrCreate(cfg.Swarm.Identity)
	if err != nil {
		return err
	}
	sw, err := newSwarm(ctx, cfg, key, log)
	if err != nil {
		return err
	}

	ch, closeControl, err := openControl(ctx, cfg, log)
	if err != nil {
		_ = sw.Destroy(context.Background())
		return err
	}
	defer closeControl()

	b, err := bridge.New(bridge.Options{
		Swarm:             sw,
		Control:           ch,
		PairingAddr:       cfg.Pairing.Addr(),
		HandshakeTimeout:  cfg.Pairing.HandshakeTimeout,
		MaxHandshakeBytes: cfg.Pairing.MaxHandshakeBytes,
		BufferChunks:      cfg.Streams.BufferChunks,
		UnpairedTimeout:   cfg.Streams.UnpairedTimeout,
		Logger:            log,
	})
	if err != nil {
		_ = sw.Destroy(context.Background())
		return err
	}
	if err := b.Run(ctx); err != nil {
		_ = sw.Destroy(context.Background())
		_ = ch.Close()
		return err
	}
	return nil
}

func newSwarm(ctx context.Context, cfg *config.Config, key crypto.PrivKey, log *logrus.Logger) (swarm.Swarm, error) {
	switch cfg.Swarm.Backend {
	case config.BackendTracker:
		edKey, err := identity.Ed25519(key)
		if err != nil {
			return nil, err
		}
		var trackerKey []byte
		if cfg.Swarm.TrackerKey != "" {
			trackerKey, err = hex.DecodeString(cfg.Swarm.TrackerKey)
			if err != nil {
				return nil, fmt.Errorf("swarm.tracker_key: %w", err)
			}
		}
		return rendezvous.New(ctx, rendezvous.Config{
			ListenAddr:      cfg.Swarm.Listen[0],
			Key:             edKey,
			TrackerAddr:     cfg.Swarm.Tracker,
			TrackerKey:      trackerKey,
			DialTimeout:     cfg.Swarm.DialTimeout,
			RefreshInterval: cfg.Swarm.RefreshInterval,
			Logger:          log,
		})

	default:
		bootstrap := cfg.Swarm.Bootstrap
		if len(bootstrap) == 0 {
			for _, ma := range kaddht.DefaultBootstrapPeers {
				bootstrap = append(bootstrap, ma.String())
			}
		}
		return dht.New(ctx, dht.Config{
			Key:             key,
			ListenAddrs:     cfg.Swarm.Listen,
			BootstrapPeers:  bootstrap,
			Mode:            dht.Mode(cfg.Swarm.DHTMode),
			DialTimeout:     cfg.Swarm.DialTimeout,
			RefreshInterval: cfg.Swarm.RefreshInterval,
			Logger:          log,
		})
	}
}

// openControl attaches the control channel: stdin/stdout, or the first
// connection to the control socket.
func openControl(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*control.Channel, func(), error) {
	entry := log.WithField("component", "control")
	if cfg.Control.Mode == config.ControlStdio {
		return control.NewChannel(os.Stdin, os.Stdout, entry), func() {}, nil
	}

	socket := &control.Socket{ListenAddr: cfg.Control.Addr, Logger: entry}
	if err := socket.Listen(); err != nil {
		return nil, nil, err
	}
	entry.WithField("addr", socket.Addr().String()).Info("waiting for controller")

	conn, err := socket.Accept(ctx)
	if err != nil {
		_ = socket.Close()
		return nil, nil, err
	}
	closeAll := func() {
		_ = conn.Close()
		_ = socket.Close()
	}
	return control.NewChannel(conn, conn, entry), closeAll, nil
}
