package cmd

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-bridge/internal/config"
	"github.com/rudransh-shrivastava/peer-bridge/internal/identity"
	"github.com/rudransh-shrivastava/peer-bridge/internal/logger"
	"github.com/rudransh-shrivastava/peer-bridge/internal/tracker"
	"github.com/rudransh-shrivastava/peer-bridge/internal/tracker/db"
)

var trackerViper = config.New()

var trackerCmd = &cobra.Command{
	Use:          "tracker",
	Short:        "runs a rendezvous tracker",
	Long:         `runs the rendezvous tracker used by bridges started with --swarm-backend tracker`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(trackerViper, configFile)
		if err != nil {
			return err
		}
		if err := cfg.ValidateTracker(); err != nil {
			return err
		}
		log, err := logger.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runTracker(ctx, cfg, log)
	},
}

func init() {
	if err := config.RegisterTrackerFlags(trackerViper, trackerCmd.Flags()); err != nil {
		panic(err)
	}
}

func runTracker(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	key, err := identity.LoadOrCreate(cfg.Tracker.Identity)
	if err != nil {
		return err
	}
	edKey, err := identity.Ed25519(key)
	if err != nil {
		return err
	}

	gdb, err := db.Open(cfg.Tracker.DB)
	if err != nil {
		return err
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}

	srv, err := tracker.NewServer(tracker.Config{
		Addr:   cfg.Tracker.Listen,
		Key:    edKey,
		DB:     gdb,
		TTL:    cfg.Tracker.TTL,
		Logger: log,
	})
	if err != nil {
		return err
	}
	log.WithField("public_key", hex.EncodeToString(srv.PublicKey())).Info("tracker identity")

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown()
	}()
	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
