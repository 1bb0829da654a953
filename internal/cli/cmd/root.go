package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   `peer-bridge`,
	Short: `peer-bridge exposes peer-to-peer streams as local TCP sockets`,
	Long: `peer-bridge joins topics on a peer-to-peer swarm on behalf of a host process,
reports each new peer connection over a JSON control channel and hands the
connection's bytes to whichever local client dials the pairing port with its
stream id.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(trackerCmd)
}
