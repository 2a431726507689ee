// ipfilter runs a peer-to-peer session guarded by an IP admission filter
// and manages its rules over the control socket.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/ipfilter/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "ipfilter",
		Short: "IP admission filter for a peer-to-peer session",
		Long: `ipfilter decides which remote addresses a peer-to-peer session may
connect to, accept connections from, and announce to.

QUICK START:

  # Run the session daemon with a config file:
  ipfilter serve --config /etc/ipfilter/ipfilter.yaml

  # Block a range and check an address:
  ipfilter filter add 60.0.0.0-60.0.0.2
  ipfilter filter check 60.0.0.1

  # Let one torrent ignore the filter for its peers:
  ipfilter torrent apply-filter <info-hash> false

For more help on any command, use: ipfilter <command> --help`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newFilterCmd())
	rootCmd.AddCommand(newTorrentCmd())
	rootCmd.AddCommand(newServiceCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ipfilter %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
