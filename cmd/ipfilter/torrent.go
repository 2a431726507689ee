package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newTorrentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "torrent",
		Short: "Inspect torrents and their filter setting",
	}

	cmd.AddCommand(newTorrentListCmd())
	cmd.AddCommand(newTorrentApplyFilterCmd())

	return cmd
}

func newTorrentListCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List torrents",
		RunE: func(cmd *cobra.Command, args []string) error {
			torrents, err := newClient(socketPath).TorrentList()
			if err != nil {
				return fmt.Errorf("failed to list torrents: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "ID\tNAME\tIP FILTER\tPEERS\tTRACKERS\n")
			for _, t := range torrents {
				name := t.Name
				if name == "" {
					name = "-"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					t.ID, name, enabledString(t.ApplyIPFilter), t.Peers, strings.Join(t.Trackers, ","))
			}
			_ = w.Flush()

			fmt.Printf("\nTotal torrents: %d\n", len(torrents))
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func newTorrentApplyFilterCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "apply-filter <torrent> <true|false>",
		Short: "Enable or disable the IP filter for a torrent's peers",
		Long: `Enable or disable the IP filter for a torrent's peer connections.

The setting takes effect on the next connection attempt. Tracker
announces are filtered regardless of this setting.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			apply, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid value %q: must be true or false", args[1])
			}
			if err := newClient(socketPath).TorrentSetFilter(args[0], apply); err != nil {
				return fmt.Errorf("failed to update torrent: %w", err)
			}
			fmt.Printf("IP filter %s for %s\n", enabledString(apply), args[0])
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}
