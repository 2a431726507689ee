package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tunnelmesh/ipfilter/internal/control"
)

func newFilterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Manage IP filter rules",
		Long: `Manage the session IP filter.

Every address is allowed unless a rule blocks it. A new rule overrides the
part of any existing rule it overlaps; touching ranges with the same access
are merged. Changes apply to the next connection attempt or announce and
never close established connections.`,
	}

	cmd.AddCommand(newFilterListCmd())
	cmd.AddCommand(newFilterAddCmd())
	cmd.AddCommand(newFilterCheckCmd())
	cmd.AddCommand(newFilterClearCmd())
	cmd.AddCommand(newFilterImportCmd())

	return cmd
}

// addSocketFlag registers the --socket flag shared by every client command.
func addSocketFlag(cmd *cobra.Command, socketPath *string) {
	cmd.Flags().StringVar(socketPath, "socket", "", "Control socket path (default: "+control.DefaultSocketPath()+")")
}

func newClient(socketPath string) *control.Client {
	if socketPath == "" {
		socketPath = control.DefaultSocketPath()
	}
	return control.NewClient(socketPath)
}

func newFilterListCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all filter ranges",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(socketPath).FilterList()
			if err != nil {
				return fmt.Errorf("failed to list filter rules: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "FIRST\tLAST\tACCESS\tFAMILY\n")
			for _, rule := range resp.Rules {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rule.First, rule.Last, rule.Access, rule.Family)
			}
			_ = w.Flush()

			fmt.Printf("\nRanges: %d IPv4, %d IPv6\n", resp.IPv4, resp.IPv6)
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func newFilterAddCmd() *cobra.Command {
	var (
		socketPath string
		access     string
	)

	cmd := &cobra.Command{
		Use:   "add <range>",
		Short: "Add a filter rule",
		Long: `Add a rule for a range, a single address or a CIDR prefix.

Examples:
  # Block a range
  ipfilter filter add 60.0.0.0-60.0.0.2

  # Allow one address inside it again
  ipfilter filter add 60.0.0.1 --access allowed

  # Block an IPv6 prefix
  ipfilter filter add 2001:db8::/32`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(socketPath).FilterAdd(args[0], access); err != nil {
				return fmt.Errorf("failed to add rule: %w", err)
			}
			fmt.Printf("Added rule: %s %s\n", args[0], access)
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	cmd.Flags().StringVar(&access, "access", "blocked", "Access: allowed or blocked")

	return cmd
}

func newFilterCheckCmd() *cobra.Command {
	var (
		socketPath string
		torrent    string
	)

	cmd := &cobra.Command{
		Use:   "check <addr>",
		Short: "Show how the filter treats an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(socketPath).FilterCheck(args[0], torrent)
			if err != nil {
				return fmt.Errorf("failed to check address: %w", err)
			}

			fmt.Printf("Address:         %s\n", resp.Addr)
			fmt.Printf("Access:          %s\n", resp.Access)
			fmt.Printf("Connect:         %s\n", verdictString(resp.ShouldConnect))
			fmt.Printf("Announce:        %s\n", verdictString(resp.ShouldAnnounce))
			if torrent != "" {
				fmt.Printf("Torrent filter:  %s\n", enabledString(resp.ApplyIPFilter))
			}
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	cmd.Flags().StringVar(&torrent, "torrent", "", "Evaluate with this torrent's apply-ip-filter setting")

	return cmd
}

func newFilterClearCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all filter rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(socketPath).FilterClear(); err != nil {
				return fmt.Errorf("failed to clear filter: %w", err)
			}
			fmt.Println("Filter cleared")
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func newFilterImportCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a blocklist file",
		Long: `Import an eMule ipfilter.dat, PeerGuardian P2P or plain range list.
Files ending in .gz or .zst are decompressed. A file with any malformed
line is rejected as a whole.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// the daemon resolves the path, so send it absolute
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			resp, err := newClient(socketPath).FilterImport(path)
			if err != nil {
				return fmt.Errorf("failed to import blocklist: %w", err)
			}
			fmt.Printf("Imported %d rules from %s (%d ranges in filter)\n", resp.Rules, path, resp.Ranges)
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func verdictString(admitted bool) string {
	if admitted {
		return "admit"
	}
	return "deny"
}

func enabledString(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
