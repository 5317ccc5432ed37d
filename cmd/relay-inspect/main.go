// Command relay-inspect reads a session-state snapshot written by a
// running Relay (NETEM_SESSION_STATE_EXPORT_PATH, dumped on SIGUSR1 or
// at shutdown) and prints it as a table. It never talks to a live
// Relay; it only reads the YAML file left on disk.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/netem/netem/internal/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "relay-inspect",
		Short: "Print a relay session-state snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			return inspect(path, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&path, "file", "f", "", "path to the session-state YAML file")
	return cmd
}

func inspect(path string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var snap relay.StateSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	fmt.Fprintf(out, "exported_at: %s\n", snap.ExportedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(out, "sessions: %d\n\n", len(snap.Sessions))

	sort.Slice(snap.Sessions, func(i, j int) bool {
		return snap.Sessions[i].SessionID < snap.Sessions[j].SessionID
	})

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tHOST\tCLIENTS\tPENDING\tLAST_ACTIVITY")
	for _, s := range snap.Sessions {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n",
			s.SessionID, s.HostEndpoint, len(s.Clients), s.PendingCount,
			s.LastActivity.Format("15:04:05"))
	}
	return w.Flush()
}
