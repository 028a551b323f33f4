package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/georange"
	"github.com/jpalmerr/georange/config"
	"github.com/jpalmerr/georange/transport"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Show target selection without polling",
	Long: `Discover targets on the configured transport and print which node would
be polled for position, which for metadata, and which are skipped.

Example:
  georange nodes -c georange.yaml`,
	RunE: runNodes,
}

func init() {
	rootCmd.AddCommand(nodesCmd)

	nodesCmd.Flags().StringP("config", "c", "", "path to config file")
}

func runNodes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	opts, err := config.BuildOptions(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build options: %w", err)
	}

	ctx := cmd.Context()
	tr, err := config.BuildTransport(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}
	defer tr.Close()

	rt, err := georange.New(append(opts, georange.WithTransport(tr))...)
	if err != nil {
		return fmt.Errorf("failed to create range test: %w", err)
	}

	sel, err := rt.Discover(ctx)
	if err != nil {
		return err
	}

	printSelection(os.Stdout, sel)
	return nil
}

func printSelection(w io.Writer, sel georange.Selection) {
	fmt.Fprintf(w, "Primary:     %d\n", sel.Primary)
	fmt.Fprintf(w, "Secondaries: %s\n", joinNodes(sel.Secondaries))
	fmt.Fprintf(w, "Skipped:     %s\n", joinNodes(sel.Skipped))
}

func joinNodes(ids []transport.NodeID) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	return strings.Join(parts, ", ")
}
