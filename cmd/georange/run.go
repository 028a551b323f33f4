package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/georange"
	"github.com/jpalmerr/georange/config"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the range test",
	Long: `Run the range test until interrupted.

The run will:
  - Discover targets and pick the primary and secondaries
  - Poll the primary for its position every sample interval
  - Poll every secondary for firmware metadata
  - Append one row per accepted sample to the output file
  - Serve live status on http.port when set

Without --config a simulated network is used.

Example:
  georange run -c georange.yaml
  georange run --config /etc/georange/walk.yaml`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "path to config file")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	opts, err := config.BuildOptions(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build options: %w", err)
	}

	// cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if client := config.NewRedisClient(cfg.Redis); client != nil {
		defer client.Close()
		opts = append(opts, georange.WithRedis(client, cfg.Redis.Prefix))
	}

	tr, err := config.BuildTransport(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	rt, err := georange.New(append(opts, georange.WithTransport(tr))...)
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("failed to create range test: %w", err)
	}

	logger.Info("config loaded",
		"transport", cfg.Transport.Kind,
		"sample_interval", rt.SampleInterval().String(),
		"output", rt.OutputFile(),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- rt.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("range test failed: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("range test failed: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
