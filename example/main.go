package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jpalmerr/georange"
	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/transport/sim"
)

func main() {
	// simulated walk: primary heads east 15m per fix, two metadata nodes,
	// and a link that drops or rejects a share of commands
	network := sim.Demo(sim.DemoConfig{
		Origin:      geo.Point{Latitude: 51.5007, Longitude: -0.1246},
		Step:        15,
		Secondaries: 2,
		NackRate:    0.05,
		DropRate:    0.1,
		Latency:     40 * time.Millisecond,
		Powerlevel:  -2,
		Seed:        uint64(time.Now().UnixNano()),
	})

	output := filepath.Join(os.TempDir(), "georange-demo.csv")

	rt, err := georange.New(
		georange.WithTransport(network),
		georange.WithSampleInterval(2*time.Second),
		georange.WithResponseTimeout(500*time.Millisecond),
		georange.WithOutputFile(output),
		georange.WithNoteRows(true),
		georange.WithPort(8080),
		georange.WithResultCallback(func(r georange.PollResult) {
			if r.Role == georange.RolePrimary && r.Fix != nil {
				fmt.Printf("  %s  node %d  %.1fm from start  (%d sats)\n",
					r.Time.Format("15:04:05"), r.Node, r.Distance, r.Fix.Satellites)
			}
		}),
	)
	if err != nil {
		slog.Error("failed to create range test", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  georange demo")
	fmt.Println()
	fmt.Println("  Status:  http://localhost:8080/api/status")
	fmt.Println("  Metrics: http://localhost:8080/metrics")
	fmt.Println("  Log:     " + output)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		slog.Error("range test failed", "error", err)
		os.Exit(1)
	}
}
