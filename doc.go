// Package georange runs radio range tests over a half-duplex mesh link.
//
// A range test repeatedly asks a GNSS-equipped node (the primary) for its
// position, and after every valid fix polls each other node (the
// secondaries) so that the link quality they report is logged against that
// position. Each accepted sample becomes one row of a comma-separated
// telemetry log:
//
//	Time, Latitude, Longitude, Altitude, TxPower, RSSI, NodeID, Distance
//	02:03:09 PM, 51.5, -0.125, 35, -1, 127, 2, 0
//	02:03:09 PM, 51.5, -0.125, 35, -1, -70, 3
//
// # Quick Start
//
//	link := sim.Demo(sim.DemoConfig{Secondaries: 3, Seed: 1})
//	rt, _ := georange.New(georange.WithTransport(link))
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	rt.Start(ctx) // blocks until ctx is cancelled
//
// # Configuration
//
// RangeTest uses functional options:
//
//	rt, err := georange.New(
//	    georange.WithTransport(link),
//	    georange.WithSampleInterval(10*time.Second),
//	    georange.WithValidity(geo.AllFixFlags),
//	    georange.WithOutputFile("walk-1.csv"),
//	    georange.WithNoteRows(true),
//	    georange.WithPort(8080),
//	)
//
// # Transports
//
// The link is any [transport.Transport]. Implementations are provided for a
// SLIP-framed UART radio gateway (transport/uart), a Modbus RTU bus
// (transport/rtu) and an in-memory simulation (transport/sim).
//
// # Architecture
//
// Internal packages:
//
//   - internal/poller: command exchange and poll cycle scheduling
//   - internal/telemetry: the append-only telemetry log
//   - internal/store: latest status per target with pub/sub, optional Redis mirror
//   - internal/metrics: Prometheus collectors
//   - internal/server: JSON, SSE, metrics and health endpoints
//
// Exactly one command is outstanding on the link at any time. Failed
// exchanges are never retried; they are noted and the cycle moves on.
package georange
