package georange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/internal/metrics"
	"github.com/jpalmerr/georange/internal/poller"
	"github.com/jpalmerr/georange/internal/server"
	"github.com/jpalmerr/georange/internal/store"
	"github.com/jpalmerr/georange/internal/telemetry"
	"github.com/jpalmerr/georange/transport"
)

const (
	// DefaultSampleInterval is the nominal time between primary fixes.
	DefaultSampleInterval = 5 * time.Second

	// MinSampleInterval and MaxSampleInterval bound WithSampleInterval.
	MinSampleInterval = time.Second
	MaxSampleInterval = 100 * time.Second

	// DefaultOutputFile is the telemetry log path.
	DefaultOutputFile = "geoloc.csv"

	powerlevelTimeout = 5 * time.Second

	// unreachableAfter is the failure streak at which a target is reported
	// unreachable, once per streak.
	unreachableAfter = 5
)

// ErrPersistence is returned by Start when a telemetry log append failed.
var ErrPersistence = poller.ErrPersistence

// RangeTest drives a radio range test: it discovers targets, polls the
// primary for its position and every secondary for link quality, and
// appends one row per sample to the telemetry log.
//
// The typical lifecycle is:
//
//	rt, err := georange.New(georange.WithTransport(link))
//	if err != nil {
//	    slog.Error("failed to create range test", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := rt.Start(ctx); err != nil { // blocks until ctx is cancelled
//	    slog.Error("range test failed", "error", err)
//	}
type RangeTest struct {
	transport       transport.Transport
	sampleInterval  time.Duration
	responseTimeout time.Duration
	penaltyDelay    time.Duration
	pacingDelay     time.Duration
	validity        geo.Validity
	defaultTxPower  int
	outputFile      string
	noteRows        bool
	primary         transport.NodeID
	excluded        []transport.NodeID
	port            int
	redis           *redis.Client
	redisPrefix     string
	registry        prometheus.Registerer
	logger          *slog.Logger
	callbacks       []func(PollResult)
}

// New creates a [RangeTest] with the given options.
//
// [WithTransport] is required. Defaults:
//   - sample interval: 5 seconds; penalty and pacing delays: a quarter of it
//   - response timeout: 5 seconds
//   - validity: at least 4 satellites
//   - output file: geoloc.csv, without note rows
//   - HTTP status server: off
func New(opts ...Option) (*RangeTest, error) {
	cfg := &rtConfig{
		sampleInterval:  DefaultSampleInterval,
		responseTimeout: poller.DefaultResponseTimeout,
		validity:        geo.MinSatellites(geo.DefaultMinSatellites),
		outputFile:      DefaultOutputFile,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.transport == nil {
		return nil, errors.New("transport is required")
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	rt := &RangeTest{
		transport:       cfg.transport,
		sampleInterval:  cfg.sampleInterval,
		responseTimeout: cfg.responseTimeout,
		penaltyDelay:    cfg.sampleInterval / 4,
		pacingDelay:     cfg.sampleInterval / 4,
		validity:        cfg.validity,
		defaultTxPower:  cfg.defaultTxPower,
		outputFile:      cfg.outputFile,
		noteRows:        cfg.noteRows,
		primary:         cfg.primary,
		excluded:        cfg.excluded,
		port:            cfg.port,
		redis:           cfg.redis,
		redisPrefix:     cfg.redisPrefix,
		registry:        registry,
		logger:          logger,
		callbacks:       cfg.callbacks,
	}
	if cfg.penaltyDelay != nil {
		rt.penaltyDelay = *cfg.penaltyDelay
	}
	if cfg.pacingDelay != nil {
		rt.pacingDelay = *cfg.pacingDelay
	}
	return rt, nil
}

// Start runs the range test until ctx is cancelled.
//
// Start discovers targets, opens the telemetry log and polls in cycles. It
// returns nil on cancellation. It returns an error when discovery fails, no
// primary can be selected, the log or HTTP server cannot be opened, or a log
// append fails (wrapping [ErrPersistence]). The transport is closed before
// Start returns.
func (rt *RangeTest) Start(ctx context.Context) error {
	defer func() {
		if err := rt.transport.Close(); err != nil {
			rt.logger.Warn("transport close failed", "error", err)
		}
	}()

	if ctx.Err() != nil {
		return nil
	}

	sel, err := rt.Discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	txPower := rt.resolveDefaultTxPower(ctx)

	logFile, err := telemetry.Create(rt.outputFile, rt.noteRows)
	if err != nil {
		return err
	}
	defer func() {
		if err := logFile.Close(); err != nil {
			rt.logger.Warn("telemetry log close failed", "error", err)
		}
	}()

	collector, err := metrics.NewCollector(rt.registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	statusStore := rt.newStore()

	rt.logger.Info("range test starting",
		"output", rt.outputFile,
		"sample_interval", rt.sampleInterval.String(),
		"penalty_delay", rt.penaltyDelay.String(),
		"pacing_delay", rt.pacingDelay.String(),
		"response_timeout", rt.responseTimeout.String(),
		"default_tx_power", txPower,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exchange := poller.NewExchange(rt.transport, rt.responseTimeout, rt.logger)
	scheduler := poller.NewScheduler(exchange, logFile, poller.Config{
		Primary:        sel.Primary,
		Secondaries:    sel.Secondaries,
		PenaltyDelay:   rt.penaltyDelay,
		PacingDelay:    rt.pacingDelay,
		Validity:       rt.validity,
		DefaultTxPower: txPower,
	}, rt.logger)
	scheduler.Start(runCtx)

	// consumer exits when the scheduler closes its results channel
	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for result := range scheduler.Results() {
			if stored := statusStore.Update(toTargetStatus(result)); stored.ConsecutiveFailures == unreachableAfter {
				rt.logger.Warn("target unreachable",
					"node_id", stored.Node,
					"role", stored.Role,
					"failures", stored.ConsecutiveFailures,
				)
			}
			observe(collector, result)

			if len(rt.callbacks) > 0 {
				public := toPublicResult(result)
				for _, cb := range rt.callbacks {
					invokeCallbackSafe(cb, public, rt.logger)
				}
			}
		}
	}()

	cleanup := func() {
		scheduler.Stop()
		wg.Wait()
	}

	if rt.port > 0 {
		httpServer := server.NewServer(statusStore, rt.port, collector.Handler(), rt.logger)
		if err := httpServer.Start(runCtx); err != nil {
			cleanup()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
	cleanup()

	if err := scheduler.Err(); err != nil {
		rt.logger.Error("range test stopped", "error", err, "rows", logFile.Rows())
		return err
	}
	rt.logger.Info("range test stopped", "rows", logFile.Rows())
	return nil
}

// Discover queries the transport for targets and selects roles, logging
// the node summary.
func (rt *RangeTest) Discover(ctx context.Context) (Selection, error) {
	targets, err := rt.transport.Targets(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("discover targets: %w", err)
	}

	sel, err := SelectTargets(targets, rt.primary, rt.excluded)
	if err != nil {
		return Selection{}, err
	}

	rt.logger.Info("targets selected",
		"geolocation_node", sel.Primary,
		"other_nodes", sel.Secondaries,
		"skipped_nodes", sel.Skipped,
	)
	return sel, nil
}

// resolveDefaultTxPower reads the controller powerlevel when the transport
// can report it.
func (rt *RangeTest) resolveDefaultTxPower(ctx context.Context) int {
	reader, ok := rt.transport.(transport.PowerlevelReader)
	if !ok {
		return rt.defaultTxPower
	}

	ctx, cancel := context.WithTimeout(ctx, powerlevelTimeout)
	defer cancel()

	dBm, err := reader.Powerlevel(ctx)
	if err != nil {
		rt.logger.Warn("powerlevel unavailable, using default", "default_tx_power", rt.defaultTxPower, "error", err)
		return rt.defaultTxPower
	}
	return dBm
}

func (rt *RangeTest) newStore() store.Store {
	mem := store.NewMemoryStore()
	if rt.redis == nil {
		return mem
	}
	return store.NewRedisMirror(rt.redis, rt.redisPrefix, mem, rt.logger)
}

// SampleInterval returns the configured nominal time between fixes.
func (rt *RangeTest) SampleInterval() time.Duration {
	return rt.sampleInterval
}

// PenaltyDelay returns the wait after a primary exchange without a valid fix.
func (rt *RangeTest) PenaltyDelay() time.Duration {
	return rt.penaltyDelay
}

// PacingDelay returns the wait after logged fixes and secondary exchanges.
func (rt *RangeTest) PacingDelay() time.Duration {
	return rt.pacingDelay
}

// ResponseTimeout returns the per-exchange response deadline.
func (rt *RangeTest) ResponseTimeout() time.Duration {
	return rt.responseTimeout
}

// OutputFile returns the telemetry log path.
func (rt *RangeTest) OutputFile() string {
	return rt.outputFile
}

// Port returns the HTTP status port, 0 when disabled.
func (rt *RangeTest) Port() int {
	return rt.port
}

func observe(c *metrics.Collector, r poller.PollResult) {
	c.ObserveExchange(r.Node, string(r.Role), r.Outcome.String(), r.Latency)
	c.ObserveSignal(r.Node, r.TxPower, r.RSSI)

	switch {
	case r.Logged && r.Role == poller.RolePrimary && r.Fix != nil:
		c.ObserveFix(*r.Fix, r.Distance)
	case r.Logged:
		c.ObserveRow(string(r.Role))
	case r.Note != "":
		c.ObserveNote(r.Node, r.Note)
	}
}

func toTargetStatus(r poller.PollResult) store.TargetStatus {
	st := store.TargetStatus{
		Node:          uint16(r.Node),
		Role:          string(r.Role),
		Outcome:       r.Outcome.String(),
		Logged:        r.Logged,
		TxPower:       r.TxPower,
		Note:          r.Note,
		LatencyMs:     r.Latency.Milliseconds(),
		CheckedAt:     r.Time,
		CorrelationID: r.CorrelationID,
	}
	if r.Fix != nil {
		st.Fix = &store.Fix{
			Latitude:   r.Fix.Latitude,
			Longitude:  r.Fix.Longitude,
			Altitude:   r.Fix.Altitude,
			Satellites: uint8(r.Fix.Satellites),
		}
	}
	if r.Logged && r.Role == poller.RolePrimary {
		d := r.Distance
		st.Distance = &d
	}
	if v, ok := r.RSSI.Value(); ok {
		st.RSSI = &v
	}
	if r.Err != nil {
		s := r.Err.Error()
		st.Error = &s
	}
	return st
}

// toPublicResult converts an internal poll result, copying the fix so
// callbacks cannot alias scheduler state.
func toPublicResult(r poller.PollResult) PollResult {
	pr := PollResult{
		Node:          r.Node,
		Role:          Role(r.Role),
		Outcome:       Outcome(r.Outcome.String()),
		Time:          r.Time,
		Distance:      r.Distance,
		TxPower:       r.TxPower,
		RSSI:          r.RSSI,
		Logged:        r.Logged,
		Note:          r.Note,
		Latency:       r.Latency,
		CorrelationID: r.CorrelationID,
		Err:           r.Err,
	}
	if r.Fix != nil {
		fix := *r.Fix
		pr.Fix = &fix
	}
	return pr
}

// invokeCallbackSafe calls a result callback with panic recovery.
func invokeCallbackSafe(cb func(PollResult), result PollResult, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("result callback panicked",
				"correlation_id", uuid.NewString(),
				"panic", fmt.Sprintf("%v", r),
				"node_id", result.Node,
				"stack", string(debug.Stack()),
			)
		}
	}()
	cb(result)
}
