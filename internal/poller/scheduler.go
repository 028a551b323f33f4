package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/internal/telemetry"
	"github.com/jpalmerr/georange/transport"
)

// ErrPersistence wraps a failed log append. It is the only error that stops
// the scheduler on its own.
var ErrPersistence = errors.New("poller: persistence failure")

// Operator notes recorded for exchanges that produced no data row.
const (
	NoteNack         = "NACK"
	NoteNoResponse   = "no response"
	NoteMalformed    = "malformed payload"
	NoteInvalidFix   = "Invalid GPS reading"
	resultsQueueSize = 64
)

// Role distinguishes the geolocation target from the others.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// Recorder persists what the scheduler observes. Appends must be durable
// when they return.
type Recorder interface {
	AppendFix(telemetry.Row) error
	AppendNote(telemetry.Note) error
}

// Config controls a [Scheduler].
type Config struct {
	// Primary is polled for geolocation at the start of every cycle.
	Primary transport.NodeID

	// Secondaries are polled in this order after each valid primary fix.
	Secondaries []transport.NodeID

	// PenaltyDelay follows a primary exchange that produced no valid fix.
	PenaltyDelay time.Duration

	// PacingDelay follows a logged primary fix and every secondary exchange.
	PacingDelay time.Duration

	// Validity decides whether a decoded fix is logged. Defaults to
	// geo.MinSatellites(geo.DefaultMinSatellites).
	Validity geo.Validity

	// DefaultTxPower is reported until the link reports a transmit power.
	DefaultTxPower int
}

// PollResult describes one finished exchange and what the scheduler did
// with it.
type PollResult struct {
	Node    transport.NodeID
	Role    Role
	Outcome Outcome
	Time    time.Time

	// Fix is the decoded primary fix. Secondary rows carry the primary fix
	// of the same cycle. Nil when nothing was decoded.
	Fix *geo.Fix

	// Distance from the reference point; primary rows only.
	Distance float64

	TxPower int
	RSSI    transport.Reading

	// Logged reports whether a data row was appended.
	Logged bool

	// Note is the operator note when no data row was appended.
	Note string

	Latency       time.Duration
	CorrelationID string
	Err           error
}

// Scheduler runs poll cycles: one geolocation exchange with the primary,
// then one metadata exchange per secondary, separated by pacing delays.
//
// All exchange, estimator and log state is owned by the goroutine running
// the cycles. Lifecycle methods (Start, Stop) are safe for concurrent use.
type Scheduler struct {
	exchange  *Exchange
	recorder  Recorder
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	estimator geo.Estimator
	txPower   int
	results   chan PollResult

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	stopped   bool
	closeOnce sync.Once
	err       error
}

// NewScheduler creates a [Scheduler] that polls through exchange and
// records to recorder.
func NewScheduler(exchange *Exchange, recorder Recorder, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Validity == nil {
		cfg.Validity = geo.MinSatellites(geo.DefaultMinSatellites)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		exchange: exchange,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		txPower:  cfg.DefaultTxPower,
		results:  make(chan PollResult, resultsQueueSize),
	}
}

// Results returns a channel of [PollResult] values, one per exchange. The
// channel is closed when the scheduler stops. Results are dropped rather
// than stalling the cycle when the consumer falls behind.
func (s *Scheduler) Results() <-chan PollResult {
	return s.results
}

// Start runs cycles in a background goroutine until Stop is called, ctx is
// cancelled or a persistence failure occurs. Start is idempotent; Start after
// Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.closeOnce.Do(func() { close(s.results) })

		if err := s.Run(runCtx); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()
}

// Stop cancels the cycle in progress and waits for it to return. Stop is
// idempotent and safe to call before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.closeOnce.Do(func() { close(s.results) })
}

// Err returns the error that stopped a started scheduler, if any.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run executes cycles until ctx is done, returning nil, or until a cycle
// fails with a persistence error, which is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.Cycle(ctx); err != nil {
			if ctx.Err() != nil && !errors.Is(err, ErrPersistence) {
				return nil
			}
			return err
		}
	}
}

// Cycle performs one poll cycle. A primary exchange that does not yield a
// valid fix ends the cycle after the penalty delay; secondaries are only
// polled after a fix was logged. Cycle returns ctx.Err() when interrupted and
// an error wrapping [ErrPersistence] when a log append fails.
func (s *Scheduler) Cycle(ctx context.Context) error {
	fix, at, ok, err := s.pollPrimary(ctx)
	if err != nil || !ok {
		return err
	}

	for _, node := range s.cfg.Secondaries {
		if err := s.pollSecondary(ctx, node, fix, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) pollPrimary(ctx context.Context) (geo.Fix, time.Time, bool, error) {
	res := s.exchange.Do(ctx, Request{Command: transport.Command{
		Node:  s.cfg.Primary,
		Class: transport.ClassGeographicLocation,
		Code:  transport.GeographicLocationGet,
	}})
	if err := ctx.Err(); err != nil {
		return geo.Fix{}, time.Time{}, false, err
	}

	pr := s.newResult(s.cfg.Primary, RolePrimary, res)

	switch {
	case res.Outcome == OutcomeNack:
		return geo.Fix{}, time.Time{}, false, s.skip(ctx, pr, NoteNack, s.cfg.PenaltyDelay)
	case res.Outcome == OutcomeTimeout, len(res.Payload()) == 0:
		return geo.Fix{}, time.Time{}, false, s.skip(ctx, pr, NoteNoResponse, s.cfg.PenaltyDelay)
	}

	fix, err := geo.Decode(res.Payload())
	if err != nil {
		pr.Err = err
		return geo.Fix{}, time.Time{}, false, s.skip(ctx, pr, NoteMalformed, s.cfg.PenaltyDelay)
	}
	pr.Fix = &fix

	if !s.cfg.Validity(fix) {
		return geo.Fix{}, time.Time{}, false, s.skip(ctx, pr, NoteInvalidFix, s.cfg.PenaltyDelay)
	}

	pr.Distance = s.estimator.Update(fix)

	err = s.recorder.AppendFix(telemetry.Row{
		Time:        pr.Time,
		Latitude:    fix.Latitude,
		Longitude:   fix.Longitude,
		Altitude:    fix.Altitude,
		TxPower:     pr.TxPower,
		RSSI:        pr.RSSI,
		Node:        pr.Node,
		Distance:    pr.Distance,
		HasDistance: true,
	})
	if err != nil {
		return geo.Fix{}, time.Time{}, false, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	pr.Logged = true

	s.logger.Info("fix logged",
		"node_id", pr.Node,
		"lat", fix.Latitude,
		"lon", fix.Longitude,
		"alt", fix.Altitude,
		"satellites", fix.Satellites,
		"distance_m", pr.Distance,
		"correlation_id", pr.CorrelationID,
	)
	s.emit(pr)

	if err := sleep(ctx, s.cfg.PacingDelay); err != nil {
		return geo.Fix{}, time.Time{}, false, err
	}
	return fix, pr.Time, true, nil
}

func (s *Scheduler) pollSecondary(ctx context.Context, node transport.NodeID, fix geo.Fix, at time.Time) error {
	res := s.exchange.Do(ctx, Request{Command: transport.Command{
		Node:  node,
		Class: transport.ClassFirmwareMetadata,
		Code:  transport.FirmwareMetadataGet,
	}})
	if err := ctx.Err(); err != nil {
		return err
	}

	pr := s.newResult(node, RoleSecondary, res)
	pr.Fix = &fix

	switch {
	case res.Outcome == OutcomeNack:
		return s.skip(ctx, pr, NoteNack, s.cfg.PacingDelay)
	case res.Outcome == OutcomeTimeout, len(res.Payload()) == 0:
		return s.skip(ctx, pr, NoteNoResponse, s.cfg.PacingDelay)
	}

	pr.Time = at
	err := s.recorder.AppendFix(telemetry.Row{
		Time:      at,
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Altitude:  fix.Altitude,
		TxPower:   pr.TxPower,
		RSSI:      pr.RSSI,
		Node:      node,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	pr.Logged = true

	s.logger.Debug("secondary logged",
		"node_id", node,
		"tx_power", pr.TxPower,
		"rssi", pr.RSSI.String(),
		"correlation_id", pr.CorrelationID,
	)
	s.emit(pr)

	return sleep(ctx, s.cfg.PacingDelay)
}

func (s *Scheduler) newResult(node transport.NodeID, role Role, res Result) PollResult {
	return PollResult{
		Node:          node,
		Role:          role,
		Outcome:       res.Outcome,
		Time:          s.now(),
		TxPower:       s.resolveTxPower(res.Report.TxPower),
		RSSI:          res.Report.RSSI,
		Latency:       res.Latency,
		CorrelationID: res.CorrelationID,
		Err:           res.Err,
	}
}

// skip records note for an exchange that produced no data row, then waits.
func (s *Scheduler) skip(ctx context.Context, pr PollResult, note string, wait time.Duration) error {
	pr.Note = note

	level := slog.LevelWarn
	if note == NoteInvalidFix {
		level = slog.LevelInfo
	}
	attrs := []any{
		"node_id", pr.Node,
		"role", string(pr.Role),
		"outcome", pr.Outcome.String(),
		"correlation_id", pr.CorrelationID,
	}
	if pr.Err != nil {
		attrs = append(attrs, "error", pr.Err)
	}
	if pr.Fix != nil && pr.Role == RolePrimary {
		attrs = append(attrs, "satellites", pr.Fix.Satellites)
	}
	s.logger.Log(ctx, level, fmt.Sprintf("Node %d: %s", pr.Node, note), attrs...)

	if err := s.recorder.AppendNote(telemetry.Note{Time: pr.Time, Node: pr.Node, Text: note}); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	s.emit(pr)

	return sleep(ctx, wait)
}

// resolveTxPower returns the reported transmit power, falling back to the
// last one seen.
func (s *Scheduler) resolveTxPower(r transport.Reading) int {
	if v, ok := r.Value(); ok {
		s.txPower = v
	}
	return s.txPower
}

func (s *Scheduler) emit(pr PollResult) {
	select {
	case s.results <- pr:
	default:
		s.logger.Debug("results queue full, dropping poll result", "node_id", pr.Node)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
