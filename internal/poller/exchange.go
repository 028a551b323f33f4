package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/georange/transport"
)

// DefaultResponseTimeout is how long an exchange waits for a matching report.
const DefaultResponseTimeout = 5 * time.Second

// ErrResponseTimeout is the cause recorded when no matching response arrived
// before the deadline.
var ErrResponseTimeout = errors.New("poller: no matching response before deadline")

// Outcome classifies a finished exchange.
type Outcome int

const (
	// OutcomeNack means the link rejected the command.
	OutcomeNack Outcome = iota + 1

	// OutcomeTimeout means the command was sent but nothing matching came back.
	OutcomeTimeout

	// OutcomeSuccess means a matching response arrived. Its payload may be empty.
	OutcomeSuccess
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNack:
		return "nack"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeSuccess:
		return "success"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Request describes one exchange.
type Request struct {
	Command transport.Command

	// Match selects the response. If nil, transport.Expected(Command) is used.
	Match transport.Predicate

	// Timeout overrides the exchange's default deadline when positive.
	Timeout time.Duration
}

// Result is the outcome of [Exchange.Do]. Exactly one Outcome is set.
type Result struct {
	Outcome Outcome

	// Response is the matched response; only set for OutcomeSuccess.
	Response transport.Response

	// Report holds the transmission metrics the link reported during Send.
	// Fields the link did not report are Unavailable.
	Report transport.TxReport

	// Err is the cause of a Nack or Timeout.
	Err error

	// Latency is the time from registration to resolution.
	Latency time.Duration

	// CorrelationID identifies the exchange in logs.
	CorrelationID string
}

// Payload returns the response payload, nil unless the exchange succeeded.
func (r Result) Payload() []byte {
	if r.Outcome != OutcomeSuccess {
		return nil
	}
	return r.Response.Payload
}

// Exchange performs request/response round trips over a half-duplex
// transport. Concurrent callers are serialised so at most one request is
// outstanding; Exchange never retries.
type Exchange struct {
	transport transport.Transport
	timeout   time.Duration
	logger    *slog.Logger

	sem            chan struct{}
	outstanding    atomic.Int32
	maxOutstanding atomic.Int32
}

// NewExchange creates an [Exchange]. A non-positive timeout selects
// [DefaultResponseTimeout].
func NewExchange(t transport.Transport, timeout time.Duration, logger *slog.Logger) *Exchange {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		transport: t,
		timeout:   timeout,
		logger:    logger,
		sem:       make(chan struct{}, 1),
	}
}

// MaxOutstanding returns the highest number of simultaneously outstanding
// requests observed. It never exceeds 1.
func (e *Exchange) MaxOutstanding() int {
	return int(e.maxOutstanding.Load())
}

// Do sends req.Command and waits for the matching response.
//
// The response predicate is registered before the command is sent. A send
// error classifies as OutcomeNack, except transport.ErrNoResponse and context
// cancellation which classify as OutcomeTimeout. Cancelling ctx ends the wait
// early.
func (e *Exchange) Do(ctx context.Context, req Request) Result {
	res := Result{CorrelationID: uuid.NewString()}
	start := time.Now()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		res.Outcome = OutcomeTimeout
		res.Err = ctx.Err()
		return res
	}
	defer func() { <-e.sem }()

	n := e.outstanding.Add(1)
	defer e.outstanding.Add(-1)
	for {
		cur := e.maxOutstanding.Load()
		if n <= cur || e.maxOutstanding.CompareAndSwap(cur, n) {
			break
		}
	}

	timeout := e.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	match := req.Match
	if match == nil {
		match = transport.Expected(req.Command)
	}

	responses, cancel := e.transport.Expect(match)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var mu sync.Mutex
	err := e.transport.Send(ctx, req.Command, func(r transport.TxReport) {
		mu.Lock()
		res.Report = r
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()

	if err != nil {
		res.Latency = time.Since(start)
		res.Err = err
		if errors.Is(err, transport.ErrNoResponse) || ctx.Err() != nil {
			res.Outcome = OutcomeTimeout
		} else {
			res.Outcome = OutcomeNack
		}
		e.logger.Debug("send failed",
			"node_id", req.Command.Node,
			"class", req.Command.Class.String(),
			"outcome", res.Outcome.String(),
			"correlation_id", res.CorrelationID,
			"error", err,
		)
		return res
	}

	// a response delivered during Send wins over an expired deadline
	select {
	case resp := <-responses:
		return e.succeed(res, resp, start)
	default:
	}

	select {
	case resp := <-responses:
		return e.succeed(res, resp, start)
	case <-timer.C:
		res.Outcome = OutcomeTimeout
		res.Err = fmt.Errorf("%w (%s)", ErrResponseTimeout, timeout)
	case <-ctx.Done():
		res.Outcome = OutcomeTimeout
		res.Err = ctx.Err()
	}
	res.Latency = time.Since(start)
	return res
}

func (e *Exchange) succeed(res Result, resp transport.Response, start time.Time) Result {
	res.Outcome = OutcomeSuccess
	res.Response = resp
	res.Latency = time.Since(start)
	return res
}
