package georange

import (
	"time"

	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/transport"
)

// Outcome classifies a finished exchange.
type Outcome string

const (
	// OutcomeSuccess means a matching response arrived.
	OutcomeSuccess Outcome = "success"

	// OutcomeNack means the link rejected the command.
	OutcomeNack Outcome = "nack"

	// OutcomeTimeout means no matching response arrived in time.
	OutcomeTimeout Outcome = "timeout"
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	return string(o)
}

// Role distinguishes the geolocation target from the secondaries.
type Role string

const (
	// RolePrimary is the GNSS-equipped target polled for position.
	RolePrimary Role = "primary"

	// RoleSecondary is any other target polled for link quality.
	RoleSecondary Role = "secondary"
)

// PollResult holds the outcome of one exchange and what the range test did
// with it.
//
// PollResult is a value copy; callbacks may retain it.
type PollResult struct {
	// Node is the polled target.
	Node transport.NodeID

	Role    Role
	Outcome Outcome

	// Time is the wall clock time written to the log row. Secondary rows
	// carry the time of the primary fix they were paired with.
	Time time.Time

	// Fix is the position the row was logged with. For the primary it is
	// the decoded fix, present even when the fix was rejected as invalid.
	// Nil when nothing was decoded.
	Fix *geo.Fix

	// Distance is meters from the first logged fix. Only meaningful for
	// logged primary results.
	Distance float64

	// TxPower is the reported transmit power, or the last known one.
	TxPower int

	// RSSI is the acknowledgement signal strength, if measured.
	RSSI transport.Reading

	// Logged reports whether a data row was appended to the log.
	Logged bool

	// Note is the operator note for exchanges that produced no data row:
	// "NACK", "no response", "malformed payload" or "Invalid GPS reading".
	Note string

	// Latency is the exchange duration.
	Latency time.Duration

	// CorrelationID ties the result to its log lines.
	CorrelationID string

	// Err is the exchange error, nil on success.
	Err error
}
