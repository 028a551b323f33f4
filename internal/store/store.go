package store

import (
	"context"
	"time"
)

// Fix is the position part of a [TargetStatus].
type Fix struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Satellites uint8   `json:"satellites"`
}

// TargetStatus is the latest poll outcome for one node.
//
// TargetStatus is the storage representation used by the REST API, SSE and
// the Redis mirror. It is decoupled from the poller's internal types.
type TargetStatus struct {
	// Node is the mesh node ID; statuses are keyed by it.
	Node uint16 `json:"node_id"`

	// Role is "primary" or "secondary".
	Role string `json:"role"`

	// Outcome is "success", "nack" or "timeout".
	Outcome string `json:"outcome"`

	// Logged reports whether the poll produced a data row.
	Logged bool `json:"logged"`

	// Fix is the decoded position, nil when the poll produced none.
	Fix *Fix `json:"fix"`

	// Distance is meters from the first accepted primary fix. Primary only.
	Distance *float64 `json:"distance_m"`

	TxPower int  `json:"tx_power"`
	RSSI    *int `json:"rssi"`

	// Note is the operator note for a failed or skipped poll.
	Note string `json:"note,omitempty"`

	LatencyMs     int64     `json:"latency_ms"`
	CheckedAt     time.Time `json:"checked_at"`
	CorrelationID string    `json:"correlation_id"`

	// Error contains the exchange error, nil on success.
	Error *string `json:"error"`

	// ConsecutiveFailures counts nack and timeout outcomes since the last
	// success. Maintained by the store.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastSuccessAt is when the node last answered, nil if it never has.
	// Maintained by the store.
	LastSuccessAt *time.Time `json:"last_success_at"`
}

// OutcomeSuccess is the Outcome of a poll the node answered.
const OutcomeSuccess = "success"

// withLinkHealth fills the store-maintained fields of next from prev, the
// previous status of the same node (zero if none).
func withLinkHealth(prev, next TargetStatus) TargetStatus {
	if next.Outcome == OutcomeSuccess {
		at := next.CheckedAt
		next.LastSuccessAt = &at
		next.ConsecutiveFailures = 0
		return next
	}
	next.LastSuccessAt = prev.LastSuccessAt
	next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	return next
}

// Store defines the interface for storing and subscribing to status updates.
//
// Store implementations must be safe for concurrent access. The pub/sub
// mechanism allows updates to be pushed to SSE clients.
type Store interface {
	// Update stores a status and notifies all subscribers.
	// The status is keyed by Node, so later updates replace earlier ones.
	// It returns the status as stored, with link health filled in.
	Update(status TargetStatus) TargetStatus

	// Get returns the latest status of node.
	Get(node uint16) (TargetStatus, bool)

	// GetAll returns all stored statuses ordered by node ID.
	// The returned slice is a snapshot.
	GetAll() []TargetStatus

	// Subscribe returns a channel that receives status updates.
	// Slow consumers may miss updates.
	// Caller must call Unsubscribe when done.
	Subscribe() <-chan TargetStatus

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan TargetStatus)
}

// Pinger is implemented by stores with an external dependency that can be
// health checked.
type Pinger interface {
	Ping(ctx context.Context) error
}
