package store

import (
	"slices"
	"sync"
)

// subscriberBuffer is the channel capacity of each subscription.
const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// Updates are sent to subscribers non-blocking; if a subscriber's buffer is
// full the update is dropped for that subscriber.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[uint16]TargetStatus

	subMu       sync.RWMutex
	subscribers map[chan TargetStatus]struct{}
}

// NewMemoryStore creates an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses:    make(map[uint16]TargetStatus),
		subscribers: make(map[chan TargetStatus]struct{}),
	}
}

// Update stores status under its node ID, carrying the node's failure
// streak and last success forward, and notifies all subscribers.
func (m *MemoryStore) Update(status TargetStatus) TargetStatus {
	m.mu.Lock()
	status = withLinkHealth(m.statuses[status.Node], status)
	m.statuses[status.Node] = status
	m.mu.Unlock()

	m.notifySubscribers(status)
	return status
}

// Get returns the latest status of node.
func (m *MemoryStore) Get(node uint16) (TargetStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.statuses[node]
	return s, ok
}

// GetAll returns a snapshot of all stored statuses, ordered by node ID.
func (m *MemoryStore) GetAll() []TargetStatus {
	m.mu.RLock()
	all := make([]TargetStatus, 0, len(m.statuses))
	for _, s := range m.statuses {
		all = append(all, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(all, func(a, b TargetStatus) int {
		return int(a.Node) - int(b.Node)
	})
	return all
}

// Subscribe creates a new subscription with a buffer of 100 updates.
//
// Caller must call [MemoryStore.Unsubscribe] when done.
func (m *MemoryStore) Subscribe() <-chan TargetStatus {
	ch := make(chan TargetStatus, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
// Safe to call multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan TargetStatus) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

func (m *MemoryStore) notifySubscribers(status TargetStatus) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- status:
		default:
			// slow subscriber, drop
		}
	}
}
