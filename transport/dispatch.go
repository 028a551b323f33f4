package transport

import (
	"slices"
	"sync"
)

// Dispatcher routes inbound responses to registered predicates. It is the
// Expect half of a Transport and is safe for concurrent use.
type Dispatcher struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*waiter
	order   []uint64
}

type waiter struct {
	pred Predicate
	ch   chan Response
}

// NewDispatcher creates an empty [Dispatcher].
func NewDispatcher() *Dispatcher {
	return &Dispatcher{pending: make(map[uint64]*waiter)}
}

// Register adds pred and returns the channel that receives the first match.
// The channel is buffered so Dispatch never blocks. cancel is idempotent.
func (d *Dispatcher) Register(pred Predicate) (<-chan Response, func()) {
	w := &waiter{pred: pred, ch: make(chan Response, 1)}

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.pending[id] = w
	d.order = append(d.order, id)
	d.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() { d.remove(id) })
	}
}

// Dispatch delivers resp to the oldest registered predicate that matches it
// and removes that registration. It reports whether any predicate matched;
// unmatched responses are dropped.
func (d *Dispatcher) Dispatch(resp Response) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, id := range d.order {
		w := d.pending[id]
		if !w.pred(resp) {
			continue
		}
		delete(d.pending, id)
		d.order = slices.Delete(d.order, i, i+1)
		w.ch <- resp
		return true
	}
	return false
}

// Pending returns the number of registrations still waiting.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pending[id]; !ok {
		return
	}
	delete(d.pending, id)
	for i, v := range d.order {
		if v == id {
			d.order = slices.Delete(d.order, i, i+1)
			break
		}
	}
}
