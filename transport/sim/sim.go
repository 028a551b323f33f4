// Package sim provides an in-memory mesh implementing [transport.Transport].
//
// Each simulated node answers commands through a [Handler]. Tests script the
// replies; the demo network produces a slowly moving GNSS fix with random
// link failures.
package sim

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/transport"
)

// Kind selects how a node reacts to a command.
type Kind int

const (
	// Respond sends a report carrying Reply.Payload, which may be empty.
	Respond Kind = iota

	// Nack makes Send fail with transport.ErrNack.
	Nack

	// Drop accepts the command and never answers it.
	Drop

	// Silent makes Send fail with transport.ErrNoResponse.
	Silent
)

// Reply is one scripted reaction.
type Reply struct {
	Kind    Kind
	Payload []byte

	// Report is handed to the sender's report callback during Send.
	Report transport.TxReport

	// Delay postpones the report frame. Zero delivers it before Send returns.
	Delay time.Duration
}

// Handler decides the reply to a command addressed to a node.
type Handler func(cmd transport.Command) Reply

// Node is one simulated device.
type Node struct {
	ID         transport.NodeID
	Controller bool
	Classes    []transport.CommandClass
	Handler    Handler
}

// Network is a simulated half-duplex mesh. It is safe for concurrent use.
type Network struct {
	dispatcher *transport.Dispatcher

	mu         sync.Mutex
	nodes      map[transport.NodeID]Node
	sent       []transport.Command
	powerlevel int
	inFlight   int
	maxFlight  int
	maxPending int
	closed     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a network containing nodes.
func New(nodes ...Node) *Network {
	n := &Network{
		dispatcher: transport.NewDispatcher(),
		nodes:      make(map[transport.NodeID]Node, len(nodes)),
		done:       make(chan struct{}),
	}
	for _, node := range nodes {
		n.nodes[node.ID] = node
	}
	return n
}

// SetPowerlevel sets the value returned by [Network.Powerlevel].
func (n *Network) SetPowerlevel(dBm int) {
	n.mu.Lock()
	n.powerlevel = dBm
	n.mu.Unlock()
}

// Powerlevel implements [transport.PowerlevelReader].
func (n *Network) Powerlevel(ctx context.Context) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return 0, transport.ErrClosed
	}
	return n.powerlevel, nil
}

// Targets returns all nodes in ascending ID order.
func (n *Network) Targets(ctx context.Context) ([]transport.Target, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, transport.ErrClosed
	}

	targets := make([]transport.Target, 0, len(n.nodes))
	for _, node := range n.nodes {
		targets = append(targets, transport.Target{
			ID:         node.ID,
			Controller: node.Controller,
			Classes:    slices.Clone(node.Classes),
		})
	}
	slices.SortFunc(targets, func(a, b transport.Target) int {
		return int(a.ID) - int(b.ID)
	})
	return targets, nil
}

// Expect implements [transport.Transport].
func (n *Network) Expect(pred transport.Predicate) (<-chan transport.Response, func()) {
	return n.dispatcher.Register(pred)
}

// Send implements [transport.Transport].
func (n *Network) Send(ctx context.Context, cmd transport.Command, onReport transport.ReportFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return transport.ErrClosed
	}
	node, ok := n.nodes[cmd.Node]
	n.sent = append(n.sent, cmd)
	n.inFlight++
	n.maxFlight = max(n.maxFlight, n.inFlight)
	n.maxPending = max(n.maxPending, n.dispatcher.Pending())
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.inFlight--
		n.mu.Unlock()
	}()

	if !ok {
		return fmt.Errorf("%w: node %d unknown", transport.ErrNack, cmd.Node)
	}

	reply := Reply{Kind: Drop}
	if node.Handler != nil {
		reply = node.Handler(cmd)
	}

	if onReport != nil {
		onReport(reply.Report)
	}

	switch reply.Kind {
	case Nack:
		return transport.ErrNack
	case Silent:
		return transport.ErrNoResponse
	case Drop:
		return nil
	}

	code, ok := transport.ReportCode(cmd.Class, cmd.Code)
	if !ok {
		code = cmd.Code
	}
	resp := transport.Response{
		Node:    cmd.Node,
		Class:   cmd.Class,
		Code:    code,
		Payload: slices.Clone(reply.Payload),
	}

	if reply.Delay <= 0 {
		n.dispatcher.Dispatch(resp)
		return nil
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			n.dispatcher.Dispatch(resp)
		case <-n.done:
		}
	}()
	return nil
}

// Close stops pending deliveries. It is safe to call more than once.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.done)
	n.mu.Unlock()

	n.wg.Wait()
	return nil
}

// Sent returns a copy of every command passed to Send, in order.
func (n *Network) Sent() []transport.Command {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sent)
}

// MaxInFlight returns the highest number of concurrent Send calls observed.
func (n *Network) MaxInFlight() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maxFlight
}

// MaxPending returns the highest number of registered predicates observed at
// the start of a Send.
func (n *Network) MaxPending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maxPending
}

// Closed reports whether Close has been called.
func (n *Network) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Script returns a Handler that plays replies in order and then keeps
// repeating the last one. An empty script drops every command.
func Script(replies ...Reply) Handler {
	var mu sync.Mutex
	i := 0
	return func(transport.Command) Reply {
		mu.Lock()
		defer mu.Unlock()
		if len(replies) == 0 {
			return Reply{Kind: Drop}
		}
		r := replies[min(i, len(replies)-1)]
		i++
		return r
	}
}

// FixReply answers a geolocation Get with f.
func FixReply(f geo.Fix) Reply {
	return Reply{Kind: Respond, Payload: geo.Encode(f)}
}

// MetadataReply answers a metadata Get with a fixed firmware descriptor and
// the given transmission metrics.
func MetadataReply(report transport.TxReport) Reply {
	return Reply{Kind: Respond, Payload: metadataPayload, Report: report}
}

// manufacturer 0x0086, firmware 0x0001, checksum 0x0000
var metadataPayload = []byte{0x00, 0x86, 0x00, 0x01, 0x00, 0x00}
