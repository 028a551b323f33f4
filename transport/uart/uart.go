// Package uart implements [transport.Transport] for a radio gateway attached
// to a serial port. Frames are SLIP-encoded; every request is answered by a
// response frame carrying the request command with the high bit set, and
// reports from remote nodes arrive as unsolicited receive frames.
package uart

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"github.com/jpalmerr/georange/transport"
)

const (
	defaultBaudRate       = 115200
	defaultReadTimeout    = 100 * time.Millisecond
	defaultCommandTimeout = 2 * time.Second
)

// Config configures a serial gateway.
type Config struct {
	// Port is the serial device, e.g. /dev/ttyUSB0.
	Port string

	// BaudRate defaults to 115200.
	BaudRate int

	// ReadTimeout bounds each blocking read on the port. Defaults to 100ms.
	ReadTimeout time.Duration

	// CommandTimeout bounds the wait for the gateway's own response to a
	// request, not the remote node's report. Defaults to 2s.
	CommandTimeout time.Duration
}

// Gateway is a serial radio gateway. Commands are serialised; at most one
// request frame is awaiting its response at any time.
type Gateway struct {
	port           io.ReadWriteCloser
	dispatcher     *transport.Dispatcher
	logger         *slog.Logger
	commandTimeout time.Duration

	callMu  sync.Mutex
	replies chan response

	done      chan struct{}
	readDone  chan struct{}
	readErr   error
	closeOnce sync.Once
	closeErr  error
}

// Open opens the serial port described by cfg and checks that a gateway
// answers on it.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if cfg.Port == "" {
		return nil, errors.New("uart: port is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	port, err := serial.Open(&serial.Config{
		Address:  cfg.Port,
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("uart: open %s: %w", cfg.Port, err)
	}

	g := NewWithPort(port, cfg, logger)
	if err := g.ping(ctx); err != nil {
		_ = g.Close()
		return nil, fmt.Errorf("uart: gateway on %s not responding: %w", cfg.Port, err)
	}
	return g, nil
}

// NewWithPort runs the gateway protocol over an already open port.
func NewWithPort(port io.ReadWriteCloser, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}

	g := &Gateway{
		port:           port,
		dispatcher:     transport.NewDispatcher(),
		logger:         logger,
		commandTimeout: cfg.CommandTimeout,
		replies:        make(chan response, 4),
		done:           make(chan struct{}),
		readDone:       make(chan struct{}),
	}
	go g.readLoop()
	return g
}

// Expect implements [transport.Transport].
func (g *Gateway) Expect(pred transport.Predicate) (<-chan transport.Response, func()) {
	return g.dispatcher.Register(pred)
}

// Send transmits cmd through the gateway and reports the transmit status.
func (g *Gateway) Send(ctx context.Context, cmd transport.Command, onReport transport.ReportFunc) error {
	payload := make([]byte, 4, 4+len(cmd.Args))
	binary.BigEndian.PutUint16(payload[0:2], uint16(cmd.Node))
	payload[2] = byte(cmd.Class)
	payload[3] = cmd.Code
	payload = append(payload, cmd.Args...)

	resp, err := g.call(ctx, cTransmit, payload)
	if err != nil {
		return err
	}

	if onReport != nil {
		onReport(parseTxStatus(resp.payload))
	}

	switch resp.code {
	case rOk:
		return nil
	case rSlaveResponseTimeout:
		return transport.ErrNoResponse
	default:
		return fmt.Errorf("%w: %s", transport.ErrNack, resp.code)
	}
}

// Targets asks the gateway for its node table.
func (g *Gateway) Targets(ctx context.Context) ([]transport.Target, error) {
	resp, err := g.call(ctx, cDiscover, nil)
	if err != nil {
		return nil, err
	}
	if resp.code != rOk {
		return nil, fmt.Errorf("uart: discover: %s", resp.code)
	}
	return parseNodeTable(resp.payload)
}

// Powerlevel implements [transport.PowerlevelReader].
func (g *Gateway) Powerlevel(ctx context.Context) (int, error) {
	resp, err := g.call(ctx, cPowerlevel, nil)
	if err != nil {
		return 0, err
	}
	if resp.code != rOk || len(resp.payload) < 1 {
		return 0, fmt.Errorf("uart: powerlevel: %s", resp.code)
	}
	return int(int8(resp.payload[0])), nil
}

// Close closes the port and stops the reader. Safe to call more than once.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		close(g.done)
		g.closeErr = g.port.Close()
		<-g.readDone
	})
	return g.closeErr
}

func (g *Gateway) ping(ctx context.Context) error {
	resp, err := g.call(ctx, cEcho, []byte{0x55})
	if err != nil {
		return err
	}
	if resp.code != rOk {
		return fmt.Errorf("uart: echo: %s", resp.code)
	}
	return nil
}

// call writes one request and waits for the gateway's response to it.
func (g *Gateway) call(ctx context.Context, cmd command, payload []byte) (response, error) {
	g.callMu.Lock()
	defer g.callMu.Unlock()

	select {
	case <-g.done:
		return response{}, transport.ErrClosed
	default:
	}

	// discard replies to requests that were abandoned
	for len(g.replies) > 0 {
		<-g.replies
	}

	if _, err := g.port.Write(encodeRequest(request{command: cmd, payload: payload})); err != nil {
		return response{}, fmt.Errorf("uart: write: %w", err)
	}

	timer := time.NewTimer(g.commandTimeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-g.replies:
			if resp.command != cmd|responseFlag {
				g.logger.Debug("discarding unexpected gateway response",
					"command", fmt.Sprintf("0x%02X", byte(resp.command)),
					"code", resp.code.String(),
				)
				continue
			}
			return resp, nil
		case <-timer.C:
			return response{}, fmt.Errorf("uart: no gateway response to command 0x%02X within %s", byte(cmd), g.commandTimeout)
		case <-ctx.Done():
			return response{}, ctx.Err()
		case <-g.readDone:
			if g.readErr != nil {
				return response{}, fmt.Errorf("uart: reader stopped: %w", g.readErr)
			}
			return response{}, transport.ErrClosed
		}
	}
}

func (g *Gateway) readLoop() {
	defer close(g.readDone)

	dec := decoder{complete: responseComplete}
	buf := make([]byte, 256)

	for {
		n, err := g.port.Read(buf)
		for _, b := range buf[:n] {
			frame, ferr := dec.feed(b)
			if ferr != nil {
				g.logger.Warn("dropping corrupt frame", "error", ferr)
				continue
			}
			if frame != nil {
				g.handleFrame(frame)
			}
		}

		if err == nil || errors.Is(err, serial.ErrTimeout) {
			continue
		}

		select {
		case <-g.done:
		default:
			g.readErr = err
			g.logger.Error("serial read failed", "error", err)
		}
		return
	}
}

func (g *Gateway) handleFrame(frame []byte) {
	resp, err := parseResponse(frame)
	if err != nil {
		g.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	if resp.command == cReceive|responseFlag {
		if resp.code != rDataPacket {
			return
		}
		r, err := parseReceived(resp.payload)
		if err != nil {
			g.logger.Warn("dropping malformed report", "error", err)
			return
		}
		if !g.dispatcher.Dispatch(r) {
			g.logger.Debug("unsolicited report", "node_id", r.Node, "class", r.Class.String())
		}
		return
	}

	select {
	case g.replies <- resp:
	default:
		g.logger.Warn("gateway response queue full, dropping response")
	}
}

// tx status payload: tx power (int8), ack rssi (int8), validity bits
const (
	txPowerValid = 1 << 0
	rssiValid    = 1 << 1
)

func parseTxStatus(p []byte) transport.TxReport {
	var r transport.TxReport
	if len(p) < 3 {
		return r
	}
	if p[2]&txPowerValid != 0 {
		r.TxPower = transport.Measured(int(int8(p[0])))
	}
	if p[2]&rssiValid != 0 {
		r.RSSI = transport.Measured(int(int8(p[1])))
	}
	return r
}

func parseReceived(p []byte) (transport.Response, error) {
	if len(p) < 4 {
		return transport.Response{}, errShortFrame
	}
	payload := make([]byte, len(p)-4)
	copy(payload, p[4:])
	return transport.Response{
		Node:    transport.NodeID(binary.BigEndian.Uint16(p[0:2])),
		Class:   transport.CommandClass(p[2]),
		Code:    p[3],
		Payload: payload,
	}, nil
}

// node table entry: node id (uint16), flags, class count, classes...
const nodeFlagController = 1 << 0

func parseNodeTable(p []byte) ([]transport.Target, error) {
	var targets []transport.Target
	for len(p) > 0 {
		if len(p) < 4 {
			return nil, fmt.Errorf("uart: truncated node table entry")
		}
		n := int(p[3])
		if len(p) < 4+n {
			return nil, fmt.Errorf("uart: node %d lists %d classes, %d bytes left", binary.BigEndian.Uint16(p[0:2]), n, len(p)-4)
		}
		t := transport.Target{
			ID:         transport.NodeID(binary.BigEndian.Uint16(p[0:2])),
			Controller: p[2]&nodeFlagController != 0,
		}
		for _, c := range p[4 : 4+n] {
			t.Classes = append(t.Classes, transport.CommandClass(c))
		}
		targets = append(targets, t)
		p = p[4+n:]
	}
	return targets, nil
}
