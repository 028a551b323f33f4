// Package rtu implements [transport.Transport] over a half-duplex RS-485
// Modbus RTU bus. Node IDs are slave addresses; each supported command maps
// to a holding register read, and the register bytes become the report
// payload.
package rtu

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"

	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/transport"
)

const (
	defaultBaudRate         = 19200
	defaultTimeout          = time.Second
	defaultGeoRegister      = 0x0000
	defaultMetadataRegister = 0x0100
	defaultMetadataCount    = 3
)

// Slave describes one device on the bus.
type Slave struct {
	ID byte

	// Geolocation marks a slave exposing the fix registers.
	Geolocation bool
}

// Config configures the bus.
type Config struct {
	Port     string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int

	// Timeout bounds each register read.
	Timeout time.Duration

	Slaves []Slave

	// GeoRegister is the first of the six registers holding the 12-byte fix.
	GeoRegister uint16

	// MetadataRegister and MetadataCount locate the firmware descriptor.
	MetadataRegister uint16
	MetadataCount    uint16
}

func (c *Config) applyDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.Parity == "" {
		c.Parity = "E"
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.MetadataRegister == 0 {
		c.MetadataRegister = defaultMetadataRegister
	}
	if c.MetadataCount == 0 {
		c.MetadataCount = defaultMetadataCount
	}
}

// RegisterReader is the part of modbus.Client the bus uses.
type RegisterReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

// Bus is a Modbus RTU master.
type Bus struct {
	cfg        Config
	dispatcher *transport.Dispatcher
	closer     func() error

	mu       sync.Mutex
	client   RegisterReader
	setSlave func(id byte)
	closed   bool
}

// Open connects to the serial port in cfg.
func Open(cfg Config) (*Bus, error) {
	if cfg.Port == "" {
		return nil, errors.New("rtu: port is required")
	}
	if len(cfg.Slaves) == 0 {
		return nil, errors.New("rtu: at least one slave is required")
	}
	cfg.applyDefaults()

	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.DataBits
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.Timeout = cfg.Timeout

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("rtu: connect %s: %w", cfg.Port, err)
	}

	b := NewWithClient(modbus.NewClient(handler), func(id byte) { handler.SlaveId = id }, cfg)
	b.closer = handler.Close
	return b, nil
}

// NewWithClient runs the bus over an existing client. setSlave is called
// before every read to address the target slave.
func NewWithClient(client RegisterReader, setSlave func(id byte), cfg Config) *Bus {
	cfg.applyDefaults()
	return &Bus{
		cfg:        cfg,
		dispatcher: transport.NewDispatcher(),
		client:     client,
		setSlave:   setSlave,
	}
}

// Targets returns the configured slaves.
func (b *Bus) Targets(ctx context.Context) ([]transport.Target, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}

	targets := make([]transport.Target, 0, len(b.cfg.Slaves))
	for _, s := range b.cfg.Slaves {
		t := transport.Target{ID: transport.NodeID(s.ID), Classes: []transport.CommandClass{transport.ClassFirmwareMetadata}}
		if s.Geolocation {
			t.Classes = append(t.Classes, transport.ClassGeographicLocation)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Expect implements [transport.Transport].
func (b *Bus) Expect(pred transport.Predicate) (<-chan transport.Response, func()) {
	return b.dispatcher.Register(pred)
}

// Send performs the register read for cmd and dispatches the result. The
// bus reports no transmission metrics.
func (b *Bus) Send(ctx context.Context, cmd transport.Command, onReport transport.ReportFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return transport.ErrClosed
	}
	if !slices.ContainsFunc(b.cfg.Slaves, func(s Slave) bool { return transport.NodeID(s.ID) == cmd.Node }) {
		return fmt.Errorf("%w: slave %d not configured", transport.ErrNack, cmd.Node)
	}

	var address, quantity uint16
	switch {
	case cmd.Class == transport.ClassGeographicLocation && cmd.Code == transport.GeographicLocationGet:
		address, quantity = b.cfg.GeoRegister, geo.PayloadSize/2
	case cmd.Class == transport.ClassFirmwareMetadata && cmd.Code == transport.FirmwareMetadataGet:
		address, quantity = b.cfg.MetadataRegister, b.cfg.MetadataCount
	default:
		return fmt.Errorf("%w: %s command 0x%02X has no register mapping", transport.ErrNack, cmd.Class, cmd.Code)
	}

	b.setSlave(byte(cmd.Node))
	data, err := b.client.ReadHoldingRegisters(address, quantity)
	if onReport != nil {
		onReport(transport.TxReport{})
	}
	if err != nil {
		return classify(err)
	}

	code, _ := transport.ReportCode(cmd.Class, cmd.Code)
	b.dispatcher.Dispatch(transport.Response{
		Node:    cmd.Node,
		Class:   cmd.Class,
		Code:    code,
		Payload: data,
	})
	return nil
}

// Close closes the serial port.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.closer != nil {
		return b.closer()
	}
	return nil
}

// classify maps a read error onto the transport sentinels: an exception
// response is a rejection, a read timeout means the slave never answered.
func classify(err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: %v", transport.ErrNack, mbErr)
	}
	if errors.Is(err, serial.ErrTimeout) {
		return fmt.Errorf("%w: %v", transport.ErrNoResponse, err)
	}
	return fmt.Errorf("rtu: read: %w", err)
}
