// Package transport defines the half-duplex command/response link that the
// range test polls over, together with the response dispatcher shared by the
// concrete implementations in the sim, uart and modbus subpackages.
//
// A Transport never correlates responses itself. Callers register a
// [Predicate] with Expect before calling Send, so a response that arrives
// while Send is still running is never missed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrNack is returned by Send when the link layer rejected the command.
	ErrNack = errors.New("transport: negative acknowledgement")

	// ErrNoResponse is returned by Send when the command went out but the
	// link layer already knows no response will follow.
	ErrNoResponse = errors.New("transport: no response")

	// ErrClosed is returned by operations on a closed Transport.
	ErrClosed = errors.New("transport: closed")
)

// NodeID addresses one device on the mesh.
type NodeID uint16

// CommandClass identifies a family of commands a device may support.
type CommandClass byte

// Command classes and codes used by the range test.
const (
	ClassGeographicLocation CommandClass = 0x8C
	ClassFirmwareMetadata   CommandClass = 0x7A

	GeographicLocationGet    byte = 0x02
	GeographicLocationReport byte = 0x03

	FirmwareMetadataGet    byte = 0x01
	FirmwareMetadataReport byte = 0x02
)

var classNames = map[CommandClass]string{
	ClassGeographicLocation: "Geographic Location",
	ClassFirmwareMetadata:   "Firmware Update Meta Data",
}

func (c CommandClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", byte(c))
}

// reportCodes maps each Get command to the code of the report answering it.
var reportCodes = map[CommandClass]map[byte]byte{
	ClassGeographicLocation: {GeographicLocationGet: GeographicLocationReport},
	ClassFirmwareMetadata:   {FirmwareMetadataGet: FirmwareMetadataReport},
}

// ReportCode returns the report code answering the given command, if known.
func ReportCode(class CommandClass, code byte) (byte, bool) {
	r, ok := reportCodes[class][code]
	return r, ok
}

// Target is one device discovered on the link.
type Target struct {
	ID NodeID

	// Controller marks the local gateway node; it is never polled.
	Controller bool

	// Classes lists the command classes the device supports.
	Classes []CommandClass
}

// Supports reports whether the target advertises the command class.
func (t Target) Supports(c CommandClass) bool {
	return slices.Contains(t.Classes, c)
}

// Command is one outbound request.
type Command struct {
	Node  NodeID
	Class CommandClass
	Code  byte
	Args  []byte
}

// Response is one inbound frame from a device.
type Response struct {
	Node    NodeID
	Class   CommandClass
	Code    byte
	Payload []byte
}

// Predicate selects the response an exchange is waiting for.
type Predicate func(Response) bool

// Match returns a Predicate for a specific node, class and code.
func Match(node NodeID, class CommandClass, code byte) Predicate {
	return func(r Response) bool {
		return r.Node == node && r.Class == class && r.Code == code
	}
}

// Expected returns the predicate for the report answering cmd. Commands with
// no known report match any frame of the same class from the same node.
func Expected(cmd Command) Predicate {
	if code, ok := ReportCode(cmd.Class, cmd.Code); ok {
		return Match(cmd.Node, cmd.Class, code)
	}
	return func(r Response) bool {
		return r.Node == cmd.Node && r.Class == cmd.Class
	}
}

// ReportFunc receives transmission metrics while Send is in progress.
type ReportFunc func(TxReport)

// Transport is the link the poller talks to. Only one command is ever in
// flight at a time; implementations may rely on that.
type Transport interface {
	// Targets returns the devices known to the link.
	Targets(ctx context.Context) ([]Target, error)

	// Expect registers pred and returns a channel that receives the first
	// matching response. cancel must be called once the caller stops waiting.
	Expect(pred Predicate) (responses <-chan Response, cancel func())

	// Send transmits cmd. If onReport is non-nil it is called before Send
	// returns with whatever metrics the link reported for the transmission.
	// Send returns ErrNack when the link rejected the command.
	Send(ctx context.Context, cmd Command, onReport ReportFunc) error

	// Close releases the underlying resources.
	Close() error
}

// PowerlevelReader is implemented by transports that can report the
// controller's configured transmit power in dBm.
type PowerlevelReader interface {
	Powerlevel(ctx context.Context) (int, error)
}
