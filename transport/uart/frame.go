package uart

import (
	"errors"
	"fmt"
)

const protocolVersion = 0x01

const (
	frameEnd    = 0xC0
	frameEsc    = 0xDB
	frameEscEnd = 0xDC
	frameEscEsc = 0xDD
)

type command byte

const (
	cEcho       command = 0x00
	cDiscover   command = 0x02
	cPowerlevel command = 0x11
	cReceive    command = 0x50
	cTransmit   command = 0x7F
)

// responseFlag is set on every frame sent by the gateway.
const responseFlag = 0x80

type responseCode byte

const (
	rOk                   responseCode = 0x00
	rSlaveResponseTimeout responseCode = 0x11
	rAckTimeout           responseCode = 0x12
	rDataPacket           responseCode = 0x14
	rFail                 responseCode = 0x80
	rBadProtocolVersion   responseCode = 0x90
	rBadCommand           responseCode = 0x91
	rArgumentError        responseCode = 0x93
)

func (c responseCode) String() string {
	switch c {
	case rOk:
		return "ok"
	case rSlaveResponseTimeout:
		return "slave response timeout"
	case rAckTimeout:
		return "ack timeout"
	case rDataPacket:
		return "data packet"
	case rFail:
		return "fail"
	case rBadProtocolVersion:
		return "bad protocol version"
	case rBadCommand:
		return "bad command"
	case rArgumentError:
		return "argument validation error"
	}
	return fmt.Sprintf("code 0x%02X", byte(c))
}

var errShortFrame = errors.New("uart: short frame")

type request struct {
	command command
	payload []byte
}

type response struct {
	command command
	code    responseCode
	payload []byte
}

// stuff wraps data in a SLIP frame: a leading 0xC0 with 0xC0 and 0xDB
// escaped inside.
func stuff(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, frameEnd)
	for _, b := range data {
		switch b {
		case frameEnd:
			out = append(out, frameEsc, frameEscEnd)
		case frameEsc:
			out = append(out, frameEsc, frameEscEsc)
		default:
			out = append(out, b)
		}
	}
	return out
}

func encodeRequest(r request) []byte {
	raw := append([]byte{protocolVersion, byte(r.command), byte(len(r.payload))}, r.payload...)
	return stuff(raw)
}

func encodeResponse(r response) []byte {
	raw := append([]byte{protocolVersion, byte(r.command), byte(r.code), byte(len(r.payload))}, r.payload...)
	return stuff(raw)
}

func parseResponse(data []byte) (response, error) {
	if len(data) < 4 {
		return response{}, errShortFrame
	}
	if data[0] != protocolVersion {
		return response{}, fmt.Errorf("uart: protocol version %d, want %d", data[0], protocolVersion)
	}
	if 4+int(data[3]) != len(data) {
		return response{}, fmt.Errorf("uart: payload length %d does not match frame length %d", data[3], len(data))
	}
	return response{
		command: command(data[1]),
		code:    responseCode(data[2]),
		payload: data[4:],
	}, nil
}

func parseRequest(data []byte) (request, error) {
	if len(data) < 3 {
		return request{}, errShortFrame
	}
	if 3+int(data[2]) != len(data) {
		return request{}, fmt.Errorf("uart: payload length %d does not match frame length %d", data[2], len(data))
	}
	return request{command: command(data[1]), payload: data[3:]}, nil
}

func responseComplete(data []byte) bool {
	return len(data) >= 4 && len(data) == 4+int(data[3])
}

func requestComplete(data []byte) bool {
	return len(data) >= 3 && len(data) == 3+int(data[2])
}

// decoder reassembles SLIP frames from a byte stream. A frame is emitted as
// soon as complete reports true for its unstuffed contents; a stray 0xC0
// restarts the frame and bytes before the first 0xC0 are ignored.
type decoder struct {
	complete func([]byte) bool
	buf      []byte
	inFrame  bool
	esc      bool
}

func (d *decoder) feed(b byte) ([]byte, error) {
	if b == frameEnd {
		d.buf = d.buf[:0]
		d.inFrame = true
		d.esc = false
		return nil, nil
	}
	if !d.inFrame {
		return nil, nil
	}

	if d.esc {
		d.esc = false
		switch b {
		case frameEscEnd:
			b = frameEnd
		case frameEscEsc:
			b = frameEsc
		default:
			d.inFrame = false
			return nil, fmt.Errorf("uart: invalid escape sequence 0xDB 0x%02X", b)
		}
	} else if b == frameEsc {
		d.esc = true
		return nil, nil
	}

	d.buf = append(d.buf, b)
	if !d.complete(d.buf) {
		return nil, nil
	}

	frame := make([]byte, len(d.buf))
	copy(frame, d.buf)
	d.buf = d.buf[:0]
	d.inFrame = false
	return frame, nil
}
