// Package geo decodes the fixed-point geolocation payload reported by a
// Geographic Location capable device and estimates the distance travelled
// from the first accepted fix of a run.
//
// The payload layout is 12 bytes, big-endian:
//
//	bytes 0..3   longitude, signed 32-bit, 23 fractional bits
//	bytes 4..7   latitude,  signed 32-bit, 23 fractional bits
//	bytes 8..10  altitude,  signed 24-bit, centimetres
//	byte  11     status: upper nibble = satellite count, lower 3 bits = fix flags
package geo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PayloadSize is the minimum number of bytes [Decode] accepts.
const PayloadSize = 12

// fixedPointScale converts the 23-fractional-bit coordinate encoding.
const fixedPointScale = 1 << 23

// FixFlagsMask selects the fix-quality bits of the status byte.
const FixFlagsMask = 0x07

// ErrMalformedPayload is returned by [Decode] when the payload is too short.
// Callers treat it as "no usable sample", never as a negative acknowledgement.
var ErrMalformedPayload = errors.New("geo: malformed payload")

// Fix is one decoded geolocation reading.
type Fix struct {
	// Latitude in decimal degrees.
	Latitude float64

	// Longitude in decimal degrees.
	Longitude float64

	// Altitude in metres.
	Altitude float64

	// Satellites is the satellite count from the upper nibble of the status byte.
	Satellites int

	// FixFlags holds the lower three status bits.
	FixFlags byte
}

// Decode converts a raw payload into a [Fix].
//
// Only the first [PayloadSize] bytes are read; trailing bytes are ignored.
// Decode is pure and never retains p.
func Decode(p []byte) (Fix, error) {
	if len(p) < PayloadSize {
		return Fix{}, fmt.Errorf("%w: got %d bytes, need %d", ErrMalformedPayload, len(p), PayloadSize)
	}

	lon := int32(binary.BigEndian.Uint32(p[0:4]))
	lat := int32(binary.BigEndian.Uint32(p[4:8]))
	alt := readInt24(p[8:11])
	status := p[11]

	return Fix{
		Latitude:   float64(lat) / fixedPointScale,
		Longitude:  float64(lon) / fixedPointScale,
		Altitude:   float64(alt) / 100,
		Satellites: int(status >> 4),
		FixFlags:   status & FixFlagsMask,
	}, nil
}

// Encode is the inverse of [Decode]. Coordinates are rounded to the nearest
// 2^-23 degree and altitude to the nearest centimetre; the satellite count is
// clamped to 0..15.
func Encode(f Fix) []byte {
	p := make([]byte, PayloadSize)

	binary.BigEndian.PutUint32(p[0:4], uint32(int32(math.Round(f.Longitude*fixedPointScale))))
	binary.BigEndian.PutUint32(p[4:8], uint32(int32(math.Round(f.Latitude*fixedPointScale))))
	writeInt24(p[8:11], int32(math.Round(f.Altitude*100)))

	sats := f.Satellites
	if sats < 0 {
		sats = 0
	}
	if sats > 15 {
		sats = 15
	}
	p[11] = byte(sats)<<4 | f.FixFlags&FixFlagsMask

	return p
}

// readInt24 sign-extends a big-endian 24-bit integer.
func readInt24(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}

func writeInt24(b []byte, v int32) {
	u := uint32(v) & 0xFFFFFF
	b[0] = byte(u >> 16)
	b[1] = byte(u >> 8)
	b[2] = byte(u)
}
