package transport

import "strconv"

// RSSINotAvailable is the value displayed for a signal strength the link did
// not report.
const RSSINotAvailable = 127

// Reading is an optional link metric. The zero value is Unavailable.
type Reading struct {
	value    int
	measured bool
}

// Unavailable is a Reading with no value.
var Unavailable = Reading{}

// Measured returns a Reading holding v.
func Measured(v int) Reading {
	return Reading{value: v, measured: true}
}

// Value returns the measured value and whether there was one.
func (r Reading) Value() (int, bool) {
	return r.value, r.measured
}

// Or returns the measured value, or fallback when unavailable.
func (r Reading) Or(fallback int) int {
	if r.measured {
		return r.value
	}
	return fallback
}

func (r Reading) String() string {
	if !r.measured {
		return "n/a"
	}
	return strconv.Itoa(r.value)
}

// TxReport holds the metrics reported for one transmission.
type TxReport struct {
	// TxPower is the transmit power used, in dBm.
	TxPower Reading

	// RSSI is the signal strength of the acknowledgement, in dBm.
	RSSI Reading
}
