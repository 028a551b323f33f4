package geo

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultMinSatellites is the satellite count needed for a usable 3D fix.
const DefaultMinSatellites = 4

// Validity decides whether a decoded [Fix] may be logged as a valid reading.
//
// Deployed devices disagree on which status bits are meaningful, so the
// policy is chosen by configuration rather than fixed here. Validity must be
// a pure function of its input.
type Validity func(f Fix) bool

// MinSatellites returns a [Validity] accepting fixes that report at least n
// satellites.
func MinSatellites(n int) Validity {
	return func(f Fix) bool {
		return f.Satellites >= n
	}
}

// AllFixFlags accepts fixes whose three fix-quality bits are all set.
var AllFixFlags Validity = func(f Fix) bool {
	return f.FixFlags == FixFlagsMask
}

// ParseValidity parses the validity shorthand used in configuration files.
//
// Supported forms:
//   - "" or "satellites" → [MinSatellites]([DefaultMinSatellites])
//   - "satellites:N" → [MinSatellites](N), 1 <= N <= 15
//   - "fixflags" → [AllFixFlags]
func ParseValidity(s string) (Validity, error) {
	s = strings.TrimSpace(s)

	switch s {
	case "", "satellites":
		return MinSatellites(DefaultMinSatellites), nil
	case "fixflags":
		return AllFixFlags, nil
	}

	if rest, ok := strings.CutPrefix(s, "satellites:"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid satellite threshold %q: %w", rest, err)
		}
		if n < 1 || n > 15 {
			return nil, fmt.Errorf("satellite threshold must be between 1 and 15, got %d", n)
		}
		return MinSatellites(n), nil
	}

	return nil, fmt.Errorf("unknown validity %q (expected 'satellites', 'satellites:N', or 'fixflags')", s)
}
