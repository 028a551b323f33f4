package georange

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jpalmerr/georange/transport"
)

// ErrNoPrimary is returned when no discovered target can act as the
// geolocation primary.
var ErrNoPrimary = errors.New("no target supports geographic location")

// Selection is the partition of discovered targets into roles.
type Selection struct {
	// Primary is polled for geolocation every cycle.
	Primary transport.NodeID

	// Secondaries are polled for firmware metadata, ascending by ID.
	Secondaries []transport.NodeID

	// Skipped lists every other target: the controller, excluded nodes and
	// nodes supporting neither command class.
	Skipped []transport.NodeID
}

// SelectTargets picks the primary and secondaries from targets.
//
// With primary == 0 the first non-controller target supporting Geographic
// Location becomes the primary; otherwise the named node must exist and
// support it. Every other non-controller, non-excluded target supporting
// Firmware Update Meta Data becomes a secondary.
func SelectTargets(targets []transport.Target, primary transport.NodeID, excluded []transport.NodeID) (Selection, error) {
	sorted := slices.Clone(targets)
	slices.SortFunc(sorted, func(a, b transport.Target) int {
		return int(a.ID) - int(b.ID)
	})

	eligible := func(t transport.Target) bool {
		return !t.Controller && !slices.Contains(excluded, t.ID)
	}

	var sel Selection
	found := false
	for _, t := range sorted {
		if !eligible(t) || !t.Supports(transport.ClassGeographicLocation) {
			continue
		}
		if primary == 0 || t.ID == primary {
			sel.Primary = t.ID
			found = true
			break
		}
	}
	if !found {
		if primary != 0 {
			return Selection{}, fmt.Errorf("%w: node %d not found, excluded or unsupported", ErrNoPrimary, primary)
		}
		return Selection{}, ErrNoPrimary
	}

	for _, t := range sorted {
		switch {
		case t.ID == sel.Primary:
		case eligible(t) && t.Supports(transport.ClassFirmwareMetadata):
			sel.Secondaries = append(sel.Secondaries, t.ID)
		default:
			sel.Skipped = append(sel.Skipped, t.ID)
		}
	}
	return sel, nil
}
