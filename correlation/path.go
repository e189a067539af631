// Package correlation implements the identifier layer (spec.md §4.1): the
// mapping between the delivery layer's sequence number and the
// per-destination correlation number placed on the wire.
package correlation

import "fmt"

// Path identifies a destination actor. It is a small value type rather
// than a bare string because distinct-mode bookkeeping is keyed per
// destination and a composite identity avoids accidental collisions
// between destinations that share a bare name across systems.
type Path struct {
	System string
	Name   string
}

// String renders a stable, human-readable form suitable for logging.
func (p Path) String() string {
	if p.System == "" {
		return p.Name
	}
	return fmt.Sprintf("%s/%s", p.System, p.Name)
}

// DeliveryID is the monotonically increasing, non-negative sequence number
// allocated by the delivery primitive across the entire orchestrator.
type DeliveryID uint64

// CorrelationID is the identifier placed on the wire so replies can be
// correlated back to a waiting task.
type CorrelationID uint64
