package correlation

import (
	"sort"
	"sync"

	"taskorchestrator/orcerr"
)

// Mode selects how correlation ids relate to delivery ids, chosen once per
// orchestrator instance at construction (spec.md §3).
type Mode int

const (
	// Shared mode: C ≡ D, no per-destination bookkeeping.
	Shared Mode = iota
	// Distinct mode: C is a strictly increasing sequence per destination
	// path; a bidirectional (destination, C) <-> D mapping is persisted.
	Distinct
)

// mapping is a single persisted (destination, C) -> D entry. Snapshot()
// does not use it: it returns an equivalent struct with exported C and D
// fields, sorted by C.
type mapping struct {
	c CorrelationID
	d DeliveryID
}

// Identifiers implements the identifier layer (C1). Every method that
// reads or writes the per-destination maps takes the mutex below, so
// Snapshot() may run concurrently with allocations; the orchestrator
// itself only calls into it from its mailbox goroutine.
type Identifiers struct {
	mode Mode

	mu          sync.Mutex
	perDest     map[Path]map[CorrelationID]DeliveryID
	nextC       map[Path]CorrelationID
}

// New creates an Identifiers layer for the given mode.
func New(mode Mode) *Identifiers {
	return &Identifiers{
		mode:    mode,
		perDest: make(map[Path]map[CorrelationID]DeliveryID),
		nextC:   make(map[Path]CorrelationID),
	}
}

// Mode reports the configured mode.
func (id *Identifiers) Mode() Mode { return id.mode }

// DeliveryToCorrelation allocates a new correlation id for a fresh
// outbound delivery. Must be called exactly once per new delivery id
// (spec.md §4.1).
func (id *Identifiers) DeliveryToCorrelation(dest Path, d DeliveryID) CorrelationID {
	if id.mode == Shared {
		return CorrelationID(d)
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	c := id.nextC[dest]
	id.nextC[dest] = c + 1
	if id.perDest[dest] == nil {
		id.perDest[dest] = make(map[CorrelationID]DeliveryID)
	}
	id.perDest[dest][c] = d
	return c
}

// RestoreMapping re-installs a previously persisted (destination, C) -> D
// entry during event replay, and fast-forwards the per-destination
// counter so future allocations keep I5 (strictly increasing, no gaps).
func (id *Identifiers) RestoreMapping(dest Path, c CorrelationID, d DeliveryID) {
	if id.mode == Shared {
		return
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	if id.perDest[dest] == nil {
		id.perDest[dest] = make(map[CorrelationID]DeliveryID)
	}
	id.perDest[dest][c] = d
	if next := c + 1; next > id.nextC[dest] {
		id.nextC[dest] = next
	}
}

// CorrelationToDelivery resolves a wire-visible correlation id back to the
// delivery id it was allocated for.
func (id *Identifiers) CorrelationToDelivery(dest Path, c CorrelationID) (DeliveryID, error) {
	if id.mode == Shared {
		return DeliveryID(c), nil
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	byC, ok := id.perDest[dest]
	if !ok {
		return 0, orcerr.ErrNotFound
	}
	d, ok := byC[c]
	if !ok {
		return 0, orcerr.ErrNotFound
	}
	return d, nil
}

// Snapshot returns the persisted mapping for every destination, sorted by
// correlation id, for deterministic inclusion in an orchestrator snapshot
// (invariant I6).
func (id *Identifiers) Snapshot() map[Path][]struct {
	C CorrelationID
	D DeliveryID
} {
	id.mu.Lock()
	defer id.mu.Unlock()

	out := make(map[Path][]struct {
		C CorrelationID
		D DeliveryID
	}, len(id.perDest))
	for dest, byC := range id.perDest {
		entries := make([]struct {
			C CorrelationID
			D DeliveryID
		}, 0, len(byC))
		for c, d := range byC {
			entries = append(entries, struct {
				C CorrelationID
				D DeliveryID
			}{C: c, D: d})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].C < entries[j].C })
		out[dest] = entries
	}
	return out
}
