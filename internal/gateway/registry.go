// Package gateway implements the public-facing half of the relay: the port
// registry, the mapping table with its public listeners, the per-port
// session pools, the multi-protocol dispatchers, and the data-plane
// acceptor that files agent sessions into those pools.
package gateway

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jroosing/portway/internal/config"
)

var (
	// ErrNoPortAvailable is returned when every enabled port is bound.
	ErrNoPortAvailable = errors.New("gateway: no public port available")

	// ErrPortNotAllocatable is returned when a requested port is outside
	// every enabled spec or reserved by the process.
	ErrPortNotAllocatable = errors.New("gateway: port not allocatable")

	// ErrPortInUse is returned when a requested port is already bound.
	ErrPortInUse = errors.New("gateway: port already bound")
)

// AvailablePort describes one allocatable port and where it came from.
type AvailablePort struct {
	Port int
	// Kind is "range" or "singleton".
	Kind string
	// Source names the spec that covers the port, e.g. "25000-26000".
	Source string
}

// PortRegistry owns the configured port specs and tracks which public ports
// are currently bound. Selection is deterministic: the preferred port when
// allocatable, else the numerically smallest available port.
//
// The registry never touches sockets; binding listeners is the mapping
// table's job. All methods are safe for concurrent use.
type PortRegistry struct {
	mu       sync.Mutex
	ranges   []config.PortRange
	specific []config.SpecificPort
	reserved map[int]bool
	bound    map[int]bool
}

// NewPortRegistry creates a registry over the given specs. Reserved ports
// (the gateway's own listen ports) are never handed out.
func NewPortRegistry(ranges []config.PortRange, specific []config.SpecificPort, reserved []int) *PortRegistry {
	r := &PortRegistry{
		ranges:   ranges,
		specific: specific,
		reserved: make(map[int]bool, len(reserved)),
		bound:    make(map[int]bool),
	}
	for _, p := range reserved {
		r.reserved[p] = true
	}
	return r
}

// SetSpecs replaces the port specs, e.g. after a configuration edit.
// Already-bound ports stay bound even if their spec was removed; they
// simply stop being reallocatable once released.
func (r *PortRegistry) SetSpecs(ranges []config.PortRange, specific []config.SpecificPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges = ranges
	r.specific = specific
}

// covered reports whether port falls inside an enabled spec, and names the
// covering spec. Caller holds r.mu.
func (r *PortRegistry) covered(port int) (string, string, bool) {
	for _, s := range r.specific {
		if s.Enabled && s.Port == port {
			return "singleton", fmt.Sprintf("%d", s.Port), true
		}
	}
	for _, rg := range r.ranges {
		if rg.Enabled && port >= rg.Start && port <= rg.End {
			return "range", fmt.Sprintf("%d-%d", rg.Start, rg.End), true
		}
	}
	return "", "", false
}

// Available enumerates every allocatable port in ascending order: the union
// of all enabled specs, minus bound ports and process-reserved ports.
func (r *PortRegistry) Available() []AvailablePort {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int]bool)
	out := make([]AvailablePort, 0, 64)

	add := func(port int, kind, source string) {
		if seen[port] || r.bound[port] || r.reserved[port] {
			return
		}
		seen[port] = true
		out = append(out, AvailablePort{Port: port, Kind: kind, Source: source})
	}

	for _, s := range r.specific {
		if s.Enabled {
			add(s.Port, "singleton", fmt.Sprintf("%d", s.Port))
		}
	}
	for _, rg := range r.ranges {
		if !rg.Enabled {
			continue
		}
		source := fmt.Sprintf("%d-%d", rg.Start, rg.End)
		for p := rg.Start; p <= rg.End; p++ {
			add(p, "range", source)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Allocate reserves a port. If preferred is nonzero, allocatable, and inside
// an enabled spec it is returned; otherwise the numerically smallest
// available port is. ErrNoPortAvailable when the effective set is empty.
//
// Concurrent allocations of the same preferred port: exactly one caller
// wins; the rest fall through to the smallest-available rule (or fail).
func (r *PortRegistry) Allocate(preferred int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if preferred != 0 {
		if _, _, ok := r.covered(preferred); ok && !r.bound[preferred] && !r.reserved[preferred] {
			r.bound[preferred] = true
			return preferred, nil
		}
	}

	best := 0
	scan := func(port int) {
		if r.bound[port] || r.reserved[port] {
			return
		}
		if best == 0 || port < best {
			best = port
		}
	}
	for _, s := range r.specific {
		if s.Enabled {
			scan(s.Port)
		}
	}
	for _, rg := range r.ranges {
		if !rg.Enabled {
			continue
		}
		for p := rg.Start; p <= rg.End; p++ {
			if !r.bound[p] && !r.reserved[p] {
				scan(p)
				break // ranges are ascending; first free port is the range's best
			}
		}
	}

	if best == 0 {
		return 0, ErrNoPortAvailable
	}
	r.bound[best] = true
	return best, nil
}

// Release returns a port to the pool. Idempotent.
func (r *PortRegistry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bound, port)
}

// Bound reports whether the port is currently allocated.
func (r *PortRegistry) Bound(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bound[port]
}
