// Package ports implements exclusive port allocation for bot instances and
// the synchronization of allocated ports into on-disk configuration files.
package ports

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"go.uber.org/zap"

	fleeterrors "github.com/botherd/botherd/internal/common/errors"
	"github.com/botherd/botherd/internal/common/logger"
)

const (
	DefaultBasePort = 8000
	DefaultMaxPort  = 9000
)

// reservedPorts are well-known service ports the allocator never hands out,
// regardless of whether they are currently bindable.
var reservedPorts = map[int]struct{}{
	22: {}, 23: {}, 25: {}, 53: {}, 67: {}, 68: {}, 80: {}, 123: {}, 143: {},
	161: {}, 162: {}, 389: {}, 443: {}, 465: {}, 587: {}, 636: {}, 993: {},
	995: {}, 3306: {}, 3389: {}, 5432: {}, 5984: {}, 6379: {}, 27017: {},
	27018: {}, 27019: {}, 27020: {}, 3000: {}, 4200: {}, 5000: {}, 5005: {},
	8080: {}, 8443: {}, 9000: {}, 9090: {}, 9200: {}, 9300: {},
}

// Role names the purpose a port serves for an instance. Every exclusive
// allocation is tagged with its role so that re-running a sync, or seeding
// the allocator from disk after a restart, maps each port back to the file
// field it belongs to.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleCompanion Role = "companion"
	RoleWebUI     Role = "webui"
)

// Allocator hands out exclusive ports to instances within a scan range.
// Linked ports are recorded alongside the exclusive allocations: they
// represent the same logical channel seen from two files (bot-side listen
// and adapter-side connect) and are deliberately excluded from the
// uniqueness check.
type Allocator struct {
	basePort int
	maxPort  int

	// instanceID -> exclusively allocated ports
	allocations map[string][]int
	// instanceID -> role -> port
	roles map[string]map[Role]int
	// instanceID -> linked ports
	linked map[string][]int
	// port -> owning instanceIDs (non-linked); more than one owner only
	// after Import of conflicting on-disk state
	owners map[int][]string

	probe  func(port int) error
	logger *logger.Logger
	mu     sync.Mutex
}

// NewAllocator creates an allocator scanning [basePort, maxPort]. Zero values
// select the defaults.
func NewAllocator(basePort, maxPort int, log *logger.Logger) *Allocator {
	if basePort <= 0 {
		basePort = DefaultBasePort
	}
	if maxPort <= 0 {
		maxPort = DefaultMaxPort
	}
	if log == nil {
		log = logger.Default()
	}
	return &Allocator{
		basePort:    basePort,
		maxPort:     maxPort,
		allocations: make(map[string][]int),
		roles:       make(map[string]map[Role]int),
		linked:      make(map[string][]int),
		owners:      make(map[int][]string),
		probe:       probeBind,
		logger:      log,
	}
}

// SetProbe replaces the bind probe, for tests.
func (a *Allocator) SetProbe(probe func(port int) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probe = probe
}

// probeBind checks that a port is actually bindable on this host. The
// listener is closed immediately; the reservation lives in the allocation
// map, not in the socket.
func probeBind(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}

// Allocate assigns the primary exclusive port to an instance. It is
// idempotent: an instance that already holds a primary port gets the same
// port back. A preferred port is accepted only if it is free, unreserved,
// and bindable; a rejected preference fails with PortUnavailable rather
// than silently falling back. With no preference the scan range is walked
// upward; exhaustion fails with PortExhausted.
func (a *Allocator) Allocate(instanceID string, preferred int) (int, error) {
	return a.AllocateRole(instanceID, RolePrimary, preferred)
}

// AllocateRole assigns an exclusive port to one role of an instance
// (companion listener, web UI). Idempotent per role; otherwise the same
// preference rules as Allocate.
func (a *Allocator) AllocateRole(instanceID string, role Role, preferred int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.roles[instanceID][role]; ok {
		return port, nil
	}
	return a.allocateLocked(instanceID, role, preferred)
}

func (a *Allocator) allocateLocked(instanceID string, role Role, preferred int) (int, error) {
	if preferred > 0 {
		if err := a.usableLocked(preferred); err != nil {
			return 0, err
		}
		a.recordLocked(instanceID, role, preferred)
		return preferred, nil
	}

	for port := a.basePort; port <= a.maxPort; port++ {
		if a.usableLocked(port) != nil {
			continue
		}
		a.recordLocked(instanceID, role, port)
		return port, nil
	}
	return 0, fleeterrors.PortExhausted(a.basePort, a.maxPort)
}

// usableLocked reports why a port cannot be handed out, or nil.
func (a *Allocator) usableLocked(port int) error {
	if _, reserved := reservedPorts[port]; reserved {
		return fleeterrors.PortUnavailable(port, "reserved")
	}
	if owners := a.owners[port]; len(owners) > 0 {
		return fleeterrors.PortUnavailable(port, fmt.Sprintf("allocated to %s", owners[0]))
	}
	if err := a.probe(port); err != nil {
		return fleeterrors.PortUnavailable(port, "bind probe failed")
	}
	return nil
}

func (a *Allocator) recordLocked(instanceID string, role Role, port int) {
	a.allocations[instanceID] = append(a.allocations[instanceID], port)
	a.owners[port] = append(a.owners[port], instanceID)
	if a.roles[instanceID] == nil {
		a.roles[instanceID] = make(map[Role]int)
	}
	a.roles[instanceID][role] = port
	a.logger.Debug("Port allocated",
		zap.String("instance", instanceID),
		zap.String("role", string(role)),
		zap.Int("port", port))
}

// AllocateLinked records a linked port for an instance. Linked ports bypass
// the uniqueness check: within one instance a linked pair may be numerically
// equal to an exclusive allocation by design.
func (a *Allocator) AllocateLinked(instanceID string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, existing := range a.linked[instanceID] {
		if existing == port {
			return
		}
	}
	a.linked[instanceID] = append(a.linked[instanceID], port)
}

// Release frees every port held by an instance, exclusive and linked.
func (a *Allocator) Release(instanceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, port := range a.allocations[instanceID] {
		owners := a.owners[port]
		for i, id := range owners {
			if id == instanceID {
				a.owners[port] = append(owners[:i], owners[i+1:]...)
				break
			}
		}
		if len(a.owners[port]) == 0 {
			delete(a.owners, port)
		}
	}
	delete(a.allocations, instanceID)
	delete(a.roles, instanceID)
	delete(a.linked, instanceID)
}

// Import seeds one role's allocation from persisted or on-disk state without
// a bind probe. On restart the ports written to disk are ground truth even
// when the processes holding them are still bound, so probing would wrongly
// reject them. Conflicting imports are recorded and become visible via
// FindConflicts.
func (a *Allocator) Import(instanceID string, role Role, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.roles[instanceID][role]; ok && existing == port {
		return
	}
	a.recordLocked(instanceID, role, port)
}

// FindConflicts returns every port held by more than one instance, with the
// holders. Conflicts can only arise from Import of inconsistent on-disk
// state; normal allocation never produces one.
func (a *Allocator) FindConflicts() map[int][]string {
	a.mu.Lock()
	defer a.mu.Unlock()

	conflicts := make(map[int][]string)
	for port, owners := range a.owners {
		if len(owners) > 1 {
			conflicts[port] = append([]string(nil), owners...)
		}
	}
	return conflicts
}

// Port returns the primary port of an instance.
func (a *Allocator) Port(instanceID string) (int, bool) {
	return a.RolePort(instanceID, RolePrimary)
}

// RolePort returns the port held by one role of an instance.
func (a *Allocator) RolePort(instanceID string, role Role) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.roles[instanceID][role]
	return port, ok
}

// Assignments returns a copy of all exclusive allocations.
func (a *Allocator) Assignments() map[string][]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string][]int, len(a.allocations))
	for id, ports := range a.allocations {
		out[id] = append([]int(nil), ports...)
	}
	return out
}

// LinkedPorts returns a copy of an instance's linked ports.
func (a *Allocator) LinkedPorts(instanceID string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.linked[instanceID]...)
}

// NextAvailable reports the next port the scan would hand out, without
// allocating it.
func (a *Allocator) NextAvailable() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.basePort; port <= a.maxPort; port++ {
		if a.usableLocked(port) == nil {
			return port, nil
		}
	}
	return 0, fleeterrors.PortExhausted(a.basePort, a.maxPort)
}

// AllocatedPorts returns every exclusively allocated port in ascending order.
func (a *Allocator) AllocatedPorts() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]int, 0, len(a.owners))
	for port := range a.owners {
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}
