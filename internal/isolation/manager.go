// Package isolation grants each concurrently-running step an exclusive
// execution sandbox: a private workspace directory plus a disjoint set of
// reserved network ports drawn from a shared pool.
//
// All shared mutable state (the port free-list and the active lease table)
// lives behind the Manager's internal mutex. Allocation pops from the
// free-list under the lock, so concurrent Acquire calls can never observe
// the same port twice; there is no check-then-act window. Nothing outside
// this package touches the pool or the workspace namespace directly.
package isolation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	enginerr "github.com/planrun/planrun/internal/errors"
	"github.com/planrun/planrun/internal/logging"
)

// Lease is the exclusive right to a workspace and a set of reserved ports
// for one executing unit. Leases are returned by Acquire and must be handed
// back to Release exactly once; extra Releases are harmless.
type Lease struct {
	// ID uniquely identifies the lease.
	ID string

	// UnitID is the execution unit (step ID) the lease was granted to.
	UnitID string

	// WorkspacePath is the sandbox directory, private to this lease.
	WorkspacePath string

	// Ports are the reserved port numbers, disjoint from every other
	// active lease.
	Ports []int

	// AcquiredAt is when the lease was granted.
	AcquiredAt time.Time
}

// Config holds Manager construction parameters.
type Config struct {
	// Root is the directory under which workspaces are created.
	Root string

	// TemplateDir, when non-empty, is copied into each new workspace.
	TemplateDir string

	// Slots caps the number of concurrently active leases.
	Slots int

	// PortRangeStart and PortRangeEnd bound the reservable port pool,
	// inclusive.
	PortRangeStart int
	PortRangeEnd   int

	// PortsPerLease is how many ports each lease reserves.
	PortsPerLease int
}

// Manager hands out isolation leases. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *logging.Logger

	mu        sync.Mutex
	freePorts []int
	active    map[string]*Lease // lease ID -> lease
	byUnit    map[string]string // unit ID -> lease ID
}

// NewManager creates a Manager, materializing the workspace root and
// populating the port free-list.
func NewManager(cfg Config, logger *logging.Logger) (*Manager, error) {
	if cfg.Slots <= 0 {
		return nil, fmt.Errorf("isolation: slots must be positive, got %d", cfg.Slots)
	}
	if cfg.PortsPerLease < 0 {
		return nil, fmt.Errorf("isolation: ports per lease must not be negative, got %d", cfg.PortsPerLease)
	}
	if cfg.PortRangeEnd < cfg.PortRangeStart {
		return nil, fmt.Errorf("isolation: invalid port range %d-%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("isolation: create workspace root: %w", err)
	}

	free := make([]int, 0, cfg.PortRangeEnd-cfg.PortRangeStart+1)
	for p := cfg.PortRangeStart; p <= cfg.PortRangeEnd; p++ {
		free = append(free, p)
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger,
		freePorts: free,
		active:    make(map[string]*Lease),
		byUnit:    make(map[string]string),
	}, nil
}

// Acquire grants unitID an exclusive sandbox: a fresh workspace directory
// and PortsPerLease reserved ports. If no workspace slot or not enough free
// ports remain, it fails with a retryable ResourceError wrapping
// ErrResourcePoolExhausted. A unit may hold at most one lease at a time.
func (m *Manager) Acquire(ctx context.Context, unitID string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, held := m.byUnit[unitID]; held {
		m.mu.Unlock()
		return nil, enginerr.NewResourceError("acquire", unitID,
			fmt.Errorf("unit already holds a lease"))
	}
	if len(m.active) >= m.cfg.Slots {
		m.mu.Unlock()
		return nil, enginerr.NewResourceError("acquire workspace", unitID,
			enginerr.ErrResourcePoolExhausted)
	}
	if len(m.freePorts) < m.cfg.PortsPerLease {
		m.mu.Unlock()
		return nil, enginerr.NewResourceError("reserve ports", unitID,
			enginerr.ErrResourcePoolExhausted)
	}

	// Pop from the free-list while still holding the lock; this is the
	// only place ports leave the pool.
	ports := make([]int, m.cfg.PortsPerLease)
	copy(ports, m.freePorts[:m.cfg.PortsPerLease])
	m.freePorts = m.freePorts[m.cfg.PortsPerLease:]

	lease := &Lease{
		ID:         uuid.NewString(),
		UnitID:     unitID,
		Ports:      ports,
		AcquiredAt: time.Now(),
	}
	lease.WorkspacePath = filepath.Join(m.cfg.Root, lease.ID)
	m.active[lease.ID] = lease
	m.byUnit[unitID] = lease.ID
	m.mu.Unlock()

	if err := m.materialize(lease); err != nil {
		// Roll the reservation back so a workspace failure never leaks
		// ports or a slot.
		m.reclaim(lease)
		return nil, enginerr.NewResourceError("create workspace", unitID,
			fmt.Errorf("%w: %v", enginerr.ErrWorkspaceUnavailable, err))
	}

	m.logger.Debug("lease acquired",
		"lease_id", lease.ID, "unit_id", unitID,
		"workspace", lease.WorkspacePath, "ports", lease.Ports)
	return lease, nil
}

// Release tears down the lease's workspace and returns its ports to the
// pool. Releasing a lease that is no longer active is a no-op, so callers
// can release unconditionally on every exit path.
func (m *Manager) Release(lease *Lease) error {
	if lease == nil {
		return nil
	}

	m.mu.Lock()
	if _, held := m.active[lease.ID]; !held {
		m.mu.Unlock()
		return nil
	}
	delete(m.active, lease.ID)
	delete(m.byUnit, lease.UnitID)
	m.freePorts = append(m.freePorts, lease.Ports...)
	m.mu.Unlock()

	if err := os.RemoveAll(lease.WorkspacePath); err != nil {
		return enginerr.NewResourceError("remove workspace", lease.UnitID, err)
	}

	m.logger.Debug("lease released", "lease_id", lease.ID, "unit_id", lease.UnitID)
	return nil
}

// WithLease runs fn inside a scoped acquisition: the lease is released on
// every exit path, including panics.
func (m *Manager) WithLease(ctx context.Context, unitID string, fn func(*Lease) error) error {
	lease, err := m.Acquire(ctx, unitID)
	if err != nil {
		return err
	}
	defer func() { _ = m.Release(lease) }()
	return fn(lease)
}

// ActiveLeases returns a snapshot of the currently held leases.
func (m *Manager) ActiveLeases() []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lease, 0, len(m.active))
	for _, l := range m.active {
		out = append(out, *l)
	}
	return out
}

// FreePortCount returns how many ports remain in the pool.
func (m *Manager) FreePortCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.freePorts)
}

// reclaim undoes a reservation whose workspace failed to materialize.
func (m *Manager) reclaim(lease *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.active[lease.ID]; !held {
		return
	}
	delete(m.active, lease.ID)
	delete(m.byUnit, lease.UnitID)
	m.freePorts = append(m.freePorts, lease.Ports...)
}

// materialize creates the lease's workspace directory, seeding it from the
// template directory when one is configured.
func (m *Manager) materialize(lease *Lease) error {
	if err := os.MkdirAll(lease.WorkspacePath, 0755); err != nil {
		return err
	}
	if m.cfg.TemplateDir == "" {
		return nil
	}
	if err := copyTree(m.cfg.TemplateDir, lease.WorkspacePath); err != nil {
		_ = os.RemoveAll(lease.WorkspacePath)
		return err
	}
	return nil
}
