// Package state persists plan execution progress so a run is resumable
// after a crash.
//
// The store keeps one JSON document per run: the full ExecutionPlan plus the
// per-group statuses, the active isolation-lease table, and timestamps. All
// mutation goes through the Store's transactional Update method, which
// serializes writers in-process with a mutex and across processes with
// flock(2), and commits every transition to disk atomically (temp file +
// rename) before returning. A crash immediately after a committed step
// therefore never loses that result.
package state

import (
	"fmt"
	"time"

	"github.com/planrun/planrun/internal/plan"
)

// LeaseRecord is the persisted view of an active isolation lease. Kept so a
// resumed run can report (and a supervisor can clean up) sandboxes that were
// live when the process died.
type LeaseRecord struct {
	// LeaseID is the isolation manager's ID for the lease.
	LeaseID string `json:"lease_id"`

	// UnitID is the execution unit (step ID) holding the lease.
	UnitID string `json:"unit_id"`

	// WorkspacePath is the sandbox directory granted to the unit.
	WorkspacePath string `json:"workspace_path"`

	// Ports are the resource handles reserved for the unit.
	Ports []int `json:"ports,omitempty"`
}

// ExecutionState is the durable snapshot of one run.
type ExecutionState struct {
	// PlanID identifies the plan this state belongs to.
	PlanID string `json:"plan_id"`

	// Plan is the full parsed plan, embedded so resume does not depend on
	// the original source file still existing. Step-level status, attempts,
	// and results live on the plan's step definitions.
	Plan *plan.ExecutionPlan `json:"plan"`

	// GroupStatus maps group ID to its current lifecycle state.
	GroupStatus map[string]plan.GroupStatus `json:"group_status"`

	// Leases is the active isolation-lease table, keyed by step ID.
	Leases map[string]LeaseRecord `json:"leases"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// UpdatedAt is when the last transition was committed.
	UpdatedAt time.Time `json:"updated_at"`

	// ArchivedAt is set when every group has reached a terminal status.
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// newExecutionState initializes run state from a freshly parsed plan:
// every step pending, every group blocked except dependency-free groups,
// which start eligible.
func newExecutionState(p *plan.ExecutionPlan) *ExecutionState {
	s := &ExecutionState{
		PlanID:      p.ID,
		Plan:        p,
		GroupStatus: make(map[string]plan.GroupStatus, len(p.Groups)),
		Leases:      make(map[string]LeaseRecord),
		StartedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	for i := range p.Groups {
		g := &p.Groups[i]
		if len(g.DependsOn) == 0 {
			s.GroupStatus[g.ID] = plan.GroupEligible
		} else {
			s.GroupStatus[g.ID] = plan.GroupBlocked
		}
	}
	return s
}

// SetStepStatus transitions a step to the given status, enforcing the
// forward-only status machine.
func (s *ExecutionState) SetStepStatus(stepID string, status plan.StepStatus) error {
	step := s.Plan.Step(stepID)
	if step == nil {
		return fmt.Errorf("unknown step %q", stepID)
	}
	if step.Status == status {
		return nil
	}
	if !step.Status.CanTransitionTo(status) {
		return fmt.Errorf("illegal step transition %s: %s -> %s", stepID, step.Status, status)
	}
	step.Status = status
	return nil
}

// SetGroupStatus transitions a group to the given status. Terminal group
// statuses are sticky.
func (s *ExecutionState) SetGroupStatus(groupID string, status plan.GroupStatus) error {
	current, ok := s.GroupStatus[groupID]
	if !ok {
		return fmt.Errorf("unknown group %q", groupID)
	}
	if current == status {
		return nil
	}
	if current.IsTerminal() {
		return fmt.Errorf("illegal group transition %s: %s -> %s", groupID, current, status)
	}
	s.GroupStatus[groupID] = status
	return nil
}

// RecordAttempt increments a step's attempt counter and records the worker
// that ran it.
func (s *ExecutionState) RecordAttempt(stepID, workerID string) error {
	step := s.Plan.Step(stepID)
	if step == nil {
		return fmt.Errorf("unknown step %q", stepID)
	}
	step.Attempts++
	step.WorkerID = workerID
	return nil
}

// RecordResult sets a step's terminal result.
func (s *ExecutionState) RecordResult(stepID string, res plan.Result) error {
	step := s.Plan.Step(stepID)
	if step == nil {
		return fmt.Errorf("unknown step %q", stepID)
	}
	step.Result = &res
	return nil
}

// PutLease records an active lease for a step.
func (s *ExecutionState) PutLease(stepID string, rec LeaseRecord) {
	s.Leases[stepID] = rec
}

// DropLease removes a step's lease record.
func (s *ExecutionState) DropLease(stepID string) {
	delete(s.Leases, stepID)
}

// AllTerminal reports whether every group has reached a terminal status.
func (s *ExecutionState) AllTerminal() bool {
	for _, status := range s.GroupStatus {
		if !status.IsTerminal() {
			return false
		}
	}
	return true
}
