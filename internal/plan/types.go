// Package plan provides the execution plan data model and the plan source
// parser.
//
// A plan is an ordered list of step groups. Each group carries a concurrency
// mode (parallel or sequential), a dependency list naming other groups, an
// opaque strategy tag, and an ordered list of steps. Groups form a directed
// acyclic graph that determines scheduling order; steps inside a group are
// the unit of execution.
//
// The package defines the core data types used throughout the engine
// lifecycle:
//   - Parsing: ExecutionPlan, StepGroup, StepDefinition
//   - Scheduling: GroupStatus, StepStatus, Waves
//   - Results: Result
//
// These are pure data types plus pure functions over them. Nothing in this
// package performs I/O beyond reading plan source bytes handed to it.
package plan

import "time"

// -----------------------------------------------------------------------------
// Step Status
// -----------------------------------------------------------------------------

// StepStatus represents the lifecycle state of a single step.
//
// Status moves only forward:
//
//	pending -> blocked -> in_progress -> completed | failed | skipped
//
// The sole backward transition is the explicit resume-reset of in_progress
// steps found at startup, performed by the state store.
type StepStatus string

const (
	// StepPending indicates the step has not been dispatched yet.
	StepPending StepStatus = "pending"

	// StepBlocked indicates the step is waiting on its group's dependencies.
	StepBlocked StepStatus = "blocked"

	// StepInProgress indicates a worker is currently executing the step.
	StepInProgress StepStatus = "in_progress"

	// StepCompleted indicates the step finished successfully.
	StepCompleted StepStatus = "completed"

	// StepFailed indicates the step failed permanently (retries exhausted
	// or a blocking failure).
	StepFailed StepStatus = "failed"

	// StepSkipped indicates the step was never executed because an upstream
	// group failed.
	StepSkipped StepStatus = "skipped"
)

// String returns the string representation of the status.
func (s StepStatus) String() string { return string(s) }

// IsTerminal returns true if this status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// stepStatusRank orders statuses so that legal transitions only move forward.
var stepStatusRank = map[StepStatus]int{
	StepPending:    0,
	StepBlocked:    1,
	StepInProgress: 2,
	StepCompleted:  3,
	StepFailed:     3,
	StepSkipped:    3,
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Terminal statuses admit no transitions. Skipped may be entered
// from any non-terminal status; the other terminal statuses require the step
// to have been in progress first, except that a dispatch failure may fail a
// step straight from pending or blocked.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StepSkipped || next == StepFailed {
		return true
	}
	return stepStatusRank[next] > stepStatusRank[s]
}

// -----------------------------------------------------------------------------
// Group Status
// -----------------------------------------------------------------------------

// GroupStatus represents the lifecycle state of a step group.
//
// The group state machine is:
//
//	blocked -> eligible -> running -> completed | failed
//
// with skipped entered from blocked or eligible when an upstream group fails.
type GroupStatus string

const (
	// GroupBlocked indicates the group's dependencies are not all completed.
	GroupBlocked GroupStatus = "blocked"

	// GroupEligible indicates every dependency is completed and the group is
	// awaiting dispatch.
	GroupEligible GroupStatus = "eligible"

	// GroupRunning indicates at least one of the group's steps is executing.
	GroupRunning GroupStatus = "running"

	// GroupCompleted indicates every step in the group completed.
	GroupCompleted GroupStatus = "completed"

	// GroupFailed indicates at least one step failed permanently.
	GroupFailed GroupStatus = "failed"

	// GroupSkipped indicates the group was never run because a group it
	// transitively depends on failed.
	GroupSkipped GroupStatus = "skipped"
)

// String returns the string representation of the status.
func (s GroupStatus) String() string { return string(s) }

// IsTerminal returns true if this status represents a final state.
func (s GroupStatus) IsTerminal() bool {
	return s == GroupCompleted || s == GroupFailed || s == GroupSkipped
}

// -----------------------------------------------------------------------------
// Step Definition
// -----------------------------------------------------------------------------

// Result holds the terminal outcome of a step.
type Result struct {
	// Success is true if the step's work succeeded.
	Success bool `json:"success" yaml:"success"`

	// Message carries the executor's output summary on success, or the
	// classified failure reason on failure.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// StepDefinition represents a single step within a group.
//
// The parse-time fields (ID, Title, Command, Inputs) describe what the step
// is; the runtime fields (Status, Attempts, WorkerID, Result) track its
// execution and are mutated only through the state store's transactional API.
type StepDefinition struct {
	// ID uniquely identifies this step within the plan.
	ID string `json:"id" yaml:"id"`

	// GroupID is the ID of the group this step belongs to.
	// Populated by the parser; not written in plan source.
	GroupID string `json:"group_id" yaml:"-"`

	// Title is a short, human-readable name for the step.
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// Command is the work description handed to the step executor.
	// The engine never interprets it.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Inputs carries opaque key/value inputs for the step executor.
	Inputs map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Status is the step's current lifecycle state.
	Status StepStatus `json:"status,omitempty" yaml:"-"`

	// Attempts is the number of execution attempts made so far.
	// Preserved across process restarts.
	Attempts int `json:"attempts,omitempty" yaml:"-"`

	// WorkerID identifies the worker that last executed this step.
	WorkerID string `json:"assigned_worker_id,omitempty" yaml:"-"`

	// Result is the terminal outcome, set when the step reaches a terminal
	// status.
	Result *Result `json:"result,omitempty" yaml:"-"`
}

// -----------------------------------------------------------------------------
// Step Group
// -----------------------------------------------------------------------------

// StepGroup represents a named set of steps sharing a concurrency mode and a
// dependency list.
type StepGroup struct {
	// ID uniquely identifies this group within the plan.
	ID string `json:"id" yaml:"id"`

	// Title is a short, human-readable name for the group.
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// Parallel selects the group's concurrency mode. When true, the group's
	// steps execute concurrently, each under its own isolation lease. When
	// false (the default), steps execute strictly in declared order and the
	// group halts on the first permanent failure.
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`

	// DependsOn lists group IDs that must be fully completed before this
	// group may run. An empty list means the group is immediately eligible.
	DependsOn []string `json:"depends_on" yaml:"depends_on"`

	// Strategy is an opaque tag passed through to callers. The engine never
	// interprets it.
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// BestEffort exempts this group from cascade-skip: when a group it
	// depends on fails, the group still runs once its dependencies reach a
	// terminal status. Best-effort groups do not count toward overall plan
	// success.
	BestEffort bool `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`

	// Steps are the group's steps in declared order.
	Steps []StepDefinition `json:"steps" yaml:"steps"`
}

// StepIDs returns the IDs of the group's steps in declared order.
func (g *StepGroup) StepIDs() []string {
	ids := make([]string, len(g.Steps))
	for i := range g.Steps {
		ids[i] = g.Steps[i].ID
	}
	return ids
}

// -----------------------------------------------------------------------------
// Execution Plan
// -----------------------------------------------------------------------------

// ExecutionPlan is the full parsed dependency graph of groups and steps for
// one run. It is constructed once at parse time and thereafter mutated only
// through the state store's transactional API.
type ExecutionPlan struct {
	// ID uniquely identifies this plan. Generated at parse time unless the
	// source document carries one.
	ID string `json:"id" yaml:"id"`

	// Name is an optional human-readable plan name from the source.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// SourceRef records where the plan source came from (a file path or
	// "inline"). Informational only.
	SourceRef string `json:"source_ref,omitempty" yaml:"-"`

	// Groups are the plan's step groups in declared order.
	Groups []StepGroup `json:"groups" yaml:"groups"`

	// DependencyGraph maps each group ID to its dependency list.
	// Computed from group DependsOn fields for efficient lookup.
	DependencyGraph map[string][]string `json:"dependency_graph" yaml:"-"`

	// CreatedAt is when this plan was parsed.
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Group returns the group with the given ID, or nil if not found.
func (p *ExecutionPlan) Group(groupID string) *StepGroup {
	for i := range p.Groups {
		if p.Groups[i].ID == groupID {
			return &p.Groups[i]
		}
	}
	return nil
}

// Step returns the step with the given ID, or nil if not found.
func (p *ExecutionPlan) Step(stepID string) *StepDefinition {
	for gi := range p.Groups {
		for si := range p.Groups[gi].Steps {
			if p.Groups[gi].Steps[si].ID == stepID {
				return &p.Groups[gi].Steps[si]
			}
		}
	}
	return nil
}

// GroupCount returns the number of groups in the plan.
func (p *ExecutionPlan) GroupCount() int { return len(p.Groups) }

// StepCount returns the total number of steps across all groups.
func (p *ExecutionPlan) StepCount() int {
	n := 0
	for i := range p.Groups {
		n += len(p.Groups[i].Steps)
	}
	return n
}
