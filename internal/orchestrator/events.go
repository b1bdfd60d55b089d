package orchestrator

import (
	"github.com/planrun/planrun/internal/plan"
	"github.com/planrun/planrun/internal/runner"
)

// EventHandler receives lifecycle notifications as the plan executes.
// Step callbacks fire from worker goroutines and group callbacks from the
// scheduling loop, so implementations must be safe for concurrent use.
// All callbacks are fire-and-forget; returning does not influence
// scheduling.
type EventHandler interface {
	// OnGroupStarted fires when a group transitions to running.
	OnGroupStarted(group *plan.StepGroup)

	// OnGroupFinished fires when a group reaches a terminal status.
	OnGroupFinished(group *plan.StepGroup, status plan.GroupStatus)

	// OnStepStarted fires when a worker picks up a step.
	OnStepStarted(step *plan.StepDefinition, workerID string)

	// OnStepFinished fires when a step reaches a terminal status, including
	// skipped steps that never ran.
	OnStepFinished(step *plan.StepDefinition, res runner.StepResult)
}

// NopEvents is an EventHandler that ignores everything. Embed it to
// implement only the callbacks you care about.
type NopEvents struct{}

// OnGroupStarted implements EventHandler.
func (NopEvents) OnGroupStarted(*plan.StepGroup) {}

// OnGroupFinished implements EventHandler.
func (NopEvents) OnGroupFinished(*plan.StepGroup, plan.GroupStatus) {}

// OnStepStarted implements EventHandler.
func (NopEvents) OnStepStarted(*plan.StepDefinition, string) {}

// OnStepFinished implements EventHandler.
func (NopEvents) OnStepFinished(*plan.StepDefinition, runner.StepResult) {}
