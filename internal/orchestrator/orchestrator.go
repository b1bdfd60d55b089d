// Package orchestrator drives an execution plan to completion.
//
// The scheduling loop is single-writer: group eligibility is computed and
// group transitions are committed by one goroutine, serialized through the
// state store's transactional update path. Step work runs on a bounded
// worker pool and reports back over a channel, so a blocked step never
// blocks scheduling.
//
// The per-group state machine is
//
//	blocked -> eligible -> running -> completed | failed
//
// with skipped entered when a group the group transitively depends on
// fails (best-effort groups are exempt).
package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	enginerr "github.com/planrun/planrun/internal/errors"
	"github.com/planrun/planrun/internal/isolation"
	"github.com/planrun/planrun/internal/logging"
	"github.com/planrun/planrun/internal/plan"
	"github.com/planrun/planrun/internal/runner"
	"github.com/planrun/planrun/internal/state"
)

// Options configures an Orchestrator.
type Options struct {
	// MaxConcurrency bounds how many steps execute at once across the whole
	// plan. Values below one are clamped to one.
	MaxConcurrency int

	// StepTimeout is the per-step execution deadline. Zero disables it.
	StepTimeout time.Duration

	// Policy is the retry policy for transient step failures. A zero value
	// selects runner.DefaultPolicy.
	Policy runner.Policy

	// Events receives lifecycle callbacks. Nil means no callbacks.
	Events EventHandler

	// Logger receives engine logs. Nil means no logging.
	Logger *logging.Logger
}

// groupOutcome is a finished group reported back to the scheduling loop.
type groupOutcome struct {
	group  *plan.StepGroup
	status plan.GroupStatus
}

// Orchestrator executes one plan.
type Orchestrator struct {
	store  *state.Store
	iso    *isolation.Manager
	exec   runner.StepExecutor
	run    *runner.Runner
	slots  *workerSlots
	policy runner.Policy
	events EventHandler
	logger *logging.Logger

	nextWorker atomic.Int64
	groupDone  chan groupOutcome
}

// New constructs an orchestrator over an already-initialized state store.
// For a resumed run, apply the store's resume reset before calling Execute.
func New(store *state.Store, iso *isolation.Manager, exec runner.StepExecutor, opts Options) *Orchestrator {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = runner.DefaultPolicy()
	}
	if opts.Events == nil {
		opts.Events = NopEvents{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Orchestrator{
		store:     store,
		iso:       iso,
		exec:      exec,
		run:       runner.NewRunner(store, opts.Policy, opts.StepTimeout, opts.Logger),
		slots:     newWorkerSlots(opts.MaxConcurrency),
		policy:    opts.Policy,
		events:    opts.Events,
		logger:    opts.Logger.WithPlan(store.Plan().ID),
		groupDone: make(chan groupOutcome, store.Plan().GroupCount()),
	}
}

// Execute drives the plan until every group is terminal, then archives the
// state and returns the final report. Cancelling ctx stops new dispatch,
// requests cooperative cancellation of in-flight steps, and marks
// never-started groups skipped; completed steps are never rolled back.
//
// Step failures never surface as an error here: they land in the report.
// The returned error is reserved for fatal conditions (state store IO).
func (o *Orchestrator) Execute(ctx context.Context) (*Report, error) {
	p := o.store.Plan()
	o.logger.Info("plan execution started",
		"groups", p.GroupCount(),
		"steps", p.StepCount(),
		"max_concurrency", o.slots.size,
	)

	running := make(map[string]*plan.StepGroup)
	canceled := false

	for {
		if canceled {
			if err := o.skipRemaining(running); err != nil {
				return nil, err
			}
		}

		toStart, err := o.collectEligible(running, canceled)
		if err != nil {
			return nil, err
		}
		for _, g := range toStart {
			running[g.ID] = g
			o.events.OnGroupStarted(g)
			o.logger.Info("group started", "group_id", g.ID, "parallel", g.Parallel, "steps", len(g.Steps))
			go o.runGroup(ctx, g)
		}

		if len(running) == 0 {
			var remaining int
			o.store.View(func(s *state.ExecutionState) {
				for _, status := range s.GroupStatus {
					if !status.IsTerminal() {
						remaining++
					}
				}
			})
			if remaining == 0 {
				break
			}
			if canceled {
				continue
			}
			return nil, fmt.Errorf("scheduler stalled: nothing running, %d groups not terminal", remaining)
		}

		if canceled {
			out := <-o.groupDone
			delete(running, out.group.ID)
			if err := o.commitGroup(out); err != nil {
				return nil, err
			}
			continue
		}
		select {
		case out := <-o.groupDone:
			delete(running, out.group.ID)
			if err := o.commitGroup(out); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			canceled = true
			o.logger.Warn("cancellation requested, draining in-flight groups", "in_flight", len(running))
		}
	}

	if err := o.store.Archive(); err != nil {
		return nil, err
	}
	var report *Report
	o.store.View(func(s *state.ExecutionState) {
		report = NewReport(s)
	})
	o.logger.Info("plan execution finished", "success", report.Success)
	return report, nil
}

// collectEligible marks startable groups running and returns them.
// Eligibility and the transition commit happen inside one store update, so
// scheduling decisions are serialized with every other state writer.
func (o *Orchestrator) collectEligible(running map[string]*plan.StepGroup, canceled bool) ([]*plan.StepGroup, error) {
	if canceled {
		return nil, nil
	}
	var eligible []*plan.StepGroup
	var skipped []*plan.StepGroup
	err := o.store.Update(func(s *state.ExecutionState) error {
		for i := range s.Plan.Groups {
			g := &s.Plan.Groups[i]
			if running[g.ID] != nil || s.GroupStatus[g.ID].IsTerminal() {
				continue
			}
			ready, failedDep := o.depsReady(s, g)
			if failedDep != "" {
				// Covers resumed runs that already contain failed groups;
				// live failures cascade in commitGroup.
				reason := fmt.Sprintf("skipped: upstream group %s did not complete", failedDep)
				if err := skipGroupLocked(s, g, reason); err != nil {
					return err
				}
				skipped = append(skipped, g)
				continue
			}
			if !ready {
				continue
			}
			if err := s.SetGroupStatus(g.ID, plan.GroupEligible); err != nil {
				return err
			}
			if err := s.SetGroupStatus(g.ID, plan.GroupRunning); err != nil {
				return err
			}
			eligible = append(eligible, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, g := range skipped {
		o.events.OnGroupFinished(g, plan.GroupSkipped)
	}
	return eligible, nil
}

// depsReady reports whether a group's dependencies allow it to start.
// A non-best-effort group is ready only when every dependency completed;
// failedDep names a dependency that failed or was skipped, which dooms the
// group. A best-effort group is ready as soon as every dependency is
// terminal, whatever the outcome.
func (o *Orchestrator) depsReady(s *state.ExecutionState, g *plan.StepGroup) (ready bool, failedDep string) {
	for _, dep := range g.DependsOn {
		status := s.GroupStatus[dep]
		if g.BestEffort {
			if !status.IsTerminal() {
				return false, ""
			}
			continue
		}
		switch status {
		case plan.GroupCompleted:
		case plan.GroupFailed, plan.GroupSkipped:
			return false, dep
		default:
			return false, ""
		}
	}
	return true, ""
}

// commitGroup records a finished group and cascades skips over its
// dependents when it failed.
func (o *Orchestrator) commitGroup(out groupOutcome) error {
	var skipped []*plan.StepGroup
	err := o.store.Update(func(s *state.ExecutionState) error {
		if err := s.SetGroupStatus(out.group.ID, out.status); err != nil {
			return err
		}
		if out.status == plan.GroupFailed {
			return o.cascadeSkip(s, out.group.ID, &skipped)
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.logger.Info("group finished", "group_id", out.group.ID, "status", out.status.String())
	o.events.OnGroupFinished(out.group, out.status)
	for _, g := range skipped {
		o.logger.Info("group skipped", "group_id", g.ID)
		o.events.OnGroupFinished(g, plan.GroupSkipped)
	}
	return nil
}

// cascadeSkip marks the dependents of a group that did not complete as
// skipped, recursively, so the skip reaches exactly the transitive
// dependents of the failure. Best-effort groups stop the walk: they run
// opportunistically once their dependencies are terminal, and their own
// dependents follow their actual outcome.
func (o *Orchestrator) cascadeSkip(s *state.ExecutionState, failedID string, skipped *[]*plan.StepGroup) error {
	for i := range s.Plan.Groups {
		g := &s.Plan.Groups[i]
		if !slices.Contains(g.DependsOn, failedID) {
			continue
		}
		if g.BestEffort || s.GroupStatus[g.ID].IsTerminal() {
			continue
		}
		reason := fmt.Sprintf("skipped: upstream group %s did not complete", failedID)
		if err := skipGroupLocked(s, g, reason); err != nil {
			return err
		}
		*skipped = append(*skipped, g)
		if err := o.cascadeSkip(s, g.ID, skipped); err != nil {
			return err
		}
	}
	return nil
}

// skipGroupLocked marks a group and its non-terminal steps skipped. Must
// be called inside a store update.
func skipGroupLocked(s *state.ExecutionState, g *plan.StepGroup, reason string) error {
	if err := s.SetGroupStatus(g.ID, plan.GroupSkipped); err != nil {
		return err
	}
	for i := range g.Steps {
		step := &g.Steps[i]
		if step.Status.IsTerminal() {
			continue
		}
		if err := s.SetStepStatus(step.ID, plan.StepSkipped); err != nil {
			return err
		}
		if err := s.RecordResult(step.ID, plan.Result{Success: false, Message: reason}); err != nil {
			return err
		}
	}
	return nil
}

// skipRemaining terminal-izes every group that never started after a
// cancellation, so the run can drain and report.
func (o *Orchestrator) skipRemaining(running map[string]*plan.StepGroup) error {
	var skipped []*plan.StepGroup
	err := o.store.Update(func(s *state.ExecutionState) error {
		for i := range s.Plan.Groups {
			g := &s.Plan.Groups[i]
			if running[g.ID] != nil || s.GroupStatus[g.ID].IsTerminal() {
				continue
			}
			if err := skipGroupLocked(s, g, "skipped: run canceled"); err != nil {
				return err
			}
			skipped = append(skipped, g)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, g := range skipped {
		o.events.OnGroupFinished(g, plan.GroupSkipped)
	}
	return nil
}

// runGroup executes one group's steps and reports the terminal group
// status back to the scheduling loop.
func (o *Orchestrator) runGroup(ctx context.Context, g *plan.StepGroup) {
	var status plan.GroupStatus
	if g.Parallel {
		status = o.runParallel(ctx, g)
	} else {
		status = o.runSequential(ctx, g)
	}
	o.groupDone <- groupOutcome{group: g, status: status}
}

// runSequential executes steps strictly in declared order, halting on the
// first permanent failure; the remaining steps are skipped.
func (o *Orchestrator) runSequential(ctx context.Context, g *plan.StepGroup) plan.GroupStatus {
	failed := false
	for i := range g.Steps {
		step := &g.Steps[i]
		switch o.stepStatus(step.ID) {
		case plan.StepCompleted:
			continue
		case plan.StepFailed:
			failed = true
			continue
		case plan.StepSkipped:
			continue
		}
		if failed {
			o.skipStep(step, "skipped: earlier step in group failed")
			continue
		}
		res, err := o.runStep(ctx, g, step)
		if err != nil {
			o.logger.Error("state store failure while running step", "step_id", step.ID, "error", err)
			failed = true
			continue
		}
		if res.Status != plan.StepCompleted {
			failed = true
		}
	}
	if failed {
		return plan.GroupFailed
	}
	return plan.GroupCompleted
}

// runParallel dispatches every pending step concurrently; each runs under
// its own isolation lease, bounded by the shared worker pool.
func (o *Orchestrator) runParallel(ctx context.Context, g *plan.StepGroup) plan.GroupStatus {
	var wg sync.WaitGroup
	var failed atomic.Bool
	for i := range g.Steps {
		step := &g.Steps[i]
		switch o.stepStatus(step.ID) {
		case plan.StepCompleted, plan.StepSkipped:
			continue
		case plan.StepFailed:
			failed.Store(true)
			continue
		}
		wg.Add(1)
		go func(step *plan.StepDefinition) {
			defer wg.Done()
			res, err := o.runStep(ctx, g, step)
			if err != nil {
				o.logger.Error("state store failure while running step", "step_id", step.ID, "error", err)
				failed.Store(true)
				return
			}
			if res.Status != plan.StepCompleted {
				failed.Store(true)
			}
		}(step)
	}
	wg.Wait()
	if failed.Load() {
		return plan.GroupFailed
	}
	return plan.GroupCompleted
}

// runStep takes a worker slot, acquires an isolation lease, and hands the
// step to the runner. The lease is released on every exit path.
func (o *Orchestrator) runStep(ctx context.Context, g *plan.StepGroup, step *plan.StepDefinition) (runner.StepResult, error) {
	workerID := fmt.Sprintf("worker-%d", o.nextWorker.Add(1))
	log := o.logger.WithGroup(g.ID).WithStep(step.ID)

	if err := o.slots.Acquire(ctx); err != nil {
		return o.failStep(step, fmt.Errorf("%w: %v", enginerr.ErrCanceled, err))
	}
	defer o.slots.Release()

	o.events.OnStepStarted(step, workerID)

	lease, err := o.acquireLease(ctx, step.ID)
	if err != nil {
		log.Error("lease acquisition failed", "error", err)
		return o.failStep(step, err)
	}
	defer func() {
		if rerr := o.iso.Release(lease); rerr != nil {
			log.Warn("lease release failed", "error", rerr)
		}
		_ = o.store.Update(func(s *state.ExecutionState) error {
			s.DropLease(step.ID)
			return nil
		})
	}()

	if err := o.store.Update(func(s *state.ExecutionState) error {
		s.PutLease(step.ID, state.LeaseRecord{
			LeaseID:       lease.ID,
			UnitID:        lease.UnitID,
			WorkspacePath: lease.WorkspacePath,
			Ports:         lease.Ports,
		})
		return nil
	}); err != nil {
		return runner.StepResult{}, err
	}

	res, err := o.run.Run(ctx, step, lease, o.exec, workerID)
	if err != nil {
		return res, err
	}
	o.events.OnStepFinished(step, res)
	return res, nil
}

// acquireLease retries transient lease failures (pool exhaustion) under
// the same policy the runner uses for step failures.
func (o *Orchestrator) acquireLease(ctx context.Context, unitID string) (*isolation.Lease, error) {
	attempts := 0
	for {
		attempts++
		lease, err := o.iso.Acquire(ctx, unitID)
		if err == nil {
			return lease, nil
		}
		if runner.Classify(err) != runner.Retry || o.policy.Exhausted(attempts) {
			return nil, err
		}
		o.logger.Debug("retrying lease acquisition", "unit_id", unitID, "attempt", attempts, "error", err)
		t := time.NewTimer(o.policy.Delay(attempts))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %v", enginerr.ErrCanceled, ctx.Err())
		case <-t.C:
		}
	}
}

// failStep records a terminal failure for a step that never reached the
// runner (cancellation before dispatch, lease acquisition failure).
func (o *Orchestrator) failStep(step *plan.StepDefinition, cause error) (runner.StepResult, error) {
	res := runner.StepResult{StepID: step.ID, Status: plan.StepFailed, Message: cause.Error()}
	err := o.store.Update(func(s *state.ExecutionState) error {
		if err := s.SetStepStatus(step.ID, plan.StepFailed); err != nil {
			return err
		}
		return s.RecordResult(step.ID, plan.Result{Success: false, Message: cause.Error()})
	})
	if err != nil {
		return runner.StepResult{}, err
	}
	o.events.OnStepFinished(step, res)
	return res, nil
}

// skipStep records a skipped step inside a halted sequential group.
func (o *Orchestrator) skipStep(step *plan.StepDefinition, reason string) {
	err := o.store.Update(func(s *state.ExecutionState) error {
		if err := s.SetStepStatus(step.ID, plan.StepSkipped); err != nil {
			return err
		}
		return s.RecordResult(step.ID, plan.Result{Success: false, Message: reason})
	})
	if err != nil {
		o.logger.Error("state store failure while skipping step", "step_id", step.ID, "error", err)
	}
	o.events.OnStepFinished(step, runner.StepResult{StepID: step.ID, Status: plan.StepSkipped, Message: reason})
}

// stepStatus reads a step's current status from the store.
func (o *Orchestrator) stepStatus(stepID string) plan.StepStatus {
	var status plan.StepStatus
	o.store.View(func(s *state.ExecutionState) {
		if step := s.Plan.Step(stepID); step != nil {
			status = step.Status
		}
	})
	return status
}
