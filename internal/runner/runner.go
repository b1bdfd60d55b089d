package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	enginerr "github.com/planrun/planrun/internal/errors"
	"github.com/planrun/planrun/internal/isolation"
	"github.com/planrun/planrun/internal/logging"
	"github.com/planrun/planrun/internal/plan"
	"github.com/planrun/planrun/internal/state"
)

// ExecRequest carries everything an executor needs to run one step.
type ExecRequest struct {
	StepID        string
	Command       string
	WorkspacePath string
	Ports         []int
	Inputs        map[string]string
}

// ExecResult is the outcome reported by an executor. When Success is
// false, Error holds the executor's failure message.
type ExecResult struct {
	Success bool
	Output  string
	Error   string
}

// StepExecutor is the capability that actually performs a step's work.
// Implementations must honor ctx cancellation; the runner derives a
// deadline from the per-step timeout before calling Execute. A returned
// error describes an infrastructure failure and is classified for retry;
// a result with Success=false is a step-level failure reported by the
// executor itself.
type StepExecutor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// ExecutorFunc adapts a function to the StepExecutor interface.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (ExecResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	return f(ctx, req)
}

// StepResult summarizes a completed run of one step. Status is always
// terminal: StepCompleted or StepFailed.
type StepResult struct {
	StepID   string
	Status   plan.StepStatus
	Attempts int
	Message  string
}

// Runner drives a single step to a terminal status. It owns the timeout
// and retry loop and commits every transition to the state store before
// returning, so a crash mid-step is always recoverable from disk.
type Runner struct {
	store   *state.Store
	policy  Policy
	timeout time.Duration
	logger  *logging.Logger
}

// NewRunner constructs a runner. A zero timeout disables the per-step
// deadline; a policy with MaxAttempts < 1 is normalized to one attempt.
func NewRunner(store *state.Store, policy Policy, timeout time.Duration, logger *logging.Logger) *Runner {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Runner{store: store, policy: policy, timeout: timeout, logger: logger}
}

// Run executes step inside lease using exec, retrying transient failures
// per the policy. The step's attempt count is loaded from and persisted
// to the store on every attempt, so retry budgets survive a restart. The
// returned error is reserved for state store failures; step failures are
// reported through StepResult.
func (r *Runner) Run(ctx context.Context, step *plan.StepDefinition, lease *isolation.Lease, exec StepExecutor, workerID string) (StepResult, error) {
	log := r.logger.WithStep(step.ID)

	if err := r.store.Update(func(s *state.ExecutionState) error {
		return s.SetStepStatus(step.ID, plan.StepInProgress)
	}); err != nil {
		return StepResult{}, fmt.Errorf("marking step %s in progress: %w", step.ID, err)
	}

	req := ExecRequest{
		StepID:        step.ID,
		Command:       step.Command,
		WorkspacePath: lease.WorkspacePath,
		Ports:         lease.Ports,
		Inputs:        step.Inputs,
	}

	attempts := step.Attempts
	for {
		attempts++
		if err := r.store.Update(func(s *state.ExecutionState) error {
			return s.RecordAttempt(step.ID, workerID)
		}); err != nil {
			return StepResult{}, fmt.Errorf("recording attempt for step %s: %w", step.ID, err)
		}
		log.Info("step attempt started", "attempt", attempts, "max_attempts", r.policy.MaxAttempts, "worker_id", workerID)

		res, execErr := r.attempt(ctx, exec, req)
		if execErr == nil {
			log.Info("step completed", "attempt", attempts)
			return r.finish(step.ID, plan.StepCompleted, attempts, strings.TrimSpace(res.Output))
		}

		class := Classify(execErr)
		log.Warn("step attempt failed", "attempt", attempts, "class", class.String(), "error", execErr)

		if class != Retry || r.policy.Exhausted(attempts) {
			return r.finish(step.ID, plan.StepFailed, attempts, execErr.Error())
		}
		if err := sleep(ctx, r.policy.Delay(attempts)); err != nil {
			return r.finish(step.ID, plan.StepFailed, attempts, enginerr.ErrCanceled.Error())
		}
	}
}

// attempt runs the executor once under the per-step deadline and folds
// the result and context state into a single error.
func (r *Runner) attempt(ctx context.Context, exec StepExecutor, req ExecRequest) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, fmt.Errorf("%w: %v", enginerr.ErrCanceled, err)
	}

	runCtx := ctx
	cancel := func() {}
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	res, err := exec.Execute(runCtx, req)
	if err != nil {
		switch {
		case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
			return res, fmt.Errorf("%w after %s: %v", enginerr.ErrStepTimeout, r.timeout, err)
		case ctx.Err() != nil:
			return res, fmt.Errorf("%w: %v", enginerr.ErrCanceled, err)
		}
		return res, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return res, &enginerr.ExecutionError{StepID: req.StepID, Err: fmt.Errorf("%s", msg)}
	}
	return res, nil
}

// finish commits the terminal status and result, then reports it.
func (r *Runner) finish(stepID string, status plan.StepStatus, attempts int, message string) (StepResult, error) {
	err := r.store.Update(func(s *state.ExecutionState) error {
		if err := s.SetStepStatus(stepID, status); err != nil {
			return err
		}
		return s.RecordResult(stepID, plan.Result{
			Success: status == plan.StepCompleted,
			Message: message,
		})
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("committing outcome for step %s: %w", stepID, err)
	}
	return StepResult{StepID: stepID, Status: status, Attempts: attempts, Message: message}, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
