package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/planrun/planrun/internal/plan"
	"github.com/planrun/planrun/internal/state"
)

func reportState(t *testing.T) *state.ExecutionState {
	t.Helper()
	const source = `
name: report
groups:
  - id: build
    steps: [{id: build-1, title: Compile, command: do}]
  - id: deploy
    depends_on: [build]
    steps: [{id: deploy-1, command: do}]
  - id: notify
    depends_on: [deploy]
    best_effort: true
    steps: [{id: notify-1, command: do}]
`
	p, err := plan.Parse([]byte(source), "inline")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	now := time.Now()
	st := &state.ExecutionState{
		PlanID: p.ID,
		Plan:   p,
		GroupStatus: map[string]plan.GroupStatus{
			"build":  plan.GroupCompleted,
			"deploy": plan.GroupFailed,
			"notify": plan.GroupSkipped,
		},
		StartedAt: now,
		UpdatedAt: now,
	}
	set := func(id string, status plan.StepStatus, attempts int, msg string) {
		step := p.Step(id)
		step.Status = status
		step.Attempts = attempts
		step.Result = &plan.Result{Success: status == plan.StepCompleted, Message: msg}
	}
	set("build-1", plan.StepCompleted, 1, "ok")
	set("deploy-1", plan.StepFailed, 3, "command exited 1: no such host")
	set("notify-1", plan.StepSkipped, 0, "skipped: upstream group deploy did not complete")
	return st
}

func TestNewReport(t *testing.T) {
	r := NewReport(reportState(t))
	if r.Success {
		t.Error("Success = true, want false with a failed non-best-effort group")
	}
	if got := r.CountGroups(plan.GroupCompleted); got != 1 {
		t.Errorf("completed groups = %d, want 1", got)
	}
	if len(r.Groups) != 3 {
		t.Fatalf("groups = %d, want declared order preserved (3)", len(r.Groups))
	}
	if r.Groups[0].ID != "build" || r.Groups[2].ID != "notify" {
		t.Errorf("group order = %s..%s, want build..notify", r.Groups[0].ID, r.Groups[2].ID)
	}
	if !r.Groups[2].BestEffort {
		t.Error("notify.BestEffort = false, want annotation carried into report")
	}
	if got := r.Groups[1].Steps[0].Message; !strings.Contains(got, "no such host") {
		t.Errorf("failed step message = %q, want failure reason", got)
	}
}

func TestBestEffortFailureDoesNotFailPlan(t *testing.T) {
	st := reportState(t)
	st.GroupStatus["deploy"] = plan.GroupCompleted
	st.Plan.Step("deploy-1").Status = plan.StepCompleted
	// Only the best-effort group is non-completed now.
	r := NewReport(st)
	if !r.Success {
		t.Error("Success = false, want best-effort outcome excluded from overall success")
	}
}

func TestRenderPlain(t *testing.T) {
	r := NewReport(reportState(t))
	var b strings.Builder
	r.Render(&b, false)
	out := b.String()

	for _, want := range []string{
		"Plan report",
		"✓ build",
		"✗ deploy",
		"notify",
		"3 attempts",
		"no such host",
		"1/3 groups completed — FAILED",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderFailures(t *testing.T) {
	r := NewReport(reportState(t))
	var b strings.Builder
	r.RenderFailures(&b, false)
	out := b.String()

	if !strings.Contains(out, "deploy/deploy-1: failed") {
		t.Errorf("failure report missing failed step:\n%s", out)
	}
	if strings.Contains(out, "build-1") {
		t.Errorf("failure report includes successful step:\n%s", out)
	}

	// A fully successful report renders nothing.
	st := reportState(t)
	st.GroupStatus["deploy"] = plan.GroupCompleted
	st.GroupStatus["notify"] = plan.GroupCompleted
	st.Plan.Step("deploy-1").Status = plan.StepCompleted
	st.Plan.Step("notify-1").Status = plan.StepCompleted
	b.Reset()
	NewReport(st).RenderFailures(&b, false)
	if b.String() != "" {
		t.Errorf("failure report for successful run = %q, want empty", b.String())
	}
}
