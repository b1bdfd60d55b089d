package state

import (
	"os"
	"path/filepath"
	"testing"

	enginerr "github.com/planrun/planrun/internal/errors"
	"github.com/planrun/planrun/internal/plan"
)

const testSource = `
groups:
  - id: build
    parallel: true
    steps: [{id: build-1}, {id: build-2}]
  - id: test
    depends_on: [build]
    steps: [{id: test-1}]
`

func testPlan(t *testing.T) *plan.ExecutionPlan {
	t.Helper()
	p, err := plan.Parse([]byte(testSource), "inline")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

func TestCreateInitialState(t *testing.T) {
	p := testPlan(t)
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Create(p, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	s.View(func(st *ExecutionState) {
		if st.PlanID != p.ID {
			t.Errorf("PlanID = %q, want %q", st.PlanID, p.ID)
		}
		if st.GroupStatus["build"] != plan.GroupEligible {
			t.Errorf("build status = %s, want eligible", st.GroupStatus["build"])
		}
		if st.GroupStatus["test"] != plan.GroupBlocked {
			t.Errorf("test status = %s, want blocked", st.GroupStatus["test"])
		}
		for _, g := range st.Plan.Groups {
			for _, step := range g.Steps {
				if step.Status != plan.StepPending {
					t.Errorf("step %s status = %s, want pending", step.ID, step.Status)
				}
			}
		}
	})

	if _, err := os.Stat(path); err != nil {
		t.Errorf("state file should exist after Create: %v", err)
	}
}

func TestUpdateCommitsBeforeReturning(t *testing.T) {
	p := testPlan(t)
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Create(p, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = s.Update(func(st *ExecutionState) error {
		if err := st.SetStepStatus("build-1", plan.StepInProgress); err != nil {
			return err
		}
		return st.RecordAttempt("build-1", "worker-1")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh open must observe the committed transition.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close()

	step := s2.Plan().Step("build-1")
	if step.Status != plan.StepInProgress {
		t.Errorf("status = %s, want in_progress", step.Status)
	}
	if step.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", step.Attempts)
	}
	if step.WorkerID != "worker-1" {
		t.Errorf("worker = %q, want worker-1", step.WorkerID)
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	p := testPlan(t)
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Create(p, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	err = s.Update(func(st *ExecutionState) error {
		if err := st.SetStepStatus("build-1", plan.StepInProgress); err != nil {
			return err
		}
		return st.SetStepStatus("build-1", plan.StepCompleted)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Completed is terminal: no way back.
	err = s.Update(func(st *ExecutionState) error {
		return st.SetStepStatus("build-1", plan.StepPending)
	})
	if err == nil {
		t.Error("expected backward transition to be rejected")
	}

	err = s.Update(func(st *ExecutionState) error {
		return st.SetStepStatus("build-1", plan.StepFailed)
	})
	if err == nil {
		t.Error("expected completed -> failed to be rejected")
	}
}

func TestResumeResetRetry(t *testing.T) {
	p := testPlan(t)
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Create(p, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = s.Update(func(st *ExecutionState) error {
		if err := st.SetStepStatus("build-1", plan.StepInProgress); err != nil {
			return err
		}
		if err := st.RecordAttempt("build-1", "worker-1"); err != nil {
			return err
		}
		if err := st.RecordAttempt("build-1", "worker-1"); err != nil {
			return err
		}
		st.PutLease("build-1", LeaseRecord{LeaseID: "l1", UnitID: "build-1", WorkspacePath: "/tmp/x", Ports: []int{42000}})
		return st.SetGroupStatus("build", plan.GroupRunning)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	_ = s.Close()

	// Simulated crash: reopen and reset.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close()

	affected, err := s2.ResetInProgress(true)
	if err != nil {
		t.Fatalf("ResetInProgress: %v", err)
	}
	if len(affected) != 1 || affected[0] != "build-1" {
		t.Fatalf("affected = %v, want [build-1]", affected)
	}

	step := s2.Plan().Step("build-1")
	if step.Status != plan.StepPending {
		t.Errorf("status = %s, want pending (never silently completed)", step.Status)
	}
	if step.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (preserved across crash)", step.Attempts)
	}
	s2.View(func(st *ExecutionState) {
		if _, held := st.Leases["build-1"]; held {
			t.Error("stale lease record should be dropped")
		}
		if st.GroupStatus["build"] != plan.GroupEligible {
			t.Errorf("build status = %s, want eligible after reset", st.GroupStatus["build"])
		}
	})
}

func TestResumeResetFail(t *testing.T) {
	p := testPlan(t)
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Create(p, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = s.Update(func(st *ExecutionState) error {
		return st.SetStepStatus("test-1", plan.StepInProgress)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	affected, err := s.ResetInProgress(false)
	if err != nil {
		t.Fatalf("ResetInProgress: %v", err)
	}
	if len(affected) != 1 {
		t.Fatalf("affected = %v, want one step", affected)
	}
	defer s.Close()

	step := s.Plan().Step("test-1")
	if step.Status != plan.StepFailed {
		t.Errorf("status = %s, want failed", step.Status)
	}
	if step.Result == nil || step.Result.Success {
		t.Error("failed step should carry an unsuccessful result")
	}
}

func TestOpenCorruptedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path)
	if !enginerr.Is(err, enginerr.ErrStateCorrupted) {
		t.Errorf("err = %v, want ErrStateCorrupted", err)
	}
}

func TestStateLockExcludesSecondOpen(t *testing.T) {
	p := testPlan(t)
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Create(p, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	_, err = Open(path)
	if !enginerr.Is(err, enginerr.ErrStateLocked) {
		t.Errorf("second open: err = %v, want ErrStateLocked", err)
	}
}

func TestArchive(t *testing.T) {
	p := testPlan(t)
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Create(p, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	if err := s.Archive(); err == nil {
		t.Error("archive should fail while groups are non-terminal")
	}

	err = s.Update(func(st *ExecutionState) error {
		for _, id := range []string{"build-1", "build-2", "test-1"} {
			if err := st.SetStepStatus(id, plan.StepInProgress); err != nil {
				return err
			}
			if err := st.SetStepStatus(id, plan.StepCompleted); err != nil {
				return err
			}
		}
		if err := st.SetGroupStatus("build", plan.GroupCompleted); err != nil {
			return err
		}
		return st.SetGroupStatus("test", plan.GroupCompleted)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := s.Archive(); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	s.View(func(st *ExecutionState) {
		if st.ArchivedAt == nil {
			t.Error("ArchivedAt should be set")
		}
	})
}
