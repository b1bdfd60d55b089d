package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	enginerr "github.com/planrun/planrun/internal/errors"
	"github.com/planrun/planrun/internal/plan"
)

// Store owns the durable ExecutionState for one run. All reads and writes go
// through it; the in-memory state and the on-disk document are updated
// together under a single writer lock, so scheduling decisions committed
// through Update are serialized.
type Store struct {
	path string
	lock *fileLock

	mu    sync.Mutex
	state *ExecutionState
}

// Create initializes a new run: fresh state derived from the plan, written
// to path. Fails if another process holds the state lock.
func Create(p *plan.ExecutionPlan, path string) (*Store, error) {
	s := &Store{
		path:  path,
		lock:  newFileLock(path + ".lock"),
		state: newExecutionState(p),
	}
	ok, err := s.lock.tryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, enginerr.ErrStateLocked
	}
	if err := s.persist(); err != nil {
		_ = s.lock.unlock()
		return nil, err
	}
	return s, nil
}

// Open loads a previously persisted state document for resume or
// inspection. Decode failures are reported as state corruption, which is
// fatal to the run.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		lock: newFileLock(path + ".lock"),
	}
	ok, err := s.lock.tryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, enginerr.ErrStateLocked
	}

	data, err := os.ReadFile(path)
	if err != nil {
		_ = s.lock.unlock()
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var st ExecutionState
	if err := json.Unmarshal(data, &st); err != nil {
		_ = s.lock.unlock()
		return nil, fmt.Errorf("%w: %v", enginerr.ErrStateCorrupted, err)
	}
	if st.Plan == nil || st.PlanID == "" || st.PlanID != st.Plan.ID {
		_ = s.lock.unlock()
		return nil, fmt.Errorf("%w: plan id mismatch", enginerr.ErrStateCorrupted)
	}
	if st.GroupStatus == nil {
		st.GroupStatus = make(map[string]plan.GroupStatus)
	}
	if st.Leases == nil {
		st.Leases = make(map[string]LeaseRecord)
	}

	s.state = &st
	return s, nil
}

// Read loads a state document without taking the lock. Used by read-only
// inspection (the status command) while a run may be live.
func Read(path string) (*ExecutionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var st ExecutionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", enginerr.ErrStateCorrupted, err)
	}
	return &st, nil
}

// Update applies fn to the state inside the writer lock and commits the
// result to disk before returning. If fn returns an error the state is not
// persisted and the error is returned; fn must not retain the state pointer.
//
// This is the single-writer path every status transition flows through.
func (s *Store) Update(fn func(*ExecutionState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.state); err != nil {
		return err
	}
	s.state.UpdatedAt = time.Now()
	return s.persist()
}

// View calls fn with the current state for reading. The callback must not
// mutate the state.
func (s *Store) View(fn func(*ExecutionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// Plan returns the plan this store tracks.
func (s *Store) Plan() *plan.ExecutionPlan {
	return s.state.Plan
}

// Path returns the location of the state document.
func (s *Store) Path() string { return s.path }

// ResetInProgress applies the resume policy to steps found in_progress at
// startup. Such a step is never assumed successful: under the retry policy
// it returns to pending (keeping its attempt counter) for re-execution;
// otherwise it is marked failed. Stale lease records are dropped either
// way. Returns the IDs of the affected steps.
func (s *Store) ResetInProgress(retry bool) ([]string, error) {
	var affected []string
	err := s.Update(func(st *ExecutionState) error {
		for gi := range st.Plan.Groups {
			g := &st.Plan.Groups[gi]
			for si := range g.Steps {
				step := &g.Steps[si]
				if step.Status != plan.StepInProgress {
					continue
				}
				affected = append(affected, step.ID)
				st.DropLease(step.ID)
				if retry {
					// The one sanctioned backward transition: a crashed
					// attempt goes back to pending with attempts intact.
					step.Status = plan.StepPending
				} else {
					step.Status = plan.StepFailed
					step.Result = &plan.Result{
						Success: false,
						Message: "interrupted by crash; resume policy forbids retry",
					}
				}
			}
		}
		// Running groups drop back to eligible so the scheduler
		// re-evaluates them.
		for id, status := range st.GroupStatus {
			if status == plan.GroupRunning {
				st.GroupStatus[id] = plan.GroupEligible
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// Archive stamps the state as finished. Call once every group is terminal.
func (s *Store) Archive() error {
	return s.Update(func(st *ExecutionState) error {
		if !st.AllTerminal() {
			return fmt.Errorf("cannot archive: non-terminal groups remain")
		}
		now := time.Now()
		st.ArchivedAt = &now
		return nil
	})
}

// Close releases the cross-process lock.
func (s *Store) Close() error {
	return s.lock.unlock()
}

// persist writes the state document atomically: data is written to a
// temporary file first, then renamed into place.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
