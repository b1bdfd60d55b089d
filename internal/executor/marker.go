package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"

	enginerr "github.com/planrun/planrun/internal/errors"
	"github.com/planrun/planrun/internal/runner"
)

// markerResult is the JSON document a step command writes to
// MarkerFileName under the marker protocol.
type markerResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// awaitMarker blocks until the completion marker appears in the step's
// workspace, then folds it into the step result. The child process has
// already exited successfully at this point; the marker protocol exists
// for commands that hand work off to a forked process before exiting.
func (e *Subprocess) awaitMarker(ctx context.Context, req runner.ExecRequest, output string) (runner.ExecResult, error) {
	path := markerPath(req.WorkspacePath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return runner.ExecResult{}, &enginerr.ExecutionError{
			StepID:    req.StepID,
			Err:       fmt.Errorf("creating marker watcher: %w", err),
			Transient: true,
		}
	}
	defer watcher.Close()

	if err := watcher.Add(req.WorkspacePath); err != nil {
		return runner.ExecResult{}, &enginerr.ExecutionError{
			StepID:    req.StepID,
			Err:       fmt.Errorf("watching workspace: %w", err),
			Transient: true,
		}
	}

	// The marker may have been written before the watch was registered.
	if res, ok, err := readMarker(path, req.StepID, output); ok || err != nil {
		return res, err
	}

	log := e.logger.WithStep(req.StepID)
	log.Debug("waiting for completion marker", "path", path)

	for {
		select {
		case <-ctx.Done():
			return runner.ExecResult{Output: output}, ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return runner.ExecResult{}, &enginerr.ExecutionError{
					StepID:    req.StepID,
					Err:       fmt.Errorf("marker watcher closed"),
					Transient: true,
				}
			}
			if ev.Name != path || !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if res, ok, err := readMarker(path, req.StepID, output); ok || err != nil {
				return res, err
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				werr = fmt.Errorf("marker watcher closed")
			}
			return runner.ExecResult{}, &enginerr.ExecutionError{
				StepID:    req.StepID,
				Err:       fmt.Errorf("marker watcher: %w", werr),
				Transient: true,
			}
		}
	}
}

// readMarker attempts to decode the marker file. ok is false when the
// file does not exist yet or is still being written (empty or partial
// JSON is treated as not-yet-complete).
func readMarker(path, stepID, output string) (runner.ExecResult, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return runner.ExecResult{}, false, nil
		}
		return runner.ExecResult{}, false, &enginerr.ExecutionError{
			StepID:    stepID,
			Err:       fmt.Errorf("reading marker: %w", err),
			Transient: true,
		}
	}
	var m markerResult
	if err := json.Unmarshal(data, &m); err != nil {
		return runner.ExecResult{}, false, nil
	}
	return runner.ExecResult{
		Success: m.Success,
		Output:  output,
		Error:   m.Message,
	}, true, nil
}
