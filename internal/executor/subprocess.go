// Package executor provides the default StepExecutor: it runs each step's
// command as a subprocess inside the step's workspace, passing step
// metadata through PLANRUN_* environment variables.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	enginerr "github.com/planrun/planrun/internal/errors"
	"github.com/planrun/planrun/internal/logging"
	"github.com/planrun/planrun/internal/runner"
)

// Exit codes with engine-level meaning. Commands exit 75 (EX_TEMPFAIL,
// from sysexits.h) to report a transient failure worth retrying; any
// other non-zero exit is treated as a blocking failure.
const (
	exitTempFail = 75
)

// MarkerFileName is the file a step command writes into its workspace to
// report a structured result when the marker protocol is enabled.
const MarkerFileName = ".planrun-result.json"

// outputTailLimit bounds how much captured output is folded into failure
// messages.
const outputTailLimit = 2048

// killWaitDelay is how long Execute waits for output pipes to close after
// the child is killed on cancellation. Forked grandchildren can inherit
// the pipes and outlive the kill; past this delay they are abandoned.
const killWaitDelay = 2 * time.Second

// Subprocess runs step commands as child processes.
type Subprocess struct {
	// command, when set, is the program invoked for every step with the
	// step's command text as its single argument. When empty, the step
	// command is run through the shell.
	command string

	// useMarker enables the completion-marker protocol: after the child
	// exits successfully, the executor waits for it (or a process it
	// forked) to write MarkerFileName in the workspace and takes the
	// step result from that file.
	useMarker bool

	logger *logging.Logger
}

// NewSubprocess constructs a subprocess executor. command may be empty to
// run step commands through /bin/sh -c.
func NewSubprocess(command string, useMarker bool, logger *logging.Logger) *Subprocess {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Subprocess{command: command, useMarker: useMarker, logger: logger}
}

// Execute runs the step command in the workspace and maps its exit status
// to a step result. Cancellation of ctx kills the child process.
func (e *Subprocess) Execute(ctx context.Context, req runner.ExecRequest) (runner.ExecResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return runner.ExecResult{}, fmt.Errorf("%w: step %s has no command", enginerr.ErrMissingInput, req.StepID)
	}

	var cmd *exec.Cmd
	if e.command != "" {
		cmd = exec.CommandContext(ctx, e.command, req.Command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	}
	cmd.Dir = req.WorkspacePath
	cmd.Env = append(os.Environ(), stepEnv(req)...)
	cmd.WaitDelay = killWaitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log := e.logger.WithStep(req.StepID)
	log.Debug("spawning step command", "command", req.Command, "workspace", req.WorkspacePath)

	err := cmd.Run()
	if ctx.Err() != nil {
		return runner.ExecResult{Output: out.String()}, ctx.Err()
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			// Spawn failure: binary missing, workspace gone. Not the
			// command's fault, so let the classifier retry it.
			return runner.ExecResult{}, &enginerr.ExecutionError{
				StepID:    req.StepID,
				Err:       fmt.Errorf("spawning command: %w", err),
				Transient: true,
			}
		}
		code := exitErr.ExitCode()
		return runner.ExecResult{Output: out.String()}, &enginerr.ExecutionError{
			StepID:    req.StepID,
			Err:       fmt.Errorf("command exited %d: %s", code, outputTail(out.String())),
			Transient: code == exitTempFail,
		}
	}

	if e.useMarker {
		return e.awaitMarker(ctx, req, out.String())
	}
	return runner.ExecResult{Success: true, Output: out.String()}, nil
}

// stepEnv builds the PLANRUN_* environment for one step. Inputs are
// exposed as PLANRUN_INPUT_<KEY> with the key uppercased and
// non-alphanumeric runes mapped to underscores.
func stepEnv(req runner.ExecRequest) []string {
	ports := make([]string, len(req.Ports))
	for i, p := range req.Ports {
		ports[i] = strconv.Itoa(p)
	}
	env := []string{
		"PLANRUN_STEP_ID=" + req.StepID,
		"PLANRUN_WORKSPACE=" + req.WorkspacePath,
		"PLANRUN_PORTS=" + strings.Join(ports, ","),
	}

	keys := make([]string, 0, len(req.Inputs))
	for k := range req.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "PLANRUN_INPUT_"+envKey(k)+"="+req.Inputs[k])
	}
	return env
}

func envKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(k) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func outputTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputTailLimit {
		return s
	}
	return "..." + s[len(s)-outputTailLimit:]
}

// markerPath returns the location of the completion marker for a
// workspace.
func markerPath(workspace string) string {
	return filepath.Join(workspace, MarkerFileName)
}
