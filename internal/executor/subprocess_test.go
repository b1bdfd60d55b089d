package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	enginerr "github.com/planrun/planrun/internal/errors"
	"github.com/planrun/planrun/internal/runner"
)

func testRequest(t *testing.T, command string) runner.ExecRequest {
	t.Helper()
	return runner.ExecRequest{
		StepID:        "step-1",
		Command:       command,
		WorkspacePath: t.TempDir(),
		Ports:         []int{42000, 42001},
		Inputs:        map[string]string{"target": "all", "log-level": "debug"},
	}
}

func TestExecuteSuccess(t *testing.T) {
	e := NewSubprocess("", false, nil)
	res, err := e.Execute(context.Background(), testRequest(t, "echo hello"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
	if !strings.Contains(res.Output, "hello") {
		t.Errorf("output = %q, want command output captured", res.Output)
	}
}

func TestExecuteEnvironment(t *testing.T) {
	e := NewSubprocess("", false, nil)
	req := testRequest(t, `echo "$PLANRUN_STEP_ID|$PLANRUN_PORTS|$PLANRUN_INPUT_TARGET|$PLANRUN_INPUT_LOG_LEVEL|$PLANRUN_WORKSPACE"`)
	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := strings.TrimSpace(res.Output)
	want := "step-1|42000,42001|all|debug|" + req.WorkspacePath
	if got != want {
		t.Errorf("env = %q, want %q", got, want)
	}
}

func TestExecuteRunsInWorkspace(t *testing.T) {
	e := NewSubprocess("", false, nil)
	req := testRequest(t, "pwd")
	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(res.Output); got != req.WorkspacePath {
		t.Errorf("cwd = %q, want workspace %q", got, req.WorkspacePath)
	}
}

func TestExecuteBlockingFailure(t *testing.T) {
	e := NewSubprocess("", false, nil)
	_, err := e.Execute(context.Background(), testRequest(t, "echo broken >&2; exit 1"))
	if err == nil {
		t.Fatal("Execute: want error for exit 1")
	}
	var execErr *enginerr.ExecutionError
	if !enginerr.As(err, &execErr) {
		t.Fatalf("error = %T, want *ExecutionError", err)
	}
	if execErr.Transient {
		t.Error("Transient = true, want blocking for exit 1")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error = %q, want output folded in", err)
	}
}

func TestExecuteTempFailIsTransient(t *testing.T) {
	e := NewSubprocess("", false, nil)
	_, err := e.Execute(context.Background(), testRequest(t, "exit 75"))
	var execErr *enginerr.ExecutionError
	if !enginerr.As(err, &execErr) {
		t.Fatalf("error = %T, want *ExecutionError", err)
	}
	if !execErr.Transient {
		t.Error("Transient = false, want exit 75 treated as transient")
	}
	if runner.Classify(err) != runner.Retry {
		t.Error("Classify = Fail, want Retry")
	}
}

func TestExecuteCancelKillsProcess(t *testing.T) {
	e := NewSubprocess("", false, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, testRequest(t, "sleep 30"))
	if err == nil {
		t.Fatal("Execute: want error after cancellation")
	}
	if !enginerr.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context deadline surfaced", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Execute blocked %s after cancellation", elapsed)
	}
}

func TestExecuteCancelAbandonsForkedChildren(t *testing.T) {
	e := NewSubprocess("", false, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The background sleep inherits the output pipes and survives the
	// kill of the shell; Execute must not wait for it to exit.
	start := time.Now()
	_, err := e.Execute(ctx, testRequest(t, "sleep 30 & wait"))
	if err == nil {
		t.Fatal("Execute: want error after cancellation")
	}
	if !enginerr.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context deadline surfaced", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Execute blocked %s on an inherited pipe after cancellation", elapsed)
	}
}

func TestExecuteWrapperCommand(t *testing.T) {
	e := NewSubprocess("/bin/echo", false, nil)
	res, err := e.Execute(context.Background(), testRequest(t, "deploy --stage prod"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(res.Output); got != "deploy --stage prod" {
		t.Errorf("output = %q, want step command passed as argument", got)
	}
}

func TestExecuteMissingCommand(t *testing.T) {
	e := NewSubprocess("", false, nil)
	_, err := e.Execute(context.Background(), testRequest(t, "   "))
	if !enginerr.Is(err, enginerr.ErrMissingInput) {
		t.Errorf("error = %v, want ErrMissingInput", err)
	}
}

func TestMarkerProtocolSync(t *testing.T) {
	e := NewSubprocess("", true, nil)
	cmd := `printf '{"success":true,"message":""}' > ` + MarkerFileName
	res, err := e.Execute(context.Background(), testRequest(t, cmd))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want marker result honored")
	}
}

func TestMarkerProtocolAsync(t *testing.T) {
	e := NewSubprocess("", true, nil)
	cmd := `( sleep 0.2; printf '{"success":false,"message":"deploy failed"}' > ` + MarkerFileName + ` ) >/dev/null 2>&1 &`
	res, err := e.Execute(context.Background(), testRequest(t, cmd))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true, want marker failure honored")
	}
	if res.Error != "deploy failed" {
		t.Errorf("Error = %q, want marker message", res.Error)
	}
}

func TestMarkerProtocolCancellation(t *testing.T) {
	e := NewSubprocess("", true, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, testRequest(t, "true"))
	if !enginerr.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline while waiting for marker", err)
	}
}

func TestEnvKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"target", "TARGET"},
		{"log-level", "LOG_LEVEL"},
		{"db.url", "DB_URL"},
		{"API_KEY2", "API_KEY2"},
	}
	for _, tt := range tests {
		if got := envKey(tt.in); got != tt.want {
			t.Errorf("envKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
