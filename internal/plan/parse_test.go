package plan

import (
	"testing"

	enginerr "github.com/planrun/planrun/internal/errors"
)

const validSource = `
name: ship-widget
groups:
  - id: build
    title: Build everything
    parallel: true
    strategy: fast
    steps:
      - id: build-api
        title: Build the API
        command: make api
      - id: build-cli
        command: make cli
        inputs:
          target: release
  - id: test
    depends_on: [build]
    steps:
      - id: test-unit
        command: make test
  - id: report
    depends: [test]
    best_effort: true
    steps:
      - command: make report
`

func TestParseValidSource(t *testing.T) {
	p, err := Parse([]byte(validSource), "inline")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.ID == "" {
		t.Error("plan ID should be generated")
	}
	if p.Name != "ship-widget" {
		t.Errorf("Name = %q, want %q", p.Name, "ship-widget")
	}
	if p.GroupCount() != 3 {
		t.Fatalf("GroupCount = %d, want 3", p.GroupCount())
	}
	if p.StepCount() != 4 {
		t.Errorf("StepCount = %d, want 4", p.StepCount())
	}

	build := p.Group("build")
	if build == nil {
		t.Fatal("group build not found")
	}
	if !build.Parallel {
		t.Error("build should be parallel")
	}
	if build.Strategy != "fast" {
		t.Errorf("build Strategy = %q, want %q", build.Strategy, "fast")
	}
	if len(build.DependsOn) != 0 {
		t.Errorf("build DependsOn = %v, want empty", build.DependsOn)
	}
	if build.DependsOn == nil {
		t.Error("DependsOn should never be nil")
	}

	test := p.Group("test")
	if test.Parallel {
		t.Error("parallel should default to false")
	}
	if len(test.DependsOn) != 1 || test.DependsOn[0] != "build" {
		t.Errorf("test DependsOn = %v, want [build]", test.DependsOn)
	}

	// "depends" alias is honored.
	report := p.Group("report")
	if len(report.DependsOn) != 1 || report.DependsOn[0] != "test" {
		t.Errorf("report DependsOn = %v, want [test]", report.DependsOn)
	}
	if !report.BestEffort {
		t.Error("report should be best_effort")
	}

	// Missing step ids derive from position.
	if report.Steps[0].ID != "report-1" {
		t.Errorf("derived step id = %q, want %q", report.Steps[0].ID, "report-1")
	}

	// All steps start pending with their group recorded.
	for _, g := range p.Groups {
		for _, s := range g.Steps {
			if s.Status != StepPending {
				t.Errorf("step %s status = %s, want pending", s.ID, s.Status)
			}
			if s.GroupID != g.ID {
				t.Errorf("step %s GroupID = %q, want %q", s.ID, s.GroupID, g.ID)
			}
		}
	}

	// Inputs survive parsing.
	cli := p.Step("build-cli")
	if cli == nil || cli.Inputs["target"] != "release" {
		t.Errorf("build-cli inputs not preserved: %+v", cli)
	}
}

func TestParseJSONSource(t *testing.T) {
	src := `{"groups": [{"id": "a", "steps": [{"id": "a-1", "command": "true"}]}]}`
	p, err := Parse([]byte(src), "inline")
	if err != nil {
		t.Fatalf("Parse JSON: %v", err)
	}
	if p.GroupCount() != 1 || p.Groups[0].Steps[0].ID != "a-1" {
		t.Errorf("unexpected plan from JSON source: %+v", p)
	}
}

func TestParseCyclicDependency(t *testing.T) {
	src := `
groups:
  - id: a
    depends_on: [c]
    steps: [{id: a-1}]
  - id: b
    depends_on: [a]
    steps: [{id: b-1}]
  - id: c
    depends_on: [b]
    steps: [{id: c-1}]
`
	_, err := Parse([]byte(src), "inline")
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !enginerr.Is(err, enginerr.ErrCyclicDependency) {
		t.Errorf("err = %v, want ErrCyclicDependency", err)
	}
}

func TestParseSelfDependency(t *testing.T) {
	src := `
groups:
  - id: a
    depends_on: [a]
    steps: [{id: a-1}]
`
	_, err := Parse([]byte(src), "inline")
	if !enginerr.Is(err, enginerr.ErrCyclicDependency) {
		t.Errorf("err = %v, want ErrCyclicDependency", err)
	}
}

func TestParseUnknownGroupReference(t *testing.T) {
	src := `
groups:
  - id: a
    depends_on: [ghost]
    steps: [{id: a-1}]
`
	_, err := Parse([]byte(src), "inline")
	if !enginerr.Is(err, enginerr.ErrUnknownGroupReference) {
		t.Errorf("err = %v, want ErrUnknownGroupReference", err)
	}

	var perr *enginerr.ParseError
	if !enginerr.As(err, &perr) {
		t.Fatal("expected *ParseError")
	}
	if perr.Group != "a" {
		t.Errorf("ParseError.Group = %q, want %q", perr.Group, "a")
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"not yaml", ":\n:::"},
		{"no groups", "name: empty"},
		{"group without id", "groups: [{steps: [{id: s}]}]"},
		{"duplicate group id", `
groups:
  - id: a
    steps: [{id: a-1}]
  - id: a
    steps: [{id: a-2}]
`},
		{"group without steps", "groups: [{id: a}]"},
		{"duplicate step id", `
groups:
  - id: a
    steps: [{id: s-1}, {id: s-1}]
`},
		{"empty depends entry", `
groups:
  - id: a
    depends_on: [""]
    steps: [{id: a-1}]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), "inline")
			if err == nil {
				t.Fatal("expected parse error")
			}
			if !enginerr.Is(err, enginerr.ErrMalformedAnnotation) {
				t.Errorf("err = %v, want ErrMalformedAnnotation", err)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	first, err := Parse([]byte(validSource), "inline")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	src, err := first.MarshalSource()
	if err != nil {
		t.Fatalf("MarshalSource: %v", err)
	}

	second, err := Parse(src, "inline")
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("round-trip ID = %q, want %q", second.ID, first.ID)
	}
	if second.Name != first.Name {
		t.Errorf("round-trip Name = %q, want %q", second.Name, first.Name)
	}
	if second.GroupCount() != first.GroupCount() || second.StepCount() != first.StepCount() {
		t.Fatalf("round-trip shape changed: %d/%d groups, %d/%d steps",
			second.GroupCount(), first.GroupCount(), second.StepCount(), first.StepCount())
	}

	for i := range first.Groups {
		fg, sg := &first.Groups[i], &second.Groups[i]
		if fg.ID != sg.ID || fg.Parallel != sg.Parallel || fg.Strategy != sg.Strategy || fg.BestEffort != sg.BestEffort {
			t.Errorf("group %s annotations changed across round-trip", fg.ID)
		}
		if len(fg.DependsOn) != len(sg.DependsOn) {
			t.Errorf("group %s DependsOn changed: %v vs %v", fg.ID, fg.DependsOn, sg.DependsOn)
		}
		for j := range fg.Steps {
			if fg.Steps[j].ID != sg.Steps[j].ID || fg.Steps[j].Command != sg.Steps[j].Command {
				t.Errorf("step %s changed across round-trip", fg.Steps[j].ID)
			}
		}
	}
}

func TestStepStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to StepStatus
		want     bool
	}{
		{StepPending, StepInProgress, true},
		{StepPending, StepSkipped, true},
		{StepPending, StepFailed, true},
		{StepBlocked, StepInProgress, true},
		{StepInProgress, StepCompleted, true},
		{StepInProgress, StepFailed, true},
		{StepCompleted, StepPending, false},
		{StepCompleted, StepFailed, false},
		{StepFailed, StepCompleted, false},
		{StepSkipped, StepInProgress, false},
		{StepInProgress, StepPending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
