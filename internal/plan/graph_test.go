package plan

import (
	"fmt"
	"math/rand"
	"testing"
)

// diamond builds a four-group diamond: a -> (b, c) -> d.
func diamond(t *testing.T) *ExecutionPlan {
	t.Helper()
	src := `
groups:
  - id: a
    steps: [{id: a-1}]
  - id: b
    depends_on: [a]
    steps: [{id: b-1}]
  - id: c
    depends_on: [a]
    steps: [{id: c-1}]
  - id: d
    depends_on: [b, c]
    steps: [{id: d-1}]
`
	p, err := Parse([]byte(src), "inline")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

func TestWaves(t *testing.T) {
	p := diamond(t)
	waves := p.Waves()

	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if len(waves) != len(want) {
		t.Fatalf("got %d waves, want %d: %v", len(waves), len(want), waves)
	}
	for i := range want {
		if len(waves[i]) != len(want[i]) {
			t.Fatalf("wave %d = %v, want %v", i, waves[i], want[i])
		}
		for j := range want[i] {
			if waves[i][j] != want[i][j] {
				t.Errorf("wave %d = %v, want %v", i, waves[i], want[i])
			}
		}
	}
}

func TestTransitiveDependents(t *testing.T) {
	p := diamond(t)

	deps := p.TransitiveDependents("a")
	for _, id := range []string{"b", "c", "d"} {
		if !deps[id] {
			t.Errorf("dependents of a should include %s", id)
		}
	}
	if deps["a"] {
		t.Error("a is not its own dependent")
	}

	deps = p.TransitiveDependents("b")
	if !deps["d"] || deps["c"] || deps["a"] {
		t.Errorf("dependents of b = %v, want exactly {d}", deps)
	}

	deps = p.TransitiveDependents("d")
	if len(deps) != 0 {
		t.Errorf("dependents of d = %v, want none", deps)
	}
}

// TestWavesRandomDAGs checks, over randomly generated DAGs, that every group
// appears in exactly one wave and never before all of its dependencies.
func TestWavesRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		n := 3 + rng.Intn(10)
		src := "groups:\n"
		for i := 0; i < n; i++ {
			src += fmt.Sprintf("  - id: g%d\n", i)
			// Edges only point backwards, so the graph is acyclic.
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("g%d", j))
				}
			}
			if len(deps) > 0 {
				src += "    depends_on: ["
				for k, d := range deps {
					if k > 0 {
						src += ", "
					}
					src += d
				}
				src += "]\n"
			}
			src += fmt.Sprintf("    steps: [{id: g%d-s}]\n", i)
		}

		p, err := Parse([]byte(src), "inline")
		if err != nil {
			t.Fatalf("trial %d: Parse: %v", trial, err)
		}

		waveOf := make(map[string]int)
		for wi, wave := range p.Waves() {
			for _, id := range wave {
				if _, dup := waveOf[id]; dup {
					t.Fatalf("trial %d: group %s scheduled twice", trial, id)
				}
				waveOf[id] = wi
			}
		}

		if len(waveOf) != p.GroupCount() {
			t.Fatalf("trial %d: scheduled %d of %d groups", trial, len(waveOf), p.GroupCount())
		}

		for _, g := range p.Groups {
			for _, dep := range g.DependsOn {
				if waveOf[dep] >= waveOf[g.ID] {
					t.Errorf("trial %d: %s (wave %d) scheduled no later than its dependency %s (wave %d)",
						trial, g.ID, waveOf[g.ID], dep, waveOf[dep])
				}
			}
		}
	}
}
