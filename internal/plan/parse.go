package plan

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	enginerr "github.com/planrun/planrun/internal/errors"
)

// sourceStep mirrors a step entry in plan source.
type sourceStep struct {
	ID      string            `yaml:"id" json:"id"`
	Title   string            `yaml:"title" json:"title"`
	Command string            `yaml:"command" json:"command"`
	Inputs  map[string]string `yaml:"inputs" json:"inputs"`
}

// sourceGroup mirrors a group entry in plan source. It accepts "depends" as
// an alias for "depends_on", since plan authors use both.
type sourceGroup struct {
	ID         string       `yaml:"id" json:"id"`
	Title      string       `yaml:"title" json:"title"`
	Parallel   bool         `yaml:"parallel" json:"parallel"`
	DependsOn  []string     `yaml:"depends_on" json:"depends_on"`
	Depends    []string     `yaml:"depends" json:"depends"` // Alternative name
	Strategy   string       `yaml:"strategy" json:"strategy"`
	BestEffort bool         `yaml:"best_effort" json:"best_effort"`
	Steps      []sourceStep `yaml:"steps" json:"steps"`
}

// sourceDoc mirrors the root of a plan source document.
type sourceDoc struct {
	ID     string        `yaml:"id" json:"id"`
	Name   string        `yaml:"name" json:"name"`
	Groups []sourceGroup `yaml:"groups" json:"groups"`
}

// Parse turns plan source into a validated ExecutionPlan.
//
// The source is a YAML document (JSON is accepted too, being a YAML subset)
// with a "groups" list. Each group recognizes the annotations "parallel"
// (default false), "depends"/"depends_on" (default empty), "strategy"
// (opaque), and "best_effort" (default false).
//
// Parse is pure: it reads only the bytes it is given. It returns a
// *errors.ParseError for cyclic dependencies, references to undefined
// groups, and malformed annotations.
func Parse(source []byte, sourceRef string) (*ExecutionPlan, error) {
	var doc sourceDoc
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, enginerr.NewParseError(enginerr.ParseMalformedAnnotation, "",
			fmt.Sprintf("invalid plan document: %v", err))
	}

	if len(doc.Groups) == 0 {
		return nil, enginerr.NewParseError(enginerr.ParseMalformedAnnotation, "",
			"plan contains no groups")
	}

	p := &ExecutionPlan{
		ID:              doc.ID,
		Name:            doc.Name,
		SourceRef:       sourceRef,
		Groups:          make([]StepGroup, 0, len(doc.Groups)),
		DependencyGraph: make(map[string][]string, len(doc.Groups)),
		CreatedAt:       time.Now(),
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	seenGroups := make(map[string]bool, len(doc.Groups))
	seenSteps := make(map[string]bool)

	for _, sg := range doc.Groups {
		if sg.ID == "" {
			return nil, enginerr.NewParseError(enginerr.ParseMalformedAnnotation, "",
				"group is missing an id")
		}
		if seenGroups[sg.ID] {
			return nil, enginerr.NewParseError(enginerr.ParseMalformedAnnotation, sg.ID,
				"duplicate group id")
		}
		seenGroups[sg.ID] = true

		if len(sg.Steps) == 0 {
			return nil, enginerr.NewParseError(enginerr.ParseMalformedAnnotation, sg.ID,
				"group has no steps")
		}

		// Prefer depends_on; fall back to the depends alias.
		dependsOn := sg.DependsOn
		if len(dependsOn) == 0 && len(sg.Depends) > 0 {
			dependsOn = sg.Depends
		}
		if dependsOn == nil {
			dependsOn = []string{}
		}
		for _, dep := range dependsOn {
			if dep == "" {
				return nil, enginerr.NewParseError(enginerr.ParseMalformedAnnotation, sg.ID,
					"empty depends entry")
			}
		}

		group := StepGroup{
			ID:         sg.ID,
			Title:      sg.Title,
			Parallel:   sg.Parallel,
			DependsOn:  dependsOn,
			Strategy:   sg.Strategy,
			BestEffort: sg.BestEffort,
			Steps:      make([]StepDefinition, 0, len(sg.Steps)),
		}

		for i, ss := range sg.Steps {
			id := ss.ID
			if id == "" {
				// Steps may omit ids; derive a stable one from position.
				id = fmt.Sprintf("%s-%d", sg.ID, i+1)
			}
			if seenSteps[id] {
				return nil, enginerr.NewParseError(enginerr.ParseMalformedAnnotation, sg.ID,
					fmt.Sprintf("duplicate step id %q", id))
			}
			seenSteps[id] = true

			group.Steps = append(group.Steps, StepDefinition{
				ID:      id,
				GroupID: sg.ID,
				Title:   ss.Title,
				Command: ss.Command,
				Inputs:  ss.Inputs,
				Status:  StepPending,
			})
		}

		p.Groups = append(p.Groups, group)
		p.DependencyGraph[group.ID] = group.DependsOn
	}

	if err := checkReferences(p); err != nil {
		return nil, err
	}
	if err := checkCycles(p); err != nil {
		return nil, err
	}

	return p, nil
}

// ParseFile reads a plan source file and delegates to Parse.
func ParseFile(path string) (*ExecutionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan source: %w", err)
	}
	return Parse(data, path)
}

// MarshalSource serializes the plan back to canonical YAML plan source.
// Parsing the output yields a plan equal to the original (runtime status is
// not part of plan source).
func (p *ExecutionPlan) MarshalSource() ([]byte, error) {
	doc := sourceDoc{
		ID:     p.ID,
		Name:   p.Name,
		Groups: make([]sourceGroup, 0, len(p.Groups)),
	}
	for i := range p.Groups {
		g := &p.Groups[i]
		sg := sourceGroup{
			ID:         g.ID,
			Title:      g.Title,
			Parallel:   g.Parallel,
			DependsOn:  g.DependsOn,
			Strategy:   g.Strategy,
			BestEffort: g.BestEffort,
			Steps:      make([]sourceStep, 0, len(g.Steps)),
		}
		for j := range g.Steps {
			s := &g.Steps[j]
			sg.Steps = append(sg.Steps, sourceStep{
				ID:      s.ID,
				Title:   s.Title,
				Command: s.Command,
				Inputs:  s.Inputs,
			})
		}
		doc.Groups = append(doc.Groups, sg)
	}
	return yaml.Marshal(doc)
}

// checkReferences verifies every depends entry names a defined group and
// that no group depends on itself.
func checkReferences(p *ExecutionPlan) error {
	for i := range p.Groups {
		g := &p.Groups[i]
		for _, dep := range g.DependsOn {
			if dep == g.ID {
				return enginerr.NewParseError(enginerr.ParseCyclicDependency, g.ID,
					"group depends on itself")
			}
			if p.Group(dep) == nil {
				return enginerr.NewParseError(enginerr.ParseUnknownGroupReference, g.ID,
					fmt.Sprintf("depends on undefined group %q", dep))
			}
		}
	}
	return nil
}

// checkCycles detects dependency cycles with a three-color DFS and reports
// the cycle path in the error detail.
func checkCycles(p *ExecutionPlan) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(p.Groups))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		color[id] = gray
		path = append(path, id)
		for _, dep := range p.DependencyGraph[id] {
			switch color[dep] {
			case gray:
				cycle := append(path, dep)
				return enginerr.NewParseError(enginerr.ParseCyclicDependency, dep,
					fmt.Sprintf("dependency cycle: %s", joinArrow(cycle)))
			case white:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	// Visit in a stable order so error messages are deterministic.
	ids := make([]string, 0, len(p.Groups))
	for i := range p.Groups {
		ids = append(ids, p.Groups[i].ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinArrow(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out
}
