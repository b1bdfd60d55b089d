package plan

import "sort"

// Waves performs a topological sort of the group dependency graph and
// returns groups batched into scheduling waves. Each inner slice contains
// group IDs whose dependencies are all satisfied by earlier waves; groups in
// the same wave have no ordering relation. Used by dry-run output and by
// tests asserting eligibility ordering.
//
// The plan must be acyclic (the parser guarantees this); on a cyclic graph
// the unreachable remainder is simply omitted.
func (p *ExecutionPlan) Waves() [][]string {
	inDegree := make(map[string]int, len(p.Groups))
	for i := range p.Groups {
		inDegree[p.Groups[i].ID] = len(p.Groups[i].DependsOn)
	}

	done := make(map[string]bool, len(p.Groups))
	var waves [][]string

	for len(done) < len(p.Groups) {
		var wave []string
		for i := range p.Groups {
			id := p.Groups[i].ID
			if !done[id] && inDegree[id] == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			break
		}
		sort.Strings(wave)
		waves = append(waves, wave)

		for _, id := range wave {
			done[id] = true
			for j := range p.Groups {
				for _, dep := range p.Groups[j].DependsOn {
					if dep == id {
						inDegree[p.Groups[j].ID]--
					}
				}
			}
		}
	}

	return waves
}

// TransitiveDependents returns the set of group IDs that depend on groupID,
// directly or transitively. The failed group itself is not included. This is
// the reachable set that cascade-skip applies to.
func (p *ExecutionPlan) TransitiveDependents(groupID string) map[string]bool {
	// Reverse adjacency: dependency -> dependents.
	dependents := make(map[string][]string, len(p.Groups))
	for i := range p.Groups {
		g := &p.Groups[i]
		for _, dep := range g.DependsOn {
			dependents[dep] = append(dependents[dep], g.ID)
		}
	}

	reached := make(map[string]bool)
	queue := []string{groupID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reached
}
