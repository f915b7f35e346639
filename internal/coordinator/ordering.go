package coordinator

import (
	"fmt"
	"sort"

	"github.com/storyforge/pipeline/internal/model"
)

// orderEpics applies the Conservative Dependency Policy — when more than
// one repository is targeted, epics on different repositories get a
// synthetic depends-on edge from each later epic to every earlier one
// targeting a different repository, so they never run in parallel — then
// topologically sorts the result. Ties are broken by epic ID so ordering
// is deterministic and reproducible across runs.
func orderEpics(epics []model.Epic) ([]model.Epic, error) {
	augmented := withConservativeDependencies(epics)
	return topoSort(augmented)
}

// withConservativeDependencies returns a copy of epics whose DependsOn
// list has been extended with a synthetic edge to every prior epic (by
// input order) that targets a different repository. Existing explicit
// dependencies are preserved.
func withConservativeDependencies(epics []model.Epic) []model.Epic {
	repos := map[string]bool{}
	for _, e := range epics {
		repos[e.Repository] = true
	}
	if len(repos) <= 1 {
		return epics
	}

	out := make([]model.Epic, len(epics))
	copy(out, epics)
	for i := range out {
		seen := map[string]bool{}
		for _, d := range out[i].DependsOn {
			seen[d] = true
		}
		for j := 0; j < i; j++ {
			if out[j].Repository != out[i].Repository && !seen[out[j].ID] {
				out[i].DependsOn = append(out[i].DependsOn, out[j].ID)
				seen[out[j].ID] = true
			}
		}
	}
	return out
}

// topoSort performs a deterministic Kahn's-algorithm sort over epics'
// DependsOn edges, breaking ties by epic ID. Cycles fail fast with an
// invariant error, per spec.
func topoSort(epics []model.Epic) ([]model.Epic, error) {
	byID := make(map[string]model.Epic, len(epics))
	indegree := make(map[string]int, len(epics))
	dependents := make(map[string][]string, len(epics))

	for _, e := range epics {
		byID[e.ID] = e
		if _, ok := indegree[e.ID]; !ok {
			indegree[e.ID] = 0
		}
	}
	for _, e := range epics {
		for _, dep := range e.DependsOn {
			if _, ok := byID[dep]; !ok {
				continue // dependency outside this task's epic set; not our invariant to enforce
			}
			indegree[e.ID]++
			dependents[dep] = append(dependents[dep], e.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []model.Epic
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])

		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(epics) {
		return nil, fmt.Errorf("epic dependency cycle detected among %d epics: invariant violation", len(epics)-len(order))
	}
	return order, nil
}
