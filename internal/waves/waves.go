// Package waves computes dependency ordering for work items: cycle detection,
// dependency depth ("wave") per item, and which briefing items are ready to
// enter the pipeline. Resolution is a pure function of the item snapshot.
package waves

import (
	"sort"

	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
)

// Resolution is the result of resolving one snapshot of the item graph.
type Resolution struct {
	// Cycles lists each detected dependency cycle as an id path. A non-empty
	// value means the caller must not schedule from this graph.
	Cycles [][]string `json:"cycles"`
	// Depths maps item id to dependency depth; items inside a cycle are absent.
	Depths map[string]int `json:"depths"`
	// Waves groups item ids by depth, each wave sorted by id.
	Waves map[int][]string `json:"waves"`
	// Ready lists briefing items whose every dependency is done.
	Ready []string `json:"ready"`
}

// Resolve computes cycles, depths, waves and readiness for the snapshot.
// Identical input always yields identical output.
func Resolve(items []domain.WorkItem) Resolution {
	byID := make(map[string]domain.WorkItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	cyclic := map[string]bool{}
	res := Resolution{
		Cycles: detectCycles(items, byID, cyclic),
		Depths: map[string]int{},
		Waves:  map[int][]string{},
	}

	depths := map[string]int{}
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := depths[id]; ok {
			return d
		}
		it := byID[id]
		d := 0
		for _, dep := range it.DependsOn {
			if _, ok := byID[dep]; !ok || cyclic[dep] {
				continue
			}
			if dd := depth(dep) + 1; dd > d {
				d = dd
			}
		}
		depths[id] = d
		return d
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if cyclic[id] {
			continue
		}
		d := depth(id)
		res.Depths[id] = d
		res.Waves[d] = append(res.Waves[d], id)
	}

	for _, id := range ids {
		it := byID[id]
		if it.Stage != domain.StageBriefings || cyclic[id] {
			continue
		}
		if depsDone(it, byID) {
			res.Ready = append(res.Ready, id)
		}
	}
	return res
}

// depsDone reports whether every dependency exists in the snapshot and is done.
func depsDone(it domain.WorkItem, byID map[string]domain.WorkItem) bool {
	for _, dep := range it.DependsOn {
		d, ok := byID[dep]
		if !ok || d.Stage != domain.StageDone {
			return false
		}
	}
	return true
}

// FinalReviewReady is true exactly when every item is done and nothing is in
// flight. An empty snapshot has nothing to review and reports false.
func FinalReviewReady(items []domain.WorkItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if it.Stage != domain.StageDone {
			return false
		}
	}
	return true
}

// detectCycles runs DFS with white/gray/black coloring over the dependency
// edges and returns each cycle path found. Every node on a gray back-edge path
// is marked in cyclic so depth computation can skip it.
func detectCycles(items []domain.WorkItem, byID map[string]domain.WorkItem, cyclic map[string]bool) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	parent := map[string]string{}
	var cycles [][]string

	var dfs func(id string)
	dfs = func(id string) {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				cycle := []string{dep, id}
				cur := id
				for cur != dep {
					cur = parent[cur]
					cycle = append(cycle, cur)
				}
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				// drop the duplicated start node at the tail
				cycle = cycle[:len(cycle)-1]
				for _, n := range cycle {
					cyclic[n] = true
				}
				cycles = append(cycles, cycle)
			case white:
				parent[dep] = id
				dfs(dep)
			}
		}
		color[id] = black
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			dfs(id)
		}
	}
	return cycles
}
