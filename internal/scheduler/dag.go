package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// ValidateGraph runs topological sort using gammazero/toposort over a
// dependency map (task ID -> dependency IDs).
// Returns ordered task IDs or error if a cycle or an unknown dependency exists.
func ValidateGraph(deps map[string][]string) ([]string, error) {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// First, verify all dependencies exist
	for _, id := range ids {
		for _, depID := range deps[id] {
			if _, exists := deps[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, depID)
			}
			if depID == id {
				return nil, fmt.Errorf("task %q depends on itself", id)
			}
		}
	}

	var edges []toposort.Edge
	for _, id := range ids {
		if len(deps[id]) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range deps[id] {
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Verify all tasks are in the sorted result
	if len(order) != len(deps) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		missing := []string{}
		for _, id := range ids {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// DependencyMap extracts the ID -> dependencies map from tasks.
func DependencyMap(tasks []*Task) map[string][]string {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
	}
	return deps
}

// Eligible returns the pending tasks whose dependencies are ALL completed,
// ordered by priority descending, then creation sequence ascending.
func Eligible(tasks []*Task) []*Task {
	completed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == TaskCompleted {
			completed[t.ID] = true
		}
	}

	eligible := []*Task{}
	for _, t := range tasks {
		if t.Status != TaskPending {
			continue
		}

		ready := true
		for _, depID := range t.Dependencies {
			if !completed[depID] {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, t)
		}
	}

	SortByPriority(eligible)
	return eligible
}

// SortByPriority orders tasks by priority descending, ties by sequence.
func SortByPriority(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].Sequence < tasks[j].Sequence
	})
}

// SortBySequence orders tasks by creation sequence.
func SortBySequence(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Sequence < tasks[j].Sequence
	})
}

// PendingDependents returns the pending tasks that transitively depend on
// rootID, in creation order.
func PendingDependents(tasks []*Task, rootID string) []*Task {
	dependents := make(map[string][]*Task)
	for _, t := range tasks {
		for _, depID := range t.Dependencies {
			dependents[depID] = append(dependents[depID], t)
		}
	}

	seen := map[string]bool{rootID: true}
	queue := []string{rootID}
	var out []*Task
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, d := range dependents[id] {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			queue = append(queue, d.ID)
			if d.Status == TaskPending {
				out = append(out, d)
			}
		}
	}

	SortBySequence(out)
	return out
}
