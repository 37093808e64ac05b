package scheduler

import (
	"strings"
	"testing"
)

// TestValidateGraph tests graph validation with various structures.
func TestValidateGraph(t *testing.T) {
	tests := []struct {
		name        string
		deps        map[string][]string
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			deps: map[string][]string{"A": {}, "B": {"A"}, "C": {"B"}},
		},
		{
			name: "valid parallel tasks",
			deps: map[string][]string{"A": {}, "B": {}, "C": {"A", "B"}},
		},
		{
			name: "single task no deps",
			deps: map[string][]string{"A": nil},
		},
		{
			name:        "direct cycle",
			deps:        map[string][]string{"A": {"B"}, "B": {"A"}},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "transitive cycle",
			deps:        map[string][]string{"A": {"B"}, "B": {"C"}, "C": {"A"}},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "self-loop",
			deps:        map[string][]string{"A": {"A"}},
			wantErr:     true,
			errContains: "itself",
		},
		{
			name:        "unknown dependency",
			deps:        map[string][]string{"A": {"ghost"}},
			wantErr:     true,
			errContains: "non-existent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := ValidateGraph(tt.deps)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got order %v", order)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(order) != len(tt.deps) {
				t.Fatalf("expected %d ids, got %v", len(tt.deps), order)
			}

			pos := make(map[string]int, len(order))
			for i, id := range order {
				pos[id] = i
			}
			for id, deps := range tt.deps {
				for _, d := range deps {
					if pos[d] >= pos[id] {
						t.Errorf("%s must come before %s in %v", d, id, order)
					}
				}
			}
		})
	}
}

func TestEligible(t *testing.T) {
	tasks := []*Task{
		{ID: "a", Status: TaskCompleted, Sequence: 1},
		{ID: "b", Status: TaskPending, Dependencies: []string{"a"}, Priority: 1, Sequence: 2},
		{ID: "c", Status: TaskPending, Dependencies: []string{"a", "d"}, Priority: 9, Sequence: 3},
		{ID: "d", Status: TaskInProgress, Sequence: 4},
		{ID: "e", Status: TaskPending, Priority: 5, Sequence: 5},
		{ID: "f", Status: TaskPending, Priority: 5, Sequence: 6},
		{ID: "g", Status: TaskFailed, Sequence: 7},
		{ID: "h", Status: TaskPending, Dependencies: []string{"g"}, Priority: 10, Sequence: 8},
	}

	got := Eligible(tasks)
	want := []string{"e", "f", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected %d eligible tasks, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestEligibleEmpty(t *testing.T) {
	if got := Eligible(nil); len(got) != 0 {
		t.Errorf("expected no eligible tasks, got %d", len(got))
	}
}

func TestPendingDependents(t *testing.T) {
	tasks := []*Task{
		{ID: "root", Status: TaskFailed, Sequence: 1},
		{ID: "child", Status: TaskPending, Dependencies: []string{"root"}, Sequence: 2},
		{ID: "grandchild", Status: TaskPending, Dependencies: []string{"child"}, Sequence: 3},
		{ID: "done", Status: TaskCompleted, Dependencies: []string{"root"}, Sequence: 4},
		{ID: "after-done", Status: TaskPending, Dependencies: []string{"done"}, Sequence: 5},
		{ID: "unrelated", Status: TaskPending, Sequence: 6},
	}

	got := PendingDependents(tasks, "root")
	want := []string{"child", "grandchild", "after-done"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %d tasks", want, len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestDependencyMap(t *testing.T) {
	tasks := []*Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
	}
	deps := DependencyMap(tasks)
	if len(deps) != 2 || len(deps["b"]) != 1 || deps["b"][0] != "a" {
		t.Errorf("unexpected dependency map: %v", deps)
	}
}
