// Package taskfile loads task lists from YAML. Tasks reference each other by
// symbolic name; names are mapped to generated task IDs on load.
package taskfile

import (
	"context"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"

	"github.com/aristath/agentteam/internal/orchestrator"
	"github.com/aristath/agentteam/internal/persistence"
)

// File is the YAML structure of a task list.
type File struct {
	Tasks []Entry `yaml:"tasks"`
}

// Entry is one task in a task list.
type Entry struct {
	Name        string   `yaml:"name"` // Optional unless referenced
	Description string   `yaml:"description"`
	Priority    int      `yaml:"priority"`
	Role        string   `yaml:"role,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
}

// TaskList is a loaded task list ready for Orchestrator.AddTasks.
type TaskList struct {
	Specs []orchestrator.TaskSpec
	IDs   map[string]string // Symbolic name to task ID
}

// Repository loads task lists from a filesystem.
type Repository struct {
	fs    fs.FS
	newID func() string
}

// NewRepository creates a new task list repository.
func NewRepository(filesystem fs.FS) *Repository {
	return &Repository{fs: filesystem, newID: persistence.NewTaskID}
}

// Load reads, validates and converts the task list at path.
func (r *Repository) Load(ctx context.Context, path string) (*TaskList, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return r.Parse(data)
}

// Parse validates and converts a YAML task list.
func (r *Repository) Parse(data []byte) (*TaskList, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid task file: %w", err)
	}
	return f.toTaskList(r.newID), nil
}

func (f File) validate() error {
	if len(f.Tasks) == 0 {
		return fmt.Errorf("at least one task is required")
	}

	names := make(map[string]bool, len(f.Tasks))
	for i, e := range f.Tasks {
		if e.Description == "" {
			return fmt.Errorf("task %d: description is required", i)
		}
		if e.Name == "" {
			continue
		}
		if names[e.Name] {
			return fmt.Errorf("task %d: duplicate name %q", i, e.Name)
		}
		names[e.Name] = true
	}

	for i, e := range f.Tasks {
		for _, dep := range e.DependsOn {
			if !names[dep] {
				return fmt.Errorf("task %d: depends on unknown task %q", i, dep)
			}
			if dep == e.Name {
				return fmt.Errorf("task %d: %q depends on itself", i, dep)
			}
		}
	}
	return nil
}

func (f File) toTaskList(newID func() string) *TaskList {
	list := &TaskList{IDs: make(map[string]string)}
	for _, e := range f.Tasks {
		if e.Name != "" {
			list.IDs[e.Name] = newID()
		}
	}

	for _, e := range f.Tasks {
		spec := orchestrator.TaskSpec{
			ID:          list.IDs[e.Name],
			Description: e.Description,
			Priority:    e.Priority,
			Role:        e.Role,
		}
		for _, dep := range e.DependsOn {
			spec.Dependencies = append(spec.Dependencies, list.IDs[dep])
		}
		list.Specs = append(list.Specs, spec)
	}
	return list
}
