package printer

import (
	"encoding/json"
	"io"

	"github.com/aristath/agentteam/internal/orchestrator"
	"github.com/aristath/agentteam/internal/scheduler"
)

// JSONPrinter prints run information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// poolOutput is the JSON form of a pool listing.
type poolOutput struct {
	Stats scheduler.Stats   `json:"stats"`
	Tasks []*scheduler.Task `json:"tasks"`
}

// PrintReport prints the run report as indented JSON.
func (j *JSONPrinter) PrintReport(r orchestrator.Report) error {
	return j.encode(r)
}

// PrintTasks prints the pool counts and tasks as indented JSON.
func (j *JSONPrinter) PrintTasks(tasks []*scheduler.Task, stats scheduler.Stats) error {
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	return j.encode(poolOutput{Stats: stats, Tasks: tasks})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
