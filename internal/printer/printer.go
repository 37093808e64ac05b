// Package printer renders run reports and task pools for the CLI.
package printer

import (
	"github.com/aristath/agentteam/internal/orchestrator"
	"github.com/aristath/agentteam/internal/scheduler"
)

// Printer knows how to print run information in different formats.
type Printer interface {
	PrintReport(report orchestrator.Report) error
	PrintTasks(tasks []*scheduler.Task, stats scheduler.Stats) error
}
