package printer

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/aristath/agentteam/internal/orchestrator"
	"github.com/aristath/agentteam/internal/scheduler"
)

const descriptionWidth = 40

// TablePrinter prints run information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintReport prints a run summary followed by one row per agent.
func (t *TablePrinter) PrintReport(r orchestrator.Report) error {
	fmt.Fprintf(t.writer, "Run:         %s\n", r.RunID)
	fmt.Fprintf(t.writer, "Duration:    %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(t.writer, "Attempted:   %d\n", r.Attempted)
	fmt.Fprintf(t.writer, "Completed:   %d\n", r.Completed)
	fmt.Fprintf(t.writer, "Failed:      %d\n", r.Failed)
	fmt.Fprintf(t.writer, "Running:     %d\n", r.Running)
	fmt.Fprintf(t.writer, "In flight:   %d\n", r.InFlight)
	fmt.Fprintf(t.writer, "Throughput:  %.2f tasks/s\n", r.Throughput)
	switch {
	case r.TimedOut:
		fmt.Fprintf(t.writer, "Outcome:     timed out\n")
	case r.Interrupted:
		fmt.Fprintf(t.writer, "Outcome:     interrupted\n")
	default:
		fmt.Fprintf(t.writer, "Outcome:     finished\n")
	}
	if !r.Drained {
		fmt.Fprintf(t.writer, "Warning:     agents still running after drain timeout\n")
	}
	fmt.Fprintln(t.writer)

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "STATUS\tCOUNT")
	for _, st := range scheduler.Statuses {
		fmt.Fprintf(tw, "%s\t%d\n", st, r.CountsByStatus[string(st)])
	}
	fmt.Fprintln(tw, "\t")

	fmt.Fprintln(tw, "AGENT\tROLE\tCOMPLETED\tFAILED\tCURRENT")
	for _, a := range r.Agents {
		current := a.CurrentTask
		if current == "" {
			current = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", a.ID, a.Role, a.Completed, a.Failed, current)
	}

	return nil
}

// PrintTasks prints the pool counts and one row per task.
func (t *TablePrinter) PrintTasks(tasks []*scheduler.Task, stats scheduler.Stats) error {
	fmt.Fprintf(t.writer, "Total: %d", stats.Total)
	for _, st := range scheduler.Statuses {
		if n := stats.Count(st); n > 0 {
			fmt.Fprintf(t.writer, "  %s: %d", st, n)
		}
	}
	fmt.Fprintln(t.writer)

	if len(tasks) == 0 {
		return nil
	}
	fmt.Fprintln(t.writer)

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tPRIORITY\tSTATUS\tAGENT\tDESCRIPTION")
	for _, task := range tasks {
		agent := task.ClaimedBy
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", task.ID, task.Priority, task.Status, agent, shorten(task.Description, descriptionWidth))
	}

	return nil
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
