package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentteam/internal/log"
	"github.com/aristath/agentteam/internal/persistence"
)

// ErrRunTimeout is returned by Report.Err when the run hit its timeout.
var ErrRunTimeout = errors.New("run timed out")

// AgentReport is the per-agent part of a Report.
type AgentReport struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	CurrentTask string `json:"current_task,omitempty"`
}

// Report summarizes one Run.
type Report struct {
	RunID          string         `json:"run_id"`
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
	CountsByStatus map[string]int `json:"counts_by_status"`
	Agents         []AgentReport  `json:"agents"`
	Attempted      int            `json:"attempted"` // Completed + Failed + Running
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Running        int            `json:"running"`   // Claimed by this run's agents and not yet released
	InFlight       int            `json:"in_flight"` // Claimed or in progress in the whole pool
	Throughput     float64        `json:"throughput"` // Completed tasks per second
	TimedOut       bool           `json:"timed_out"`
	Interrupted    bool           `json:"interrupted"` // Parent context ended the run
	Drained        bool           `json:"drained"`     // Every agent loop returned
}

// Err returns ErrRunTimeout for a timed out run, nil otherwise.
func (r *Report) Err() error {
	if r.TimedOut {
		return ErrRunTimeout
	}
	return nil
}

// Run starts one loop per agent and waits until the pool is finished, the
// timeout expires or ctx ends. A stop only prevents new claims; in-flight
// tasks get up to DrainTimeout to finish. A timeout is reported in the Report,
// not as an error. The returned error is the first agent loop failure.
func (o *Orchestrator) Run(ctx context.Context, handler Handler, timeout time.Duration) (*Report, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	runID := uuid.NewString()
	ctx = o.logger.SetValuesOnCtx(ctx, log.Kv{"run_id": runID})
	logger := o.logger.WithCtxValues(ctx)
	started := time.Now()

	var (
		loopCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		loopCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		loopCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if n, ok := o.store.(persistence.Notifier); ok {
		changes, err := n.Watch(loopCtx)
		if err != nil {
			logger.Warningf("Store notifications unavailable, polling only: %v", err)
		} else {
			go func() {
				for range changes {
					o.wake.fire()
				}
			}()
		}
	}

	logger.Infof("Starting run with %d agents (concurrency %d)", len(o.agents), o.config.Concurrency)

	g, gctx := errgroup.WithContext(loopCtx)
	g.SetLimit(o.config.Concurrency)
	done := make(chan error, 1)
	go func() {
		for _, agent := range o.agents {
			g.Go(func() error {
				return o.AgentLoop(gctx, agent, handler)
			})
		}
		done <- g.Wait()
	}()

	var loopErr error
	drained := true
	select {
	case loopErr = <-done:
	case <-loopCtx.Done():
		logger.Infof("Run stopping, waiting up to %s for in-flight tasks", o.config.DrainTimeout)
		drain := time.NewTimer(o.config.DrainTimeout)
		select {
		case loopErr = <-done:
		case <-drain.C:
			drained = false
			logger.Warningf("Drain timeout reached with agents still running")
		}
		drain.Stop()
	}

	timedOut := ctx.Err() == nil && errors.Is(loopCtx.Err(), context.DeadlineExceeded)
	interrupted := ctx.Err() != nil
	cancel()

	report, err := o.report(context.WithoutCancel(ctx), runID, started)
	if err != nil {
		return nil, err
	}
	report.TimedOut = timedOut
	report.Interrupted = interrupted
	report.Drained = drained

	logger.Infof("Run finished in %s: %d completed, %d failed, %d in flight",
		report.Duration.Round(time.Millisecond), report.Completed, report.Failed, report.InFlight)

	if loopErr != nil {
		return report, fmt.Errorf("agent loop failed: %w", loopErr)
	}
	return report, nil
}

func (o *Orchestrator) report(ctx context.Context, runID string, started time.Time) (*Report, error) {
	stats, err := o.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read final stats: %w", err)
	}

	r := &Report{
		RunID:          runID,
		StartedAt:      started,
		Duration:       time.Since(started),
		CountsByStatus: make(map[string]int, len(stats.ByStatus)),
		InFlight:       stats.InFlight(),
	}
	for st, n := range stats.ByStatus {
		r.CountsByStatus[string(st)] = n
	}

	for _, a := range o.agents {
		ar := AgentReport{ID: a.ID, Role: a.Role}
		ar.CurrentTask, ar.Completed, ar.Failed = a.snapshot()
		r.Agents = append(r.Agents, ar)
		r.Completed += ar.Completed
		r.Failed += ar.Failed
		if ar.CurrentTask != "" {
			r.Running++
		}
	}
	r.Attempted = r.Completed + r.Failed + r.Running

	if secs := r.Duration.Seconds(); secs > 0 {
		r.Throughput = float64(r.Completed) / secs
	}
	return r, nil
}
