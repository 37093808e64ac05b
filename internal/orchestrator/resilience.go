package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/agentteam/internal/log"
	"github.com/aristath/agentteam/internal/scheduler"
)

// errHandlerFailed marks a failed outcome for the circuit breaker counts.
var errHandlerFailed = errors.New("handler reported failure")

// newIdleBackOff returns the per-agent polling policy: exponential from
// PollInterval up to MaxPollInterval, never giving up.
func newIdleBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.PollInterval
	b.MaxInterval = cfg.MaxPollInterval
	b.MaxElapsedTime = 0
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// newBreaker creates the run-wide handler circuit breaker, or nil when
// disabled. While open, agents stop claiming new work.
func newBreaker(cfg Config, logger log.Logger) *gobreaker.CircuitBreaker {
	if cfg.BreakerThreshold <= 0 {
		return nil
	}

	threshold := uint32(cfg.BreakerThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "handler",
		MaxRequests: uint32(cfg.Agents), // Every agent may probe while half-open
		Interval:    0,                  // Don't clear counts automatically
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warningf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// A handler cut short by its own timeout is still a failure.
			return err == nil
		},
	})
}

// breakerOpen reports whether claiming should pause.
func breakerOpen(cb *gobreaker.CircuitBreaker) bool {
	return cb != nil && cb.State() == gobreaker.StateOpen
}

// callHandler runs the handler with panic recovery, the optional per-task
// timeout and the circuit breaker. The task is already claimed, so a breaker
// refusal still runs the handler.
func (o *Orchestrator) callHandler(ctx context.Context, agent *Agent, task scheduler.Task, handler Handler) Outcome {
	if o.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.HandlerTimeout)
		defer cancel()
	}

	if o.breaker == nil {
		return safeHandle(ctx, agent, task, handler)
	}

	var out Outcome
	_, err := o.breaker.Execute(func() (interface{}, error) {
		out = safeHandle(ctx, agent, task, handler)
		if !out.Success {
			return out, errHandlerFailed
		}
		return out, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return safeHandle(ctx, agent, task, handler)
	}
	return out
}

func safeHandle(ctx context.Context, agent *Agent, task scheduler.Task, handler Handler) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Success: false, Message: fmt.Sprintf("handler panic: %v\n%s", r, debug.Stack())}
		}
	}()
	return handler.Handle(ctx, agent, task)
}

// wakeup lets idle agents sleep until something in the pool changes. Each
// fire releases every current waiter.
type wakeup struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWakeup() *wakeup {
	return &wakeup{ch: make(chan struct{})}
}

func (w *wakeup) wait() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

func (w *wakeup) fire() {
	w.mu.Lock()
	close(w.ch)
	w.ch = make(chan struct{})
	w.mu.Unlock()
}

// sleep waits for d, a wakeup or ctx. It returns false if ctx ended.
func (w *wakeup) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-w.wait():
		return true
	}
}
