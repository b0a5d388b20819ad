// Package runner drives the poll-execute cycle on a fixed interval and
// stops it once consecutive failures use up the failure budget.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/linkflow/funcrt/internal/function"
	"github.com/linkflow/funcrt/internal/observability/metrics"
	"github.com/linkflow/funcrt/internal/store"
)

// DefaultInterval is the polling interval when none is configured.
const DefaultInterval = 5 * time.Second

type Config struct {
	Gateway       store.Gateway
	Handler       function.Handler
	Context       *function.Context
	Interval      time.Duration
	FailureBudget int
	Identity      string
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Tracer        trace.Tracer
	Now           func() time.Time
}

// Status is a point-in-time view of a Runner, safe to read from other
// goroutines.
type Status struct {
	Identity        string          `json:"identity"`
	Running         bool            `json:"running"`
	Exhausted       bool            `json:"exhausted"`
	FailureBudget   int             `json:"failure_budget"`
	RemainingBudget int             `json:"remaining_budget"`
	Cycles          uint64          `json:"cycles"`
	Executions      uint64          `json:"executions"`
	LastOutcome     string          `json:"last_outcome,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Context         function.Status `json:"context"`
}

type Runner struct {
	cycle    *Cycle
	governor *Governor
	fc       *function.Context
	interval time.Duration
	identity string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	status Status
}

func New(cfg Config) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Identity == "" {
		cfg.Identity = uuid.New().String()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("identity", cfg.Identity))

	r := &Runner{
		cycle: NewCycle(CycleConfig{
			Gateway: cfg.Gateway,
			Handler: cfg.Handler,
			Context: cfg.Context,
			Logger:  logger,
			Metrics: cfg.Metrics,
			Tracer:  cfg.Tracer,
			Now:     cfg.Now,
		}),
		governor: NewGovernor(cfg.FailureBudget),
		fc:       cfg.Context,
		interval: cfg.Interval,
		identity: cfg.Identity,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
	r.status = Status{
		Identity:        r.identity,
		FailureBudget:   r.governor.Budget(),
		RemainingBudget: r.governor.Remaining(),
		Context:         r.fc.Status(),
	}
	r.metrics.SetBudgetRemaining(r.governor.Remaining())
	return r
}

// Run polls until ctx is cancelled or the failure budget is exhausted.
// Cancellation returns nil; exhaustion returns an error wrapping
// ErrBudgetExhausted and the last cycle failure.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started",
		slog.String("input_key", r.fc.InputKey()),
		slog.String("output_key", r.fc.OutputKey()),
		slog.String("handler", r.fc.Handler()),
		slog.Duration("interval", r.interval),
		slog.Int("failure_budget", r.governor.Budget()),
	)
	r.setRunning(true)
	defer r.setRunning(false)

	for {
		if ctx.Err() != nil {
			r.logger.Info("runner stopped by interrupt")
			return nil
		}

		started := time.Now()
		outcome, err := r.cycle.Run(ctx)
		elapsed := time.Since(started)

		if err != nil && ctx.Err() != nil {
			r.logger.Info("runner stopped by interrupt")
			return nil
		}

		if err != nil {
			exhausted := r.governor.Failure()
			r.recordFailure(err, elapsed)
			if exhausted {
				r.logger.Error("failure budget exhausted, stopping",
					slog.Int("failure_budget", r.governor.Budget()),
					slog.String("error", err.Error()),
				)
				return errors.Join(ErrBudgetExhausted, err)
			}
		} else {
			r.governor.Success()
			r.recordSuccess(outcome, elapsed)
		}

		wait := r.interval - elapsed
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("runner stopped by interrupt")
			return nil
		case <-timer.C:
		}
	}
}

func (r *Runner) recordFailure(err error, elapsed time.Duration) {
	attrs := []any{
		slog.String("error", err.Error()),
		slog.Int("remaining_budget", r.governor.Remaining()),
	}
	stage, ok := StageOf(err)
	if ok {
		attrs = append(attrs, slog.String("stage", string(stage)))
		var se *StageError
		if errors.As(err, &se) && se.Summary != "" {
			attrs = append(attrs, slog.String("data", se.Summary))
		}
	}
	r.logger.Error("cycle failed", attrs...)

	r.metrics.CycleFailed(string(stage))
	r.metrics.CycleCompleted(metrics.OutcomeFailed, elapsed)
	r.metrics.SetBudgetRemaining(r.governor.Remaining())

	r.mu.Lock()
	r.status.Cycles++
	r.status.LastOutcome = metrics.OutcomeFailed
	r.status.LastError = err.Error()
	r.status.RemainingBudget = r.governor.Remaining()
	r.status.Exhausted = r.governor.Exhausted()
	r.mu.Unlock()
}

func (r *Runner) recordSuccess(outcome Outcome, elapsed time.Duration) {
	if outcome == OutcomeExecuted {
		r.logger.Info("handler executed",
			slog.String("output_key", r.fc.OutputKey()),
			slog.Duration("elapsed", elapsed),
		)
	} else {
		r.logger.Debug("cycle completed", slog.String("outcome", outcome.String()))
	}

	r.metrics.CycleCompleted(outcome.String(), elapsed)
	r.metrics.SetBudgetRemaining(r.governor.Remaining())

	r.mu.Lock()
	r.status.Cycles++
	if outcome == OutcomeExecuted {
		r.status.Executions++
	}
	r.status.LastOutcome = outcome.String()
	r.status.LastError = ""
	r.status.RemainingBudget = r.governor.Remaining()
	r.status.Context = r.fc.Status()
	r.mu.Unlock()
}

func (r *Runner) setRunning(running bool) {
	r.mu.Lock()
	r.status.Running = running
	r.mu.Unlock()
}

// Status returns the state published after the last completed cycle.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Healthy reports whether the runner can still make progress.
func (r *Runner) Healthy() bool {
	return !r.Status().Exhausted
}
