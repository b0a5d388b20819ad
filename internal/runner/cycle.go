package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/linkflow/funcrt/internal/function"
	"github.com/linkflow/funcrt/internal/observability/metrics"
	"github.com/linkflow/funcrt/internal/observability/tracing"
	"github.com/linkflow/funcrt/internal/store"
)

// Outcome is how a successful cycle ended.
type Outcome int

const (
	// OutcomeAbsent means the input key did not exist.
	OutcomeAbsent Outcome = iota
	// OutcomeUnchanged means the snapshot equals the one last processed.
	OutcomeUnchanged
	// OutcomeExecuted means the handler ran and its result was stored.
	OutcomeExecuted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAbsent:
		return metrics.OutcomeAbsent
	case OutcomeUnchanged:
		return metrics.OutcomeUnchanged
	case OutcomeExecuted:
		return metrics.OutcomeExecuted
	default:
		return "unknown"
	}
}

// absentLogPeriod limits how often a missing input key is logged.
const absentLogPeriod = time.Minute

// CycleConfig holds the collaborators of a Cycle.
type CycleConfig struct {
	Gateway store.Gateway
	Handler function.Handler
	Context *function.Context
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Cycle performs one read, compare, invoke, write pass. It keeps the
// snapshot last handed to the handler, so one Cycle must be driven by a
// single goroutine.
type Cycle struct {
	gateway store.Gateway
	handler function.Handler
	fc      *function.Context
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	previous function.Snapshot
	seen     bool

	absentLog rate.Sometimes
}

func NewCycle(cfg CycleConfig) *Cycle {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("funcrt")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Cycle{
		gateway:   cfg.Gateway,
		handler:   cfg.Handler,
		fc:        cfg.Context,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		now:       cfg.Now,
		absentLog: rate.Sometimes{Interval: absentLogPeriod},
	}
}

// Run executes one cycle. Failures are returned as *StageError. If ctx is
// cancelled before the result is written, nothing is written and ctx.Err()
// is returned.
func (c *Cycle) Run(ctx context.Context) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "cycle",
		trace.WithAttributes(attribute.String("input_key", c.fc.InputKey())),
	)
	defer span.End()

	outcome, err := c.run(ctx)
	if err != nil {
		tracing.SetError(ctx, err)
		return outcome, err
	}
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	return outcome, nil
}

func (c *Cycle) run(ctx context.Context) (Outcome, error) {
	inputKey := c.fc.InputKey()
	outputKey := c.fc.OutputKey()

	payload, err := c.gateway.Get(ctx, inputKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.absentLog.Do(func() {
				c.logger.Info("input key absent, waiting for data", slog.String("key", inputKey))
			})
			return OutcomeAbsent, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeAbsent, ctxErr
		}
		return OutcomeAbsent, &StageError{Stage: StageRead, Key: inputKey, Err: err}
	}
	tracing.AddEvent(ctx, "read", attribute.Int("bytes", len(payload)))

	snap, err := function.DecodeSnapshot(payload)
	if err != nil {
		return OutcomeAbsent, &StageError{Stage: StageDeserialize, Key: inputKey, Summary: summarize(payload), Err: err}
	}

	if c.seen && function.Equal(c.previous, snap) {
		return OutcomeUnchanged, nil
	}

	started := time.Now()
	result, err := function.Call(ctx, c.handler, snap, c.fc)
	c.metrics.HandlerInvoked(time.Since(started))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeAbsent, ctxErr
		}
		var pe *function.PanicError
		if errors.As(err, &pe) {
			c.logger.Debug("handler panic stack", slog.String("stack", string(pe.Stack)))
		}
		return OutcomeAbsent, &StageError{Stage: StageHandler, Key: inputKey, Summary: snap.Summary(), Err: err}
	}
	tracing.AddEvent(ctx, "invoked", attribute.Int("result_keys", len(result)))

	encoded, err := function.EncodeResult(result)
	if err != nil {
		return OutcomeAbsent, &StageError{Stage: StageSerialize, Key: outputKey, Summary: result.Summary(), Err: err}
	}

	if err := ctx.Err(); err != nil {
		return OutcomeAbsent, err
	}
	if err := c.gateway.Set(ctx, outputKey, encoded); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeAbsent, ctxErr
		}
		return OutcomeAbsent, &StageError{Stage: StageWrite, Key: outputKey, Summary: result.Summary(), Err: err}
	}

	c.previous = snap
	c.seen = true
	now := c.now()
	c.fc.RecordExecution(now)
	c.metrics.SetLastExecution(now)

	return OutcomeExecuted, nil
}

func summarize(payload []byte) string {
	const limit = 256
	if len(payload) > limit {
		return string(payload[:limit]) + "..."
	}
	return string(payload)
}
