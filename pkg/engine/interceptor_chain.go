package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-pdti/pkg/engine/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InterceptorChain runs ordered interceptor steps and stops at the first
// outcome that is not Continue.
type InterceptorChain struct {
	steps  []runtime.Interceptor
	logger *slog.Logger
}

// NewInterceptorChain constructs a chain from the supplied steps. Nil steps are dropped.
func NewInterceptorChain(logger *slog.Logger, steps ...runtime.Interceptor) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}
	kept := make([]runtime.Interceptor, 0, len(steps))
	for _, step := range steps {
		if step != nil {
			kept = append(kept, step)
		}
	}
	return &InterceptorChain{steps: kept, logger: logger}
}

// Len returns the number of steps in the chain.
func (c *InterceptorChain) Len() int {
	return len(c.steps)
}

// RunPre executes the pre-dispatch phase.
func (c *InterceptorChain) RunPre(ctx context.Context, ex *runtime.Exchange) runtime.Outcome {
	return c.run(ctx, runtime.PhasePre, ex)
}

// RunPost executes the post-dispatch phase. Skip is meaningless after
// dispatch; it stops the remaining post steps and is reported as Continue.
func (c *InterceptorChain) RunPost(ctx context.Context, ex *runtime.Exchange) runtime.Outcome {
	outcome := c.run(ctx, runtime.PhasePost, ex)
	if outcome.Action == runtime.ActionSkip {
		c.logger.Debug("ignoring skip returned from post phase",
			"directory_id", ex.DirectoryID,
			"request_id", ex.RequestID,
			"reason", outcome.Reason,
		)
		return runtime.Continue()
	}
	return outcome
}

func (c *InterceptorChain) run(ctx context.Context, phase runtime.Phase, ex *runtime.Exchange) runtime.Outcome {
	span := trace.SpanFromContext(ctx)
	for _, step := range c.steps {
		outcome := c.invoke(ctx, phase, step, ex).WithDefaults()
		if outcome.Action == runtime.ActionContinue {
			continue
		}

		span.AddEvent("interceptor.outcome", trace.WithAttributes(
			attribute.String("interceptor.name", step.Name()),
			attribute.String("interceptor.phase", string(phase)),
			attribute.String("interceptor.action", string(outcome.Action)),
		))

		if outcome.Action == runtime.ActionAbort {
			outcome.Err = fmt.Errorf("interceptor %q (%s): %w", step.Name(), phase, outcome.Err)
		}
		c.logger.Debug("interceptor chain stopped",
			"interceptor", step.Name(),
			"phase", phase,
			"action", outcome.Action,
			"reason", outcome.Reason,
			"directory_id", ex.DirectoryID,
			"request_id", ex.RequestID,
		)
		return outcome
	}
	return runtime.Continue()
}

// invoke runs one step and converts a panic into an abort outcome.
func (c *InterceptorChain) invoke(ctx context.Context, phase runtime.Phase, step runtime.Interceptor, ex *runtime.Exchange) (outcome runtime.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = runtime.Abort(fmt.Errorf("panic: %v", r))
		}
	}()
	if phase == runtime.PhasePre {
		return step.Before(ctx, ex)
	}
	return step.After(ctx, ex)
}
