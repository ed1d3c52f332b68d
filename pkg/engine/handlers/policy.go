package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/polisai/polis-pdti/pkg/engine/runtime"
	"github.com/polisai/polis-pdti/pkg/policy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PolicyOptions configures a PolicyInterceptor.
type PolicyOptions struct {
	// Name identifies the interceptor in logs and error entries.
	Name string
	// Posture decides what happens when evaluation fails. Empty is fail-closed.
	Posture policy.Mode
	Logger  *slog.Logger
}

// PolicyInterceptor evaluates OPA policies against a summary of the batch in
// both phases and maps the decision onto the interceptor outcome.
type PolicyInterceptor struct {
	name    string
	filter  policy.Filter
	posture policy.Mode
	logger  *slog.Logger
}

// NewPolicyInterceptor creates a policy interceptor backed by filter.
func NewPolicyInterceptor(filter policy.Filter, opts PolicyOptions) *PolicyInterceptor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = "policy"
	}
	posture := opts.Posture
	if !posture.IsValid() {
		posture = policy.ModeFailClosed
	}
	return &PolicyInterceptor{
		name:    name,
		filter:  filter,
		posture: posture,
		logger:  logger,
	}
}

// Name implements runtime.Interceptor.
func (h *PolicyInterceptor) Name() string {
	return h.name
}

// Before implements runtime.Interceptor.
func (h *PolicyInterceptor) Before(ctx context.Context, ex *runtime.Exchange) runtime.Outcome {
	return h.evaluate(ctx, runtime.PhasePre, ex)
}

// After implements runtime.Interceptor.
func (h *PolicyInterceptor) After(ctx context.Context, ex *runtime.Exchange) runtime.Outcome {
	return h.evaluate(ctx, runtime.PhasePost, ex)
}

func (h *PolicyInterceptor) evaluate(ctx context.Context, phase runtime.Phase, ex *runtime.Exchange) runtime.Outcome {
	if h.filter == nil {
		return runtime.Continue()
	}

	input := h.buildPolicyInput(phase, ex)
	span := trace.SpanFromContext(ctx)

	decision, err := h.filter.Evaluate(ctx, input)
	if err != nil {
		h.logger.Error("policy interceptor: evaluation failed",
			"interceptor", h.name,
			"phase", phase,
			"request_id", ex.RequestID,
			"error", err,
		)
		span.AddEvent("policy.evaluate.error")

		if h.posture == policy.ModeFailOpen {
			h.logger.Warn("policy interceptor: continuing due to fail-open posture",
				"interceptor", h.name,
				"request_id", ex.RequestID,
			)
			return runtime.Continue()
		}
		return runtime.Abort(fmt.Errorf("%w (fail-closed): %w", policy.ErrEvaluation, err))
	}

	span.AddEvent("policy.decision", trace.WithAttributes(
		attribute.String("policy.interceptor", h.name),
		attribute.String("policy.phase", string(phase)),
		attribute.String("policy.action", string(decision.Action)),
		attribute.String("policy.reason", decision.Reason),
		attribute.Int("policy.annotations", len(decision.Annotations)),
	))

	h.logger.Debug("policy interceptor: evaluation complete",
		"interceptor", h.name,
		"phase", phase,
		"request_id", ex.RequestID,
		"action", decision.Action,
		"reason", decision.Reason,
		"annotations", decision.Annotations,
	)

	switch decision.Action {
	case policy.ActionContinue, "":
		return runtime.Continue()
	case policy.ActionSkip:
		return runtime.Skip(decision.Detail())
	case policy.ActionAbort:
		if decision.Reason == "" {
			decision.Reason = "denied by policy"
		}
		return runtime.Abort(fmt.Errorf("%w: %s", domain.ErrInterceptorAborted, decision.Detail()))
	default:
		return runtime.Abort(fmt.Errorf("policy: unknown action %q", decision.Action))
	}
}

// buildPolicyInput summarises the exchange for policy evaluation.
func (h *PolicyInterceptor) buildPolicyInput(phase runtime.Phase, ex *runtime.Exchange) policy.Input {
	input := policy.Input{
		DirectoryID: ex.DirectoryID,
		Standard:    string(ex.Descriptor.Standard),
		RequestID:   ex.RequestID,
		Phase:       string(phase),
	}

	if ex.Request != nil {
		input.Operations = make([]policy.OperationInput, 0, len(ex.Request.Operations))
		for _, op := range ex.Request.Operations {
			if op.HasControl(domain.OIDFederatedRequest) {
				input.Federated = true
			}
			summary := policy.OperationInput{Kind: string(op.Kind), DN: op.DN}
			if op.Search != nil {
				summary.BaseDN = op.Search.BaseDN
				summary.Scope = string(op.Search.Scope)
				summary.Filter = op.Search.Filter
			}
			input.Operations = append(input.Operations, summary)
		}
	}

	if ex.Response != nil {
		input.EntryCount = len(ex.Response.Entries)
		for _, entry := range ex.Response.Entries {
			if entry.Kind == domain.EntryError {
				input.ErrorCount++
			}
		}
	}

	return input
}
