// Package runtime defines the core contracts shared by the batch orchestrator and
// interceptor implementations, keeping policy logic decoupled from execution mechanics.
package runtime

import (
	"context"
	"fmt"

	"github.com/polisai/polis-pdti/pkg/domain"
)

// Action captures the classification of an interceptor step and guides the
// orchestrator's next state.
type Action string

const (
	// ActionContinue lets the chain run its next step.
	ActionContinue Action = "continue"
	// ActionSkip suppresses dispatch without marking the request errored.
	// It is honoured only in the pre phase.
	ActionSkip Action = "skip"
	// ActionAbort marks the request errored; processing still reaches audit.
	ActionAbort Action = "abort"
)

// Phase names the interceptor phase being run.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Outcome is the three-way result returned by an interceptor step.
type Outcome struct {
	Action Action
	Reason string
	Err    error
}

// Continue constructs a continue outcome.
func Continue() Outcome {
	return Outcome{Action: ActionContinue}
}

// Skip constructs a skip outcome with an explanatory reason.
func Skip(reason string) Outcome {
	return Outcome{Action: ActionSkip, Reason: reason}
}

// Abort constructs an abort outcome carrying the cause.
func Abort(err error) Outcome {
	if err == nil {
		err = domain.ErrInterceptorAborted
	}
	return Outcome{Action: ActionAbort, Reason: err.Error(), Err: err}
}

// WithDefaults ensures the action is set even when interceptors omit it.
func (o Outcome) WithDefaults() Outcome {
	if o.Action == "" {
		o.Action = ActionContinue
	}
	if o.Action == ActionAbort && o.Err == nil {
		o.Err = fmt.Errorf("%w: %s", domain.ErrInterceptorAborted, o.Reason)
	}
	return o
}

// Exchange is the request/response pair seen by interceptors during one
// ProcessRequest call. Request is the per-call working copy.
type Exchange struct {
	Descriptor  domain.DirectoryDescriptor
	DirectoryID string
	RequestID   string
	Request     *domain.BatchRequest
	Response    *domain.BatchResponse
}

// Interceptor runs before dispatch and after dispatch for every request.
type Interceptor interface {
	Name() string
	Before(ctx context.Context, ex *Exchange) Outcome
	After(ctx context.Context, ex *Exchange) Outcome
}

// Funcs adapts a pair of functions to Interceptor. Nil functions continue.
type Funcs struct {
	ID         string
	BeforeFunc func(ctx context.Context, ex *Exchange) Outcome
	AfterFunc  func(ctx context.Context, ex *Exchange) Outcome
}

// Name returns the configured identifier.
func (f Funcs) Name() string {
	if f.ID == "" {
		return "anonymous"
	}
	return f.ID
}

// Before runs BeforeFunc when set.
func (f Funcs) Before(ctx context.Context, ex *Exchange) Outcome {
	if f.BeforeFunc == nil {
		return Continue()
	}
	return f.BeforeFunc(ctx, ex)
}

// After runs AfterFunc when set.
func (f Funcs) After(ctx context.Context, ex *Exchange) Outcome {
	if f.AfterFunc == nil {
		return Continue()
	}
	return f.AfterFunc(ctx, ex)
}
