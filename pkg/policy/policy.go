package policy

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionContinue lets the batch proceed.
	ActionContinue Action = "continue"
	// ActionSkip suppresses dispatch without flagging an error.
	ActionSkip Action = "skip"
	// ActionAbort marks the batch errored.
	ActionAbort Action = "abort"
)

// Decision is the verdict a decision rule produced for one batch phase.
type Decision struct {
	Action      Action
	Reason      string
	// Annotations are free-form key/value pairs attached by the rule, such as
	// the ticket or maintenance window behind a denial.
	Annotations map[string]string
}

// Detail renders the reason followed by the annotations in key order, e.g.
// "delete not permitted [rule=no-delete ticket=SEC-12]".
func (d Decision) Detail() string {
	if len(d.Annotations) == 0 {
		return d.Reason
	}
	pairs := make([]string, 0, len(d.Annotations))
	for _, key := range slices.Sorted(maps.Keys(d.Annotations)) {
		pairs = append(pairs, key+"="+d.Annotations[key])
	}
	if d.Reason == "" {
		return "[" + strings.Join(pairs, " ") + "]"
	}
	return d.Reason + " [" + strings.Join(pairs, " ") + "]"
}

// OperationInput is the policy-visible view of one batch operation.
type OperationInput struct {
	Kind   string `json:"kind"`
	BaseDN string `json:"base_dn,omitempty"`
	Scope  string `json:"scope,omitempty"`
	Filter string `json:"filter,omitempty"`
	DN     string `json:"dn,omitempty"`
}

// Input is the batch summary a decision rule sees as `input`.
type Input struct {
	DirectoryID string
	Standard    string
	RequestID   string
	Phase       string
	Federated   bool
	Operations  []OperationInput
	EntryCount  int
	ErrorCount  int
	Attributes  map[string]any
}

// Filter evaluates a policy decision for a given input.
type Filter interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// Chain evaluates filters in order. The first skip or abort wins; annotations
// from the continue decisions before it are carried onto the result.
type Chain struct {
	filters []Filter
}

// NewChain constructs a filter chain.
func NewChain(filters ...Filter) Chain {
	return Chain{filters: slices.Clone(filters)}
}

// Evaluate executes the chain until a terminal decision is produced.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	carried := map[string]string{}
	for i, filter := range c.filters {
		decision, err := filter.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, fmt.Errorf("filter %d: %w", i, err)
		}
		switch decision.Action {
		case ActionContinue, "":
			maps.Copy(carried, decision.Annotations)
		case ActionSkip, ActionAbort:
			merged := maps.Clone(carried)
			maps.Copy(merged, decision.Annotations)
			decision.Annotations = merged
			return decision, nil
		default:
			return Decision{}, fmt.Errorf("filter %d: unknown policy action %q", i, decision.Action)
		}
	}
	return Decision{Action: ActionContinue, Annotations: carried}, nil
}
