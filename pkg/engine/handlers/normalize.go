package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/polisai/polis-pdti/pkg/engine/runtime"
)

// RequestNormalizer tidies the working request before dispatch: it trims DNs
// and filters, infers missing operation kinds, defaults the search scope and
// assigns operation request ids derived from the batch id.
type RequestNormalizer struct {
	// DefaultScope applies to searches without a scope. Empty selects wholeSubtree.
	DefaultScope domain.SearchScope
}

// Name implements runtime.Interceptor.
func (RequestNormalizer) Name() string {
	return "normalize"
}

// Before implements runtime.Interceptor.
func (n RequestNormalizer) Before(_ context.Context, ex *runtime.Exchange) runtime.Outcome {
	if ex.Request == nil {
		return runtime.Continue()
	}

	scope := n.DefaultScope
	if scope == "" {
		scope = domain.ScopeWholeSubtree
	}

	for i := range ex.Request.Operations {
		op := &ex.Request.Operations[i]
		op.DN = strings.TrimSpace(op.DN)
		if op.Kind == "" && op.Search != nil {
			op.Kind = domain.OperationSearch
		}
		if strings.TrimSpace(op.RequestID) == "" {
			op.RequestID = fmt.Sprintf("%s-%d", ex.RequestID, i+1)
		}
		if op.Search == nil {
			continue
		}
		op.Search.BaseDN = strings.TrimSpace(op.Search.BaseDN)
		op.Search.Filter = strings.TrimSpace(op.Search.Filter)
		if op.Search.Scope == "" {
			op.Search.Scope = scope
		}
	}
	return runtime.Continue()
}

// After implements runtime.Interceptor.
func (RequestNormalizer) After(context.Context, *runtime.Exchange) runtime.Outcome {
	return runtime.Continue()
}
