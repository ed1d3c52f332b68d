package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-pdti/pkg/engine/runtime"
)

// ErrTooManyOperations is returned when a batch exceeds the configured limit.
var ErrTooManyOperations = errors.New("batch exceeds operation limit")

// OperationLimit aborts batches carrying more than Max operations. A Max of
// zero or less disables the check.
type OperationLimit struct {
	Max int
}

// Name implements runtime.Interceptor.
func (OperationLimit) Name() string {
	return "operation-limit"
}

// Before implements runtime.Interceptor.
func (l OperationLimit) Before(_ context.Context, ex *runtime.Exchange) runtime.Outcome {
	if l.Max <= 0 || ex.Request == nil {
		return runtime.Continue()
	}
	if n := len(ex.Request.Operations); n > l.Max {
		return runtime.Abort(fmt.Errorf("%w: %d operations, limit %d", ErrTooManyOperations, n, l.Max))
	}
	return runtime.Continue()
}

// After implements runtime.Interceptor.
func (OperationLimit) After(context.Context, *runtime.Exchange) runtime.Outcome {
	return runtime.Continue()
}
