package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-pdti/pkg/domain"
)

// Combine appends a deep copy of every entry of every response to acc,
// preserving response order and entry order within each response. It returns
// the number of entries appended. No deduplication or reordering is attempted.
func Combine(acc *domain.BatchResponse, responses ...domain.BatchResponse) int {
	if acc == nil {
		return 0
	}
	added := 0
	for _, resp := range responses {
		for _, entry := range resp.Entries {
			acc.Entries = append(acc.Entries, entry.Clone())
			added++
		}
	}
	return added
}

// NewErrorEntry builds the synthetic error entry describing cause.
func NewErrorEntry(directoryID, requestID string, class domain.FailureClass, cause error) domain.ResponseEntry {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	return domain.ResponseEntry{
		Kind: domain.EntryError,
		Error: &domain.ErrorResponse{
			RequestID: requestID,
			Type:      errorTypeFor(cause),
			Class:     class,
			Message:   fmt.Sprintf("unable to process batch request (directoryId=%s, requestId=%s)", directoryID, requestID),
			Detail:    cause.Error(),
		},
	}
}

func errorTypeFor(cause error) domain.ErrorType {
	switch {
	case errors.Is(cause, domain.ErrUpstreamUnreachable):
		return domain.ErrorTypeCouldNotConnect
	case errors.Is(cause, context.DeadlineExceeded), errors.Is(cause, context.Canceled):
		return domain.ErrorTypeConnectionClosed
	default:
		return domain.ErrorTypeOther
	}
}

// ErrorAggregator converts failures into error entries on one request's
// accumulator and keeps the sticky error flag that decides audit status.
// It is owned by a single ProcessRequest call and is not safe for concurrent use.
type ErrorAggregator struct {
	response    *domain.BatchResponse
	directoryID string
	requestID   string
	failed      bool
	failures    []error
}

// NewErrorAggregator binds an aggregator to the accumulator of one request.
func NewErrorAggregator(acc *domain.BatchResponse, directoryID, requestID string) *ErrorAggregator {
	return &ErrorAggregator{response: acc, directoryID: directoryID, requestID: requestID}
}

// RecordFailure appends one error entry describing cause and flags the request errored.
func (a *ErrorAggregator) RecordFailure(class domain.FailureClass, cause error) {
	a.response.Entries = append(a.response.Entries, NewErrorEntry(a.directoryID, a.requestID, class, cause))
	a.failed = true
	a.failures = append(a.failures, cause)
}

// Failed reports whether any failure was recorded.
func (a *ErrorAggregator) Failed() bool {
	return a.failed
}

// Err joins every recorded failure, or returns nil.
func (a *ErrorAggregator) Err() error {
	return errors.Join(a.failures...)
}

// Count returns the number of recorded failures.
func (a *ErrorAggregator) Count() int {
	return len(a.failures)
}
