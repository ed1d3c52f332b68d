package domain

import "errors"

// Common domain errors
var (
	ErrDataSourceFailed    = errors.New("data source failed")
	ErrFederationFailed    = errors.New("federation failed")
	ErrInterceptorAborted  = errors.New("interceptor aborted request")
	ErrConfigLookupFailed  = errors.New("configuration lookup failed")
	ErrMetadataEncoding    = errors.New("metadata encoding failed")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrUnknownStandard     = errors.New("unknown directory standard")
	ErrUpstreamUnreachable = errors.New("upstream directory unreachable")
)

// FailureClass is the taxonomy used to classify failures captured during
// batch processing. It is carried on synthetic error entries.
type FailureClass string

const (
	// FailureInterceptorAbort marks a pre or post interceptor abort.
	FailureInterceptorAbort FailureClass = "interceptor_abort"
	// FailureDataSource marks a single local data source failure.
	FailureDataSource FailureClass = "data_source"
	// FailureFederation marks a failure of the federation layer as a whole.
	FailureFederation FailureClass = "federation"
	// FailureMetadataEncoding marks a control payload that could not be encoded.
	// It never produces an error entry.
	FailureMetadataEncoding FailureClass = "metadata_encoding"
	// FailureConfigLookup marks a failed federation org id lookup.
	FailureConfigLookup FailureClass = "config_lookup"
	// FailureInternal marks an unexpected failure outside the stages above.
	FailureInternal FailureClass = "internal"
)

// APIError defines the standard JSON error model returned by the HTTP transport.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
type APIError struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., BAD_REQUEST)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
