package domain

import (
	"context"
	"time"
)

// DirectoryStandard identifies the directory standard a gateway implements.
type DirectoryStandard string

const (
	// StandardIHE is the IHE HPD (Healthcare Provider Directory) profile.
	StandardIHE DirectoryStandard = "ihe"
	// StandardHPDPlus is the HPD Plus extension of the same profile.
	StandardHPDPlus DirectoryStandard = "hpdplus"
)

// DirectoryType distinguishes the role of a directory descriptor.
type DirectoryType string

const (
	DirectoryTypeMain     DirectoryType = "main"
	DirectoryTypeFederate DirectoryType = "federated"
)

// DirectoryDescriptor describes the local directory served by a gateway.
type DirectoryDescriptor struct {
	DirectoryID      string            `json:"directoryId" yaml:"id"`
	Standard         DirectoryStandard `json:"standard" yaml:"standard"`
	Type             DirectoryType     `json:"type" yaml:"type"`
	EndpointLocation string            `json:"endpointLocation" yaml:"endpoint_location"`
}

// FederationContext holds the values resolved at the start of a single
// ProcessRequest call. It must never outlive that call.
type FederationContext struct {
	DirectoryID      string
	EndpointLocation string
	FederationOrgID  string
	RequestID        string
}

// AuditStatus is the final outcome recorded for a request.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "Success"
	AuditError   AuditStatus = "Error"
)

// AuditRecord is the single audit outcome produced per processed request.
type AuditRecord struct {
	ID          string        `json:"id" gorm:"primaryKey;size:64"`
	DirectoryID string        `json:"directoryId" gorm:"index;size:255"`
	RequestID   string        `json:"requestId" gorm:"size:255"`
	Timestamp   time.Time     `json:"timestamp" gorm:"index"`
	RequestKind string        `json:"requestKind" gorm:"size:64"`
	Status      AuditStatus   `json:"status" gorm:"size:16"`
	Duration    time.Duration `json:"duration"`
	EntryCount  int           `json:"entryCount"`
}

// DataSource is a local directory backend.
type DataSource interface {
	// Name identifies the source in logs and error entries.
	Name() string
	// ProcessData answers the batch with zero or more partial responses.
	ProcessData(ctx context.Context, req *BatchRequest) ([]BatchResponse, error)
}

// FederationService dispatches a batch to remote peer directories.
//
// Implementations may return responses alongside a non-nil error when some
// peers answered before the failure; callers keep those responses.
type FederationService interface {
	Federate(ctx context.Context, req *BatchRequest) ([]BatchResponse, error)
}

// AuditService persists audit records.
type AuditService interface {
	Save(ctx context.Context, record AuditRecord) error
}

// OrgIDSource resolves the federation organization identifier.
type OrgIDSource interface {
	Value(ctx context.Context) (string, error)
}

// FederationPredicate classifies whether a request opts into federation.
type FederationPredicate interface {
	IsFederated(req *BatchRequest) bool
}

// FederationPredicateFunc adapts a function to FederationPredicate.
type FederationPredicateFunc func(req *BatchRequest) bool

// IsFederated calls f(req).
func (f FederationPredicateFunc) IsFederated(req *BatchRequest) bool {
	return f(req)
}
