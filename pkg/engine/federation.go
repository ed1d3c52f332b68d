package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-pdti/pkg/domain"
)

// ControlPredicate reports a request as federated when any of its operations
// carries the federated request control.
type ControlPredicate struct{}

// IsFederated implements domain.FederationPredicate.
func (ControlPredicate) IsFederated(req *domain.BatchRequest) bool {
	if req == nil {
		return false
	}
	for _, op := range req.Operations {
		if op.HasControl(domain.OIDFederatedRequest) {
			return true
		}
	}
	return false
}

// StripFederationControls returns a copy of req without federated request
// controls, so a peer receiving it answers locally instead of federating again.
func StripFederationControls(req *domain.BatchRequest) *domain.BatchRequest {
	out := req.Clone()
	for i := range out.Operations {
		controls := out.Operations[i].Controls[:0:0]
		for _, ctrl := range out.Operations[i].Controls {
			if ctrl.Type != domain.OIDFederatedRequest {
				controls = append(controls, ctrl)
			}
		}
		out.Operations[i].Controls = controls
	}
	return out
}

// FederationClient dispatches qualifying requests to the remote federation
// layer and enriches federated search results with provenance controls.
type FederationClient struct {
	service  domain.FederationService
	orgIDs   domain.OrgIDSource
	injector *MetadataInjector
	logger   *slog.Logger
}

// NewFederationClient wires the federation layer, org id source and injector.
func NewFederationClient(service domain.FederationService, orgIDs domain.OrgIDSource, injector *MetadataInjector, logger *slog.Logger) *FederationClient {
	if logger == nil {
		logger = slog.Default()
	}
	if injector == nil {
		injector = NewMetadataInjector(nil, logger)
	}
	return &FederationClient{service: service, orgIDs: orgIDs, injector: injector, logger: logger}
}

// Enabled reports whether a federation layer is configured.
func (c *FederationClient) Enabled() bool {
	return c != nil && c.service != nil
}

// Federate calls the federation layer once. Responses returned together with
// an error are kept; a panic is converted into a failure.
func (c *FederationClient) Federate(ctx context.Context, req *domain.BatchRequest) (responses []domain.BatchResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrFederationFailed, r)
		}
	}()
	if !c.Enabled() {
		return nil, nil
	}
	responses, err = c.service.Federate(ctx, req)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrFederationFailed, err)
	}
	return responses, err
}

// Enrich resolves the federation org id into fed and attaches provenance
// controls to every search response in entries. A failed org id lookup is
// returned and no controls are attached.
func (c *FederationClient) Enrich(ctx context.Context, fed *domain.FederationContext, entries []domain.ResponseEntry) error {
	if c.orgIDs != nil {
		orgID, err := c.lookupOrgID(ctx)
		if err != nil {
			return fmt.Errorf("%w: federation org id: %w", domain.ErrConfigLookupFailed, err)
		}
		fed.FederationOrgID = orgID
	}

	env := c.injector.Build(*fed)
	touched := env.Apply(entries)
	c.logger.Debug("attached federation metadata",
		"directory_id", fed.DirectoryID,
		"request_id", fed.RequestID,
		"search_responses", touched,
	)
	return nil
}

func (c *FederationClient) lookupOrgID(ctx context.Context) (orgID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.orgIDs.Value(ctx)
}
