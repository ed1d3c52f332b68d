package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/polisai/polis-pdti/pkg/logging"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stubSource answers every batch with a fixed set of responses or error.
type stubSource struct {
	name      string
	responses []domain.BatchResponse
	err       error
	panicWith any
	calls     atomic.Int32
	onCall    func(req *domain.BatchRequest)
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) ProcessData(_ context.Context, req *domain.BatchRequest) ([]domain.BatchResponse, error) {
	s.calls.Add(1)
	if s.onCall != nil {
		s.onCall(req)
	}
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return s.responses, s.err
}

// MockFederation is a testify mock of domain.FederationService.
type MockFederation struct {
	mock.Mock
}

func (m *MockFederation) Federate(ctx context.Context, req *domain.BatchRequest) ([]domain.BatchResponse, error) {
	args := m.Called(ctx, req)
	responses, _ := args.Get(0).([]domain.BatchResponse)
	return responses, args.Error(1)
}

// MockOrgIDs is a testify mock of domain.OrgIDSource.
type MockOrgIDs struct {
	mock.Mock
}

func (m *MockOrgIDs) Value(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// recordingAudit stores every saved record.
type recordingAudit struct {
	mu      sync.Mutex
	records []domain.AuditRecord
	ctxErrs []error
	err     error
}

func (a *recordingAudit) Save(ctx context.Context, record domain.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	a.ctxErrs = append(a.ctxErrs, ctx.Err())
	return a.err
}

func (a *recordingAudit) Records() []domain.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AuditRecord, len(a.records))
	copy(out, a.records)
	return out
}

func (a *recordingAudit) only(t *testing.T) domain.AuditRecord {
	t.Helper()
	records := a.Records()
	require.Len(t, records, 1, "expected exactly one audit record")
	return records[0]
}

var errBackend = errors.New("backend unavailable")

func searchResponse(requestID string, dns ...string) domain.BatchResponse {
	search := &domain.SearchResponse{RequestID: requestID, Done: domain.SearchResultDone{ResultCode: domain.ResultSuccess}}
	for _, dn := range dns {
		search.Entries = append(search.Entries, domain.SearchResultEntry{
			DN:         dn,
			Attributes: []domain.Attribute{{Name: "cn", Values: []string{dn}}},
		})
	}
	return domain.BatchResponse{
		RequestID: requestID,
		Entries:   []domain.ResponseEntry{{Kind: domain.EntrySearch, Search: search}},
	}
}

func searchBatch(requestID string, federated bool) *domain.BatchRequest {
	op := domain.Operation{
		Kind:      domain.OperationSearch,
		RequestID: requestID + "-op",
		Search:    &domain.SearchRequest{BaseDN: "o=gateway", Scope: domain.ScopeWholeSubtree, Filter: "(objectClass=*)"},
	}
	if federated {
		op.Controls = []domain.Control{{Type: domain.OIDFederatedRequest}}
	}
	return &domain.BatchRequest{RequestID: requestID, Operations: []domain.Operation{op}}
}

func testDescriptor(id string) domain.DirectoryDescriptor {
	return domain.DirectoryDescriptor{
		DirectoryID:      id,
		Standard:         domain.StandardIHE,
		Type:             domain.DirectoryTypeMain,
		EndpointLocation: "https://" + id + ".example.org/pdti",
	}
}

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Descriptor.DirectoryID == "" {
		cfg.Descriptor = testDescriptor("dir-main")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	orch, err := New(cfg)
	require.NoError(t, err)
	return orch
}

func errorEntries(resp *domain.BatchResponse) []domain.ErrorResponse {
	var out []domain.ErrorResponse
	for _, entry := range resp.Entries {
		if entry.Kind == domain.EntryError && entry.Error != nil {
			out = append(out, *entry.Error)
		}
	}
	return out
}

func searchEntries(resp *domain.BatchResponse) []*domain.SearchResponse {
	var out []*domain.SearchResponse
	for _, entry := range resp.Entries {
		if entry.Kind == domain.EntrySearch && entry.Search != nil {
			out = append(out, entry.Search)
		}
	}
	return out
}
