package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/polis-pdti/internal/governance"
	"github.com/polisai/polis-pdti/pkg/datasource"
	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/polisai/polis-pdti/pkg/engine"
	"github.com/polisai/polis-pdti/pkg/engine/handlers"
	"github.com/polisai/polis-pdti/pkg/engine/runtime"
	"github.com/polisai/polis-pdti/pkg/federation"
	"github.com/polisai/polis-pdti/pkg/logging"
	"github.com/polisai/polis-pdti/pkg/server"
	"github.com/polisai/polis-pdti/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedOrgID string

func (f fixedOrgID) Value(context.Context) (string, error) { return string(f), nil }

// directoryNode is one gateway running in-process behind an httptest server.
type directoryNode struct {
	srv   *httptest.Server
	audit storage.AuditStore
	fed   *federation.HTTPFederator
}

func (n *directoryNode) url() string { return n.srv.URL + server.BatchPath }

func startNode(t *testing.T, id string, dirType domain.DirectoryType, entries []datasource.Entry, peers []federation.Peer) *directoryNode {
	t.Helper()
	logger := logging.Discard()

	src, err := datasource.NewStaticDataSource(id+"-local", entries, logger)
	require.NoError(t, err)

	audit, err := storage.OpenSQLite("file:" + filepath.Join(t.TempDir(), id+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	node := &directoryNode{audit: audit}
	cfg := engine.Config{
		Descriptor: domain.DirectoryDescriptor{
			DirectoryID:      id,
			Standard:         domain.StandardIHE,
			Type:             dirType,
			EndpointLocation: "https://" + id + ".example.org/pdti",
		},
		DataSources:  []domain.DataSource{src},
		Interceptors: []runtime.Interceptor{handlers.RequestNormalizer{}},
		Audit:        audit,
		Logger:       logger,
	}

	var reporter server.PeerStatusReporter
	if len(peers) > 0 {
		fed, err := federation.NewHTTPFederator(federation.Options{
			Peers:          peers,
			Retry:          governance.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
			CircuitBreaker: governance.CircuitBreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute},
			Logger:         logger,
		})
		require.NoError(t, err)
		cfg.Federation = fed
		cfg.OrgIDs = fixedOrgID("1.2.840.99")
		node.fed = fed
		reporter = fed
	}

	orchestrator, err := engine.NewStandardRegistry().Build(cfg)
	require.NoError(t, err)

	handler, err := server.NewHandler(server.Config{Processor: orchestrator, Peers: reporter, Logger: logger})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/", handler.DataRoutes())
	mux.Handle("GET /healthz", handler.AdminRoutes())
	node.srv = httptest.NewServer(mux)
	t.Cleanup(node.srv.Close)
	return node
}

func professional(uid, cn string) datasource.Entry {
	return datasource.Entry{
		DN:         "uid=" + uid + ",o=hpd",
		Attributes: map[string][]string{"objectClass": {"hcProfessional"}, "cn": {cn}},
	}
}

func post(t *testing.T, url string, req domain.BatchRequest) domain.BatchResponse {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out domain.BatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func federatedSearch(requestID string) domain.BatchRequest {
	return domain.BatchRequest{RequestID: requestID, Operations: []domain.Operation{{
		Controls: []domain.Control{{Type: domain.OIDFederatedRequest}},
		Search:   &domain.SearchRequest{BaseDN: "o=hpd", Filter: "(objectClass=hcProfessional)"},
	}}}
}

func TestFederatedSearchAcrossGateways(t *testing.T) {
	peer := startNode(t, "dir-west", domain.DirectoryTypeFederate, []datasource.Entry{
		{DN: "o=hpd", Attributes: map[string][]string{"objectClass": {"organization"}}},
		professional("wes", "Wes West"),
	}, nil)
	home := startNode(t, "dir-main", domain.DirectoryTypeMain, []datasource.Entry{
		{DN: "o=hpd", Attributes: map[string][]string{"objectClass": {"organization"}}},
		professional("jane", "Jane Doe"),
		professional("john", "John Roe"),
	}, []federation.Peer{{ID: "west", Endpoint: peer.url()}})

	resp := post(t, home.url(), federatedSearch("fed-1"))
	assert.Equal(t, "fed-1", resp.RequestID)
	require.Len(t, resp.Entries, 2)

	local, remote := resp.Entries[0].Search, resp.Entries[1].Search
	require.NotNil(t, local)
	require.NotNil(t, remote)
	assert.Len(t, local.Entries, 2)
	require.Len(t, remote.Entries, 1)
	assert.Equal(t, "uid=wes,o=hpd", remote.Entries[0].DN)

	for _, entry := range resp.Entries {
		assert.True(t, hasControl(entry.Search.Done.Controls, domain.OIDFederationStatus))
		for _, e := range entry.Search.Entries {
			assert.True(t, hasControl(e.Controls, domain.OIDSearchEntryMetadata), e.DN)
		}
	}

	mainAudit, err := home.audit.List(context.Background(), storage.AuditQuery{RequestID: "fed-1"})
	require.NoError(t, err)
	require.Len(t, mainAudit, 1)
	assert.Equal(t, domain.AuditSuccess, mainAudit[0].Status)
	assert.Equal(t, 2, mainAudit[0].EntryCount)

	// The peer answered locally; the stripped request did not federate again.
	peerAudit, err := peer.audit.List(context.Background(), storage.AuditQuery{DirectoryID: "dir-west"})
	require.NoError(t, err)
	require.Len(t, peerAudit, 1)
	assert.Equal(t, 1, peerAudit[0].EntryCount)
}

func TestNonFederatedSearchStaysLocal(t *testing.T) {
	peer := startNode(t, "dir-west", domain.DirectoryTypeFederate, []datasource.Entry{professional("wes", "Wes West")}, nil)
	home := startNode(t, "dir-main", domain.DirectoryTypeMain, []datasource.Entry{
		{DN: "o=hpd", Attributes: map[string][]string{"objectClass": {"organization"}}},
		professional("jane", "Jane Doe"),
	}, []federation.Peer{{ID: "west", Endpoint: peer.url()}})

	req := federatedSearch("local-1")
	req.Operations[0].Controls = nil
	resp := post(t, home.url(), req)

	require.Len(t, resp.Entries, 1)
	assert.Len(t, resp.Entries[0].Search.Entries, 1)
	assert.False(t, hasControl(resp.Entries[0].Search.Done.Controls, domain.OIDFederationStatus))

	peerAudit, err := peer.audit.List(context.Background(), storage.AuditQuery{})
	require.NoError(t, err)
	assert.Empty(t, peerAudit)
}

func TestUnreachablePeerKeepsLocalResults(t *testing.T) {
	gone := httptest.NewServer(http.NotFoundHandler())
	goneURL := gone.URL + server.BatchPath
	gone.Close()

	home := startNode(t, "dir-main", domain.DirectoryTypeMain, []datasource.Entry{
		{DN: "o=hpd", Attributes: map[string][]string{"objectClass": {"organization"}}},
		professional("jane", "Jane Doe"),
	}, []federation.Peer{{ID: "gone", Endpoint: goneURL, Timeout: time.Second}})

	resp := post(t, home.url(), federatedSearch("fed-2"))
	require.Len(t, resp.Entries, 2)
	require.NotNil(t, resp.Entries[0].Search)
	assert.Len(t, resp.Entries[0].Search.Entries, 1)
	require.NotNil(t, resp.Entries[1].Error)
	assert.Equal(t, domain.ErrorTypeCouldNotConnect, resp.Entries[1].Error.Type)

	records, err := home.audit.List(context.Background(), storage.AuditQuery{RequestID: "fed-2"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.AuditError, records[0].Status)

	// A second failure trips the breaker and health turns degraded.
	post(t, home.url(), federatedSearch("fed-3"))
	assert.Equal(t, governance.StateOpen, home.fed.PeerStates()["gone"])

	health, err := http.Get(home.srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	var report map[string]any
	require.NoError(t, json.NewDecoder(health.Body).Decode(&report))
	assert.Equal(t, "degraded", report["status"])
}

func hasControl(controls []domain.Control, oid string) bool {
	for _, c := range controls {
		if c.Type == oid {
			return true
		}
	}
	return false
}
