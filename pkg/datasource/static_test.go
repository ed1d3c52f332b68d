package datasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/polisai/polis-pdti/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const entriesYAML = `
entries:
  - dn: o=hpd
    attributes:
      objectClass: [organization]
      o: [hpd]
  - dn: ou=HCProfessional, o=hpd
    attributes:
      objectClass: [organizationalUnit]
  - dn: uid=jane,ou=HCProfessional,o=hpd
    attributes:
      objectClass: [hcProfessional]
      cn: [Jane Doe]
      givenName: [Jane]
      hcSpecialisation: [cardiology]
  - dn: uid=john,ou=HCProfessional,o=hpd
    attributes:
      objectClass: [hcProfessional]
      cn: [John Roe]
      givenName: [John]
      hcSpecialisation: [oncology]
`

func loadFixture(t *testing.T) *StaticDataSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entries.yaml")
	require.NoError(t, os.WriteFile(path, []byte(entriesYAML), 0o600))
	src, err := LoadStatic("local", path, logging.Discard())
	require.NoError(t, err)
	require.Equal(t, 4, src.Len())
	return src
}

func search(base string, scope domain.SearchScope, filter string, attrs ...string) domain.Operation {
	return domain.Operation{
		Kind:      domain.OperationSearch,
		RequestID: "op-1",
		Search:    &domain.SearchRequest{BaseDN: base, Scope: scope, Filter: filter, Attributes: attrs},
	}
}

func process(t *testing.T, src *StaticDataSource, ops ...domain.Operation) []domain.ResponseEntry {
	t.Helper()
	responses, err := src.ProcessData(context.Background(), &domain.BatchRequest{RequestID: "batch", Operations: ops})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	require.Len(t, responses[0].Entries, len(ops))
	return responses[0].Entries
}

func dns(resp *domain.SearchResponse) []string {
	out := make([]string, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		out = append(out, e.DN)
	}
	return out
}

func TestStaticSearchScopes(t *testing.T) {
	src := loadFixture(t)

	entries := process(t, src,
		search("ou=hcprofessional,o=hpd", domain.ScopeBaseObject, ""),
		search("OU=HCProfessional,O=hpd", domain.ScopeSingleLevel, ""),
		search("o=hpd", domain.ScopeWholeSubtree, "(objectClass=*)"),
		search("o=hpd", "", ""),
	)

	assert.Equal(t, []string{"ou=HCProfessional, o=hpd"}, dns(entries[0].Search))
	assert.Equal(t, []string{"uid=jane,ou=HCProfessional,o=hpd", "uid=john,ou=HCProfessional,o=hpd"}, dns(entries[1].Search))
	assert.Len(t, entries[2].Search.Entries, 4)
	assert.Len(t, entries[3].Search.Entries, 4)
	for _, e := range entries {
		assert.Equal(t, domain.EntrySearch, e.Kind)
		assert.Equal(t, domain.ResultSuccess, e.Search.Done.ResultCode)
		assert.Equal(t, "op-1", e.Search.RequestID)
	}
}

func TestStaticSearchFilters(t *testing.T) {
	src := loadFixture(t)
	base := "ou=HCProfessional,o=hpd"

	jane := "uid=jane,ou=HCProfessional,o=hpd"
	john := "uid=john,ou=HCProfessional,o=hpd"
	cases := []struct {
		filter string
		want   []string
	}{
		{"(givenName=jane)", []string{jane}},
		{"(cn=J*)", []string{jane, john}},
		{"(&(objectClass=hcProfessional)(hcSpecialisation=oncology))", []string{john}},
		{"(|(givenName=Jane)(givenName=John))", []string{jane, john}},
		{"(!(givenName=Jane))", []string{john}},
		{"(mail=*)", []string{}},
	}
	for _, tc := range cases {
		entries := process(t, src, search(base, domain.ScopeSingleLevel, tc.filter))
		assert.Equal(t, tc.want, dns(entries[0].Search), tc.filter)
	}
}

func TestStaticSearchProjectionAndLimits(t *testing.T) {
	src := loadFixture(t)

	limited := domain.Operation{
		Kind:   domain.OperationSearch,
		Search: &domain.SearchRequest{BaseDN: "o=hpd", SizeLimit: 2},
	}
	entries := process(t, src,
		search("uid=jane,ou=HCProfessional,o=hpd", domain.ScopeBaseObject, "", "CN", "missing"),
		limited,
	)

	jane := entries[0].Search.Entries[0]
	require.Len(t, jane.Attributes, 1)
	assert.Equal(t, "cn", jane.Attributes[0].Name)
	assert.Equal(t, []string{"Jane Doe"}, jane.Attributes[0].Values)

	assert.Len(t, entries[1].Search.Entries, 2)
	assert.Equal(t, domain.ResultSizeLimitExceeded, entries[1].Search.Done.ResultCode)
}

func TestStaticSearchFailuresAreInBand(t *testing.T) {
	src := loadFixture(t)

	entries := process(t, src,
		search("o=elsewhere", domain.ScopeWholeSubtree, ""),
		search("o=hpd", domain.ScopeWholeSubtree, "(cn=J*n*)"),
		search("o=hpd", domain.ScopeWholeSubtree, "cn=x"),
		domain.Operation{Kind: domain.OperationSearch},
		domain.Operation{Kind: domain.OperationDelete, DN: "uid=jane,ou=HCProfessional,o=hpd"},
		domain.Operation{Kind: "bogus"},
	)

	assert.Equal(t, domain.ResultNoSuchObject, entries[0].Search.Done.ResultCode)
	assert.Equal(t, domain.ResultOperationsError, entries[1].Search.Done.ResultCode)
	assert.Equal(t, domain.ResultOperationsError, entries[2].Search.Done.ResultCode)

	assert.Equal(t, domain.EntryError, entries[3].Kind)
	assert.Equal(t, domain.ErrorTypeMalformedRequest, entries[3].Error.Type)

	assert.Equal(t, domain.EntryDelete, entries[4].Kind)
	assert.Equal(t, domain.ResultUnwillingToPerform, entries[4].Result.ResultCode)

	assert.Equal(t, domain.EntryError, entries[5].Kind)
}

func TestStaticDataSourceValidation(t *testing.T) {
	_, err := NewStaticDataSource("x", []Entry{{DN: " "}}, nil)
	require.ErrorIs(t, err, ErrInvalidEntries)

	_, err = NewStaticDataSource("x", []Entry{{DN: "o=hpd"}, {DN: "O = HPD"}}, nil)
	require.ErrorIs(t, err, ErrInvalidEntries)

	_, err = LoadStatic("x", filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src, err := NewStaticDataSource("x", nil, nil)
	require.NoError(t, err)
	_, err = src.ProcessData(ctx, &domain.BatchRequest{})
	require.ErrorIs(t, err, context.Canceled)

	var _ domain.DataSource = src
}
