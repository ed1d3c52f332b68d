package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCombineEmptyLeavesAccumulatorUnchanged(t *testing.T) {
	acc := &domain.BatchResponse{RequestID: "req"}
	acc.Entries = append(acc.Entries, searchResponse("req", "cn=existing").Entries...)
	before := len(acc.Entries)

	assert.Zero(t, Combine(acc))
	assert.Zero(t, Combine(acc, domain.BatchResponse{}))
	assert.Len(t, acc.Entries, before)
	assert.Zero(t, Combine(nil, searchResponse("req", "cn=a")))
}

func TestCombinePreservesOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sizes := rapid.SliceOfN(rapid.IntRange(0, 4), 0, 6).Draw(t, "sizes")

		var responses []domain.BatchResponse
		var want []string
		for i, size := range sizes {
			var dns []string
			for j := 0; j < size; j++ {
				dn := fmt.Sprintf("cn=%d-%d", i, j)
				dns = append(dns, dn)
			}
			resp := domain.BatchResponse{}
			for _, dn := range dns {
				resp.Entries = append(resp.Entries, searchResponse("req", dn).Entries...)
				want = append(want, dn)
			}
			responses = append(responses, resp)
		}

		acc := &domain.BatchResponse{}
		added := Combine(acc, responses...)
		if added != len(want) {
			t.Fatalf("added %d, want %d", added, len(want))
		}
		for i, entry := range acc.Entries {
			if got := entry.Search.Entries[0].DN; got != want[i] {
				t.Fatalf("entry %d is %s, want %s", i, got, want[i])
			}
		}
	})
}

func TestCombineCopiesEntries(t *testing.T) {
	src := searchResponse("req", "cn=a")
	acc := &domain.BatchResponse{}
	Combine(acc, src)

	acc.Entries[0].Search.Entries[0].Controls = append(acc.Entries[0].Search.Entries[0].Controls, domain.Control{Type: "1.2.3"})
	assert.Empty(t, src.Entries[0].Search.Entries[0].Controls)
}

func TestErrorAggregator(t *testing.T) {
	acc := &domain.BatchResponse{}
	agg := NewErrorAggregator(acc, "dir-1", "req-9")
	assert.False(t, agg.Failed())
	require.NoError(t, agg.Err())

	agg.RecordFailure(domain.FailureDataSource, fmt.Errorf("%w: ldap", domain.ErrUpstreamUnreachable))
	agg.RecordFailure(domain.FailureFederation, context.DeadlineExceeded)
	agg.RecordFailure(domain.FailureInternal, nil)

	assert.True(t, agg.Failed())
	assert.Equal(t, 3, agg.Count())
	require.Len(t, acc.Entries, 3)

	first := acc.Entries[0].Error
	require.NotNil(t, first)
	assert.Equal(t, domain.EntryError, acc.Entries[0].Kind)
	assert.Equal(t, "req-9", first.RequestID)
	assert.Equal(t, domain.ErrorTypeCouldNotConnect, first.Type)
	assert.Equal(t, "unable to process batch request (directoryId=dir-1, requestId=req-9)", first.Message)
	assert.Contains(t, first.Detail, "ldap")

	assert.Equal(t, domain.ErrorTypeConnectionClosed, acc.Entries[1].Error.Type)
	assert.Equal(t, domain.ErrorTypeOther, acc.Entries[2].Error.Type)
	assert.Equal(t, "unknown failure", acc.Entries[2].Error.Detail)

	err := agg.Err()
	assert.True(t, errors.Is(err, domain.ErrUpstreamUnreachable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
