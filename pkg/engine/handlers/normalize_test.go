package handlers

import (
	"context"
	"testing"

	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/polisai/polis-pdti/pkg/engine/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestNormalizer(t *testing.T) {
	ex := &runtime.Exchange{
		RequestID: "batch-7",
		Request: &domain.BatchRequest{RequestID: "batch-7", Operations: []domain.Operation{
			{Search: &domain.SearchRequest{BaseDN: "  o=hpd ", Filter: " (cn=a) "}},
			{Kind: domain.OperationDelete, RequestID: "keep-me", DN: " cn=x,o=hpd "},
			{Kind: domain.OperationSearch, Search: &domain.SearchRequest{BaseDN: "o=hpd", Scope: domain.ScopeBaseObject}},
		}},
	}

	outcome := RequestNormalizer{}.Before(context.Background(), ex)
	require.Equal(t, runtime.ActionContinue, outcome.Action)

	ops := ex.Request.Operations
	assert.Equal(t, domain.OperationSearch, ops[0].Kind)
	assert.Equal(t, "batch-7-1", ops[0].RequestID)
	assert.Equal(t, "o=hpd", ops[0].Search.BaseDN)
	assert.Equal(t, "(cn=a)", ops[0].Search.Filter)
	assert.Equal(t, domain.ScopeWholeSubtree, ops[0].Search.Scope)

	assert.Equal(t, "keep-me", ops[1].RequestID)
	assert.Equal(t, "cn=x,o=hpd", ops[1].DN)

	assert.Equal(t, "batch-7-3", ops[2].RequestID)
	assert.Equal(t, domain.ScopeBaseObject, ops[2].Search.Scope)
}

func TestRequestNormalizerCustomScopeAndNilRequest(t *testing.T) {
	n := RequestNormalizer{DefaultScope: domain.ScopeSingleLevel}
	assert.Equal(t, runtime.ActionContinue, n.Before(context.Background(), &runtime.Exchange{}).Action)

	ex := &runtime.Exchange{Request: &domain.BatchRequest{Operations: []domain.Operation{{Search: &domain.SearchRequest{}}}}}
	n.Before(context.Background(), ex)
	assert.Equal(t, domain.ScopeSingleLevel, ex.Request.Operations[0].Search.Scope)
	assert.Equal(t, runtime.ActionContinue, n.After(context.Background(), ex).Action)
}

func TestOperationLimit(t *testing.T) {
	ex := &runtime.Exchange{Request: &domain.BatchRequest{Operations: make([]domain.Operation, 3)}}

	assert.Equal(t, runtime.ActionContinue, OperationLimit{}.Before(context.Background(), ex).Action)
	assert.Equal(t, runtime.ActionContinue, OperationLimit{Max: 3}.Before(context.Background(), ex).Action)

	outcome := OperationLimit{Max: 2}.Before(context.Background(), ex)
	require.Equal(t, runtime.ActionAbort, outcome.Action)
	assert.ErrorIs(t, outcome.Err, ErrTooManyOperations)
	assert.Contains(t, outcome.Err.Error(), "3 operations, limit 2")
	assert.Equal(t, "operation-limit", OperationLimit{}.Name())
}
