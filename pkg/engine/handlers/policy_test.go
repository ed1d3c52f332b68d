package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/polisai/polis-pdti/pkg/engine/runtime"
	"github.com/polisai/polis-pdti/pkg/logging"
	"github.com/polisai/polis-pdti/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockFilter is a testify mock of policy.Filter.
type MockFilter struct {
	mock.Mock
}

func (m *MockFilter) Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error) {
	args := m.Called(ctx, input)
	return args.Get(0).(policy.Decision), args.Error(1)
}

func testExchange() *runtime.Exchange {
	return &runtime.Exchange{
		Descriptor:  domain.DirectoryDescriptor{DirectoryID: "dir-1", Standard: domain.StandardIHE},
		DirectoryID: "dir-1",
		RequestID:   "req-1",
		Request: &domain.BatchRequest{RequestID: "req-1", Operations: []domain.Operation{
			{
				Kind:     domain.OperationSearch,
				Controls: []domain.Control{{Type: domain.OIDFederatedRequest}},
				Search:   &domain.SearchRequest{BaseDN: "o=hpd", Scope: domain.ScopeSingleLevel, Filter: "(cn=x)"},
			},
			{Kind: domain.OperationDelete, DN: "cn=old,o=hpd"},
		}},
		Response: &domain.BatchResponse{Entries: []domain.ResponseEntry{
			{Kind: domain.EntrySearch, Search: &domain.SearchResponse{}},
			{Kind: domain.EntryError, Error: &domain.ErrorResponse{}},
		}},
	}
}

func TestPolicyInterceptorBuildsInput(t *testing.T) {
	filter := &MockFilter{}
	filter.On("Evaluate", mock.Anything, mock.MatchedBy(func(in policy.Input) bool {
		return in.DirectoryID == "dir-1" &&
			in.Standard == "ihe" &&
			in.Phase == "post" &&
			in.Federated &&
			len(in.Operations) == 2 &&
			in.Operations[0].BaseDN == "o=hpd" &&
			in.Operations[0].Scope == "singleLevel" &&
			in.Operations[1].DN == "cn=old,o=hpd" &&
			in.EntryCount == 2 &&
			in.ErrorCount == 1
	})).Return(policy.Decision{Action: policy.ActionContinue}, nil)

	interceptor := NewPolicyInterceptor(filter, PolicyOptions{Logger: logging.Discard()})
	outcome := interceptor.After(context.Background(), testExchange())

	assert.Equal(t, runtime.ActionContinue, outcome.Action)
	filter.AssertExpectations(t)
}

func TestPolicyInterceptorMapsDecisions(t *testing.T) {
	cases := []struct {
		decision policy.Decision
		want     runtime.Action
	}{
		{policy.Decision{Action: policy.ActionContinue}, runtime.ActionContinue},
		{policy.Decision{Action: ""}, runtime.ActionContinue},
		{policy.Decision{Action: policy.ActionSkip, Reason: "maintenance"}, runtime.ActionSkip},
		{policy.Decision{Action: policy.ActionAbort, Reason: "forbidden base"}, runtime.ActionAbort},
		{policy.Decision{Action: "sideways"}, runtime.ActionAbort},
	}

	for _, tc := range cases {
		filter := &MockFilter{}
		filter.On("Evaluate", mock.Anything, mock.Anything).Return(tc.decision, nil)
		interceptor := NewPolicyInterceptor(filter, PolicyOptions{Name: "opa", Logger: logging.Discard()})

		outcome := interceptor.Before(context.Background(), testExchange())
		assert.Equal(t, tc.want, outcome.Action, "decision %q", tc.decision.Action)
		if tc.want == runtime.ActionSkip {
			assert.Equal(t, tc.decision.Reason, outcome.Reason)
		}
		if tc.decision.Action == policy.ActionAbort {
			assert.ErrorIs(t, outcome.Err, domain.ErrInterceptorAborted)
			assert.Contains(t, outcome.Err.Error(), "forbidden base")
		}
	}
}

func TestPolicyInterceptorAnnotationsReachErrorDetail(t *testing.T) {
	filter := &MockFilter{}
	filter.On("Evaluate", mock.Anything, mock.Anything).Return(policy.Decision{
		Action:      policy.ActionAbort,
		Reason:      "delete not permitted",
		Annotations: map[string]string{"ticket": "SEC-12", "rule": "no-delete"},
	}, nil)
	interceptor := NewPolicyInterceptor(filter, PolicyOptions{Logger: logging.Discard()})

	outcome := interceptor.Before(context.Background(), testExchange())
	require.Equal(t, runtime.ActionAbort, outcome.Action)
	assert.ErrorIs(t, outcome.Err, domain.ErrInterceptorAborted)
	assert.Contains(t, outcome.Err.Error(), "delete not permitted [rule=no-delete ticket=SEC-12]")

	skipping := &MockFilter{}
	skipping.On("Evaluate", mock.Anything, mock.Anything).Return(policy.Decision{
		Action:      policy.ActionSkip,
		Reason:      "maintenance",
		Annotations: map[string]string{"window": "nightly"},
	}, nil)
	outcome = NewPolicyInterceptor(skipping, PolicyOptions{Logger: logging.Discard()}).Before(context.Background(), testExchange())
	assert.Equal(t, "maintenance [window=nightly]", outcome.Reason)

	bare := &MockFilter{}
	bare.On("Evaluate", mock.Anything, mock.Anything).Return(policy.Decision{Action: policy.ActionAbort}, nil)
	outcome = NewPolicyInterceptor(bare, PolicyOptions{Logger: logging.Discard()}).Before(context.Background(), testExchange())
	assert.Contains(t, outcome.Err.Error(), "denied by policy")
}

func TestPolicyInterceptorPosture(t *testing.T) {
	failing := &MockFilter{}
	failing.On("Evaluate", mock.Anything, mock.Anything).Return(policy.Decision{}, errors.New("opa unavailable"))

	closed := NewPolicyInterceptor(failing, PolicyOptions{Logger: logging.Discard()})
	outcome := closed.Before(context.Background(), testExchange())
	require.Equal(t, runtime.ActionAbort, outcome.Action)
	assert.ErrorIs(t, outcome.Err, policy.ErrEvaluation)

	open := NewPolicyInterceptor(failing, PolicyOptions{Posture: policy.ModeFailOpen, Logger: logging.Discard()})
	assert.Equal(t, runtime.ActionContinue, open.Before(context.Background(), testExchange()).Action)
}

func TestPolicyInterceptorWithEngine(t *testing.T) {
	engine, err := policy.NewEngine(context.Background(), policy.EngineOptions{
		Modules: map[string]string{"batch.rego": `package pdti.batch

default decision := {"action": "continue"}

decision := {"action": "abort", "reason": "delete not permitted"} if {
	some op in input.operations
	op.kind == "delete"
}
`},
		Logger: logging.Discard(),
	})
	require.NoError(t, err)

	interceptor := NewPolicyInterceptor(engine, PolicyOptions{Logger: logging.Discard()})
	assert.Equal(t, "policy", interceptor.Name())

	outcome := interceptor.Before(context.Background(), testExchange())
	require.Equal(t, runtime.ActionAbort, outcome.Action)
	assert.Contains(t, outcome.Err.Error(), "delete not permitted")

	ex := testExchange()
	ex.Request.Operations = ex.Request.Operations[:1]
	assert.Equal(t, runtime.ActionContinue, interceptor.Before(context.Background(), ex).Action)
}

func TestPolicyInterceptorNilFilter(t *testing.T) {
	interceptor := NewPolicyInterceptor(nil, PolicyOptions{Logger: logging.Discard()})
	assert.Equal(t, runtime.ActionContinue, interceptor.Before(context.Background(), testExchange()).Action)
}
