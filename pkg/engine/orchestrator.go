package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/polisai/polis-pdti/pkg/engine/runtime"
	"github.com/polisai/polis-pdti/pkg/logging"
	"github.com/polisai/polis-pdti/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "pdti.directory"

// Config holds the dependencies of an Orchestrator.
type Config struct {
	Descriptor     domain.DirectoryDescriptor
	DataSources    []domain.DataSource
	Federation     domain.FederationService
	OrgIDs         domain.OrgIDSource
	Predicate      domain.FederationPredicate
	Interceptors   []runtime.Interceptor
	Audit          domain.AuditService
	MaxConcurrency int
	// Marshal encodes metadata control documents. Nil selects XML.
	Marshal MarshalFunc
	Logger  *slog.Logger
	Now     func() time.Time
}

// Orchestrator is the batch entry point of a directory gateway. Its fields are
// fixed at construction; every request runs against its own callState, so a
// single instance serves concurrent requests.
type Orchestrator struct {
	descriptor domain.DirectoryDescriptor
	chain      *InterceptorChain
	fanout     *DataSourceFanOut
	federation *FederationClient
	predicate  domain.FederationPredicate
	audit      domain.AuditService
	logger     *slog.Logger
	now        func() time.Time
	encodeJSON func(v any) ([]byte, error)
}

// callState is everything one ProcessRequest call owns.
type callState struct {
	started   time.Time
	request   *domain.BatchRequest
	response  *domain.BatchResponse
	fed       domain.FederationContext
	errors    *ErrorAggregator
	exchange  *runtime.Exchange
	federated bool
	skipped   bool
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Descriptor.DirectoryID == "" {
		return nil, fmt.Errorf("%w: directory id is required", domain.ErrConfigInvalid)
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("%w: audit service is required", domain.ErrConfigInvalid)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("directory_id", cfg.Descriptor.DirectoryID)

	predicate := cfg.Predicate
	if predicate == nil {
		predicate = ControlPredicate{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		descriptor: cfg.Descriptor,
		chain:      NewInterceptorChain(logger, cfg.Interceptors...),
		fanout:     NewDataSourceFanOut(cfg.DataSources, cfg.MaxConcurrency, logger),
		federation: NewFederationClient(cfg.Federation, cfg.OrgIDs, NewMetadataInjector(cfg.Marshal, logger), logger),
		predicate:  predicate,
		audit:      cfg.Audit,
		logger:     logger,
		now:        now,
		encodeJSON: json.Marshal,
	}, nil
}

// Descriptor returns the directory this orchestrator serves.
func (o *Orchestrator) Descriptor() domain.DirectoryDescriptor {
	return o.descriptor
}

// ProcessRequest runs one batch through the pipeline and always returns a
// combined response. Failures are reported as error entries and as the audit
// status; exactly one audit record is saved per call.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req *domain.BatchRequest) (resp *domain.BatchResponse) {
	call := o.begin(req)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "directory.process_request",
		trace.WithAttributes(
			attribute.String("directory.id", call.fed.DirectoryID),
			attribute.String("directory.standard", string(o.descriptor.Standard)),
			attribute.String("batch.request_id", call.fed.RequestID),
			attribute.Int("batch.operations", len(call.request.Operations)),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			call.errors.RecordFailure(domain.FailureInternal, fmt.Errorf("panic: %v", r))
		}
		o.finish(ctx, span, call)
		resp = call.response
	}()

	if err := o.traceDump(ctx, "batch request received", call.fed.RequestID, call.request); err != nil {
		call.errors.RecordFailure(domain.FailureInternal, fmt.Errorf("marshal batch request: %w", err))
	}

	pre := o.chain.RunPre(ctx, call.exchange)
	switch pre.Action {
	case runtime.ActionSkip:
		call.skipped = true
		o.logger.Debug("skipping batch dispatch",
			"request_id", call.fed.RequestID,
			"reason", pre.Reason,
		)
	case runtime.ActionAbort:
		call.errors.RecordFailure(domain.FailureInterceptorAbort, pre.Err)
	default:
		o.dispatch(ctx, call)
	}

	if post := o.chain.RunPost(ctx, call.exchange); post.Action == runtime.ActionAbort {
		call.errors.RecordFailure(domain.FailureInterceptorAbort, post.Err)
	}

	return call.response
}

// begin resolves the per-call context and creates the empty accumulator.
func (o *Orchestrator) begin(req *domain.BatchRequest) *callState {
	working := req.Clone()
	if working.RequestID == "" {
		working.RequestID = uuid.NewString()
	}

	call := &callState{
		started: o.now(),
		request: working,
		response: &domain.BatchResponse{
			RequestID: working.RequestID,
			Entries:   []domain.ResponseEntry{},
		},
		fed: domain.FederationContext{
			DirectoryID:      o.descriptor.DirectoryID,
			EndpointLocation: o.descriptor.EndpointLocation,
			RequestID:        working.RequestID,
		},
	}
	call.errors = NewErrorAggregator(call.response, call.fed.DirectoryID, call.fed.RequestID)
	call.exchange = &runtime.Exchange{
		Descriptor:  o.descriptor,
		DirectoryID: call.fed.DirectoryID,
		RequestID:   call.fed.RequestID,
		Request:     call.request,
		Response:    call.response,
	}
	return call
}

// dispatch runs the local fan-out and, for federated requests, the federation
// layer concurrently. Results are merged sequentially: local sources in
// registration order, then federation responses.
func (o *Orchestrator) dispatch(ctx context.Context, call *callState) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "directory.dispatch")
	defer span.End()
	// A panic here must not skip the post interceptors.
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("dispatch panic: %v", r)
			span.RecordError(err)
			call.errors.RecordFailure(domain.FailureInternal, err)
		}
	}()

	// Pre interceptors may replace the working request; the response is
	// only ever mutated in place.
	if call.exchange.Request != nil {
		call.request = call.exchange.Request
	}
	call.exchange.Response = call.response

	call.federated = o.predicate.IsFederated(call.request)
	span.SetAttributes(attribute.Bool("batch.federated", call.federated))
	start := len(call.response.Entries)

	var (
		local     []SourceResult
		federated []domain.BatchResponse
		fedErr    error
		g         errgroup.Group
	)
	g.Go(func() error {
		local = o.fanout.Dispatch(ctx, call.request)
		return nil
	})
	if call.federated && o.federation.Enabled() {
		fedReq := call.request.Clone()
		g.Go(func() error {
			federated, fedErr = o.federation.Federate(ctx, fedReq)
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range local {
		if result.Err != nil {
			telemetry.RecordSourceFailure(ctx, call.fed.DirectoryID, result.Source)
			call.errors.RecordFailure(domain.FailureDataSource, result.Err)
			continue
		}
		Combine(call.response, result.Responses...)
	}

	if !call.federated {
		return
	}

	Combine(call.response, federated...)
	if fedErr != nil {
		o.logger.Warn("federation failed",
			"request_id", call.fed.RequestID,
			"partial_responses", len(federated),
			"error", fedErr,
		)
		call.errors.RecordFailure(domain.FailureFederation, fedErr)
	}

	if err := o.federation.Enrich(ctx, &call.fed, call.response.Entries[start:]); err != nil {
		o.logger.Warn("skipping federation metadata",
			"request_id", call.fed.RequestID,
			"class", domain.FailureConfigLookup,
			"error", err,
		)
		call.errors.RecordFailure(domain.FailureConfigLookup, err)
	}
}

// finish records the audit outcome. It runs exactly once per call.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, call *callState) {
	if err := o.traceDump(ctx, "batch response produced", call.fed.RequestID, call.response); err != nil {
		call.errors.RecordFailure(domain.FailureInternal, fmt.Errorf("marshal batch response: %w", err))
	}

	status := domain.AuditSuccess
	if call.errors.Failed() {
		status = domain.AuditError
		span.RecordError(call.errors.Err())
		span.SetStatus(codes.Error, "batch request recorded failures")
	}

	duration := o.now().Sub(call.started)
	record := domain.AuditRecord{
		ID:          uuid.NewString(),
		DirectoryID: call.fed.DirectoryID,
		RequestID:   call.fed.RequestID,
		Timestamp:   call.started,
		RequestKind: domain.RequestKindBatch,
		Status:      status,
		Duration:    duration,
		EntryCount:  len(call.response.Entries),
	}

	// The caller may have gone away; the record is still written.
	saveErr := o.save(context.WithoutCancel(ctx), record)
	if saveErr != nil {
		o.logger.Error("failed to save audit record",
			"request_id", call.fed.RequestID,
			"status", status,
			"error", saveErr,
		)
	}
	telemetry.RecordAuditEvent(span, string(status), call.errors.Count(), saveErr)
	telemetry.RecordBatchMetrics(ctx, telemetry.BatchMetrics{
		DirectoryID: call.fed.DirectoryID,
		Standard:    string(o.descriptor.Standard),
		Federated:   call.federated,
		Skipped:     call.skipped,
		Status:      string(status),
		Failures:    call.errors.Count(),
		Entries:     len(call.response.Entries),
		Duration:    duration,
	})

	o.logger.Debug("batch request processed",
		"request_id", call.fed.RequestID,
		"federated", call.federated,
		"skipped", call.skipped,
		"status", status,
		"entries", len(call.response.Entries),
		"failures", call.errors.Count(),
		"duration", duration,
	)
}

func (o *Orchestrator) save(ctx context.Context, record domain.AuditRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit save panic: %v", r)
		}
	}()
	return o.audit.Save(ctx, record)
}

// traceDump logs v as JSON when trace logging is enabled.
func (o *Orchestrator) traceDump(ctx context.Context, msg, requestID string, v any) error {
	if !o.logger.Enabled(ctx, logging.LevelTrace) {
		return nil
	}
	body, err := o.encodeJSON(v)
	if err != nil {
		return err
	}
	o.logger.Log(ctx, logging.LevelTrace, msg, "request_id", requestID, "body", json.RawMessage(body))
	return nil
}
