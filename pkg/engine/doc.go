// Package engine implements the batch federation aggregation engine for directory requests.
//
// Architecture:
//
// orchestrator.go      - BatchOrchestrator state machine (ProcessRequest, audit, tracing)
// interceptor_chain.go - Ordered pre/post interceptor execution with Continue/Skip/Abort outcomes
// fanout.go            - Bounded, failure-isolated dispatch to local data sources
// federation.go        - Federation predicate, remote federation dispatch and provenance enrichment
// metadata.go          - Federation status and entry metadata control construction
// combiner.go          - Response combination and per-request error aggregation
// registry.go          - Directory standard registry used by the composition root
//
// A single Orchestrator is long-lived and serves concurrent requests. Every value
// derived from one request lives in a per-call state struct created inside
// ProcessRequest; the orchestrator's own fields are read-only after construction.
package engine
