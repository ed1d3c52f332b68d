package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/polisai/polis-pdti/internal/governance"
	"github.com/polisai/polis-pdti/pkg/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// BatchPath is the data-plane route accepting batch requests.
const BatchPath = "/v1/directory/batch"

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 4 << 20

// RequestIDHeader carries the batch request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Processor runs one batch request to completion.
type Processor interface {
	ProcessRequest(ctx context.Context, req *domain.BatchRequest) *domain.BatchResponse
	Descriptor() domain.DirectoryDescriptor
}

// PeerStatusReporter exposes federation peer circuit states.
type PeerStatusReporter interface {
	PeerStates() map[string]governance.CircuitBreakerState
}

// Config wires a Handler.
type Config struct {
	Processor    Processor
	Peers        PeerStatusReporter
	Metrics      *Metrics
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Handler serves the data and admin routes.
type Handler struct {
	processor Processor
	peers     PeerStatusReporter
	metrics   *Metrics
	maxBody   int64
	logger    *slog.Logger
}

// NewHandler validates cfg and builds the HTTP handlers.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Processor == nil {
		return nil, errors.New("server: processor is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		processor: cfg.Processor,
		peers:     cfg.Peers,
		metrics:   cfg.Metrics,
		maxBody:   cfg.MaxBodyBytes,
		logger:    cfg.Logger,
	}, nil
}

// DataRoutes returns the instrumented data-plane handler.
func (h *Handler) DataRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+BatchPath, h.metrics.MetricsMiddleware("batch", http.HandlerFunc(h.handleBatch)))
	return otelhttp.NewHandler(mux, "pdti.data")
}

// AdminRoutes returns the health and metrics handler.
func (h *Handler) AdminRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", h.metrics.MetricsMiddleware("healthz", http.HandlerFunc(h.handleHealth)))
	mux.Handle("GET /metrics", h.metrics.Handler())
	return mux
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		h.metrics.RecordRejected("content_type")
		h.writeError(w, r, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "batch requests must be application/json")
		return
	}

	var req domain.BatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.RecordRejected("too_large")
			h.writeError(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "batch request exceeds the size limit")
			return
		}
		h.metrics.RecordRejected("malformed")
		h.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "batch request is not valid JSON")
		return
	}
	if req.RequestID == "" {
		req.RequestID = strings.TrimSpace(r.Header.Get(RequestIDHeader))
	}

	start := time.Now()
	resp := h.processor.ProcessRequest(r.Context(), &req)
	descriptor := h.processor.Descriptor()
	h.metrics.RecordBatch(descriptor.DirectoryID, batchStatus(resp), len(resp.Entries), time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	if resp.RequestID != "" {
		w.Header().Set(RequestIDHeader, resp.RequestID)
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("failed to write batch response", "request_id", resp.RequestID, "error", err)
	}
}

type healthReport struct {
	Status      string            `json:"status"`
	DirectoryID string            `json:"directoryId"`
	Standard    string            `json:"standard"`
	Peers       map[string]string `json:"peers,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	descriptor := h.processor.Descriptor()
	report := healthReport{
		Status:      "ok",
		DirectoryID: descriptor.DirectoryID,
		Standard:    string(descriptor.Standard),
	}

	if h.peers != nil {
		states := h.peers.PeerStates()
		ids := make([]string, 0, len(states))
		for id := range states {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		report.Peers = make(map[string]string, len(states))
		for _, id := range ids {
			state := states[id]
			report.Peers[id] = string(state)
			h.metrics.SetPeerOpen(id, state != governance.StateClosed)
			if state == governance.StateOpen {
				report.Status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := domain.APIError{Code: code, Message: message}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		body.TraceID = sc.TraceID().String()
	}
	h.logger.Debug("batch request rejected", "status", status, "code", code)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func batchStatus(resp *domain.BatchResponse) string {
	for _, entry := range resp.Entries {
		if entry.Kind == domain.EntryError {
			return "error"
		}
	}
	return "success"
}
