package federation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/polis-pdti/internal/governance"
	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/polisai/polis-pdti/pkg/engine"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPeerTimeout bounds a single peer exchange, retries included.
	DefaultPeerTimeout = 10 * time.Second
	// DefaultMaxResponseBytes caps a decoded peer response.
	DefaultMaxResponseBytes int64 = 8 << 20
)

var tracer = otel.Tracer("pdti.federation")

// Peer is a remote gateway accepting batch requests.
type Peer struct {
	ID       string
	Endpoint string
	Timeout  time.Duration
}

// Options configures an HTTPFederator.
type Options struct {
	Peers []Peer
	// Client overrides the HTTP client. The default client is instrumented
	// with otelhttp.
	Client *http.Client
	// TLSConfig is used by the default client for HTTPS peers, typically
	// carrying the gateway's client certificate.
	TLSConfig        *tls.Config
	Retry            governance.RetryConfig
	CircuitBreaker   governance.CircuitBreakerConfig
	MaxResponseBytes int64
	Logger           *slog.Logger
}

// HTTPFederator implements domain.FederationService by posting the batch as
// JSON to every peer concurrently.
type HTTPFederator struct {
	peers    []Peer
	client   *http.Client
	retry    *governance.RetryPolicy
	breakers *governance.CircuitBreakerManager
	maxBytes int64
	logger   *slog.Logger
}

// NewHTTPFederator validates the peers and builds the federator.
func NewHTTPFederator(opts Options) (*HTTPFederator, error) {
	if len(opts.Peers) == 0 {
		return nil, fmt.Errorf("%w: federation requires at least one peer", domain.ErrConfigInvalid)
	}
	seen := make(map[string]struct{}, len(opts.Peers))
	peers := make([]Peer, 0, len(opts.Peers))
	for _, peer := range opts.Peers {
		peer.ID = strings.TrimSpace(peer.ID)
		if peer.ID == "" || strings.TrimSpace(peer.Endpoint) == "" {
			return nil, fmt.Errorf("%w: peer id and endpoint are required", domain.ErrConfigInvalid)
		}
		if _, dup := seen[peer.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate peer %q", domain.ErrConfigInvalid, peer.ID)
		}
		seen[peer.ID] = struct{}{}
		if peer.Timeout <= 0 {
			peer.Timeout = DefaultPeerTimeout
		}
		peers = append(peers, peer)
	}

	client := opts.Client
	if client == nil {
		var transport http.RoundTripper = http.DefaultTransport
		if opts.TLSConfig != nil {
			base := http.DefaultTransport.(*http.Transport).Clone()
			base.TLSClientConfig = opts.TLSConfig
			transport = base
		}
		client = &http.Client{Transport: otelhttp.NewTransport(transport)}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}

	return &HTTPFederator{
		peers:    peers,
		client:   client,
		retry:    governance.NewRetryPolicy(opts.Retry),
		breakers: governance.NewCircuitBreakerManager(opts.CircuitBreaker),
		maxBytes: maxBytes,
		logger:   logger.With("component", "federation"),
	}, nil
}

// Federate sends req to every peer and returns the responses of the peers
// that answered, in peer order. Peer failures are joined into the returned
// error; successful responses are returned alongside it.
func (f *HTTPFederator) Federate(ctx context.Context, req *domain.BatchRequest) ([]domain.BatchResponse, error) {
	body, err := json.Marshal(engine.StripFederationControls(req))
	if err != nil {
		return nil, fmt.Errorf("encode federated request: %w", err)
	}

	responses := make([]*domain.BatchResponse, len(f.peers))
	failures := make([]error, len(f.peers))

	g, gctx := errgroup.WithContext(ctx)
	for i, peer := range f.peers {
		g.Go(func() error {
			resp, err := f.callPeer(gctx, peer, req.RequestID, body)
			if err != nil {
				failures[i] = fmt.Errorf("peer %s: %w", peer.ID, err)
				return nil
			}
			responses[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	out := make([]domain.BatchResponse, 0, len(f.peers))
	for _, resp := range responses {
		if resp != nil {
			out = append(out, *resp)
		}
	}
	return out, errors.Join(failures...)
}

// PeerStates reports the circuit breaker state of each peer contacted so far.
func (f *HTTPFederator) PeerStates() map[string]governance.CircuitBreakerState {
	return f.breakers.States()
}

func (f *HTTPFederator) callPeer(ctx context.Context, peer Peer, requestID string, body []byte) (*domain.BatchResponse, error) {
	ctx, span := tracer.Start(ctx, "federation.peer")
	defer span.End()
	span.SetAttributes(attribute.String("peer.id", peer.ID), attribute.String("peer.endpoint", peer.Endpoint))

	ctx, cancel := context.WithTimeout(ctx, peer.Timeout)
	defer cancel()

	start := time.Now()
	var resp *domain.BatchResponse
	err := f.breakers.Get(peer.ID).Execute(ctx, func(ctx context.Context) error {
		return f.retry.Do(ctx, func(ctx context.Context, attempt int) error {
			if attempt > 0 {
				span.AddEvent("federation.retry", trace.WithAttributes(attribute.Int("attempt", attempt)))
			}
			var err error
			resp, err = f.post(ctx, peer, requestID, body)
			return err
		})
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrUpstreamUnreachable, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.logger.Warn("peer federation failed",
			"peer", peer.ID,
			"request_id", requestID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	f.logger.Debug("peer federation complete",
		"peer", peer.ID,
		"request_id", requestID,
		"entries", len(resp.Entries),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (f *HTTPFederator) post(ctx context.Context, peer Peer, requestID string, body []byte) (*domain.BatchResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, governance.Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		return nil, &governance.StatusError{StatusCode: httpResp.StatusCode}
	}

	var out domain.BatchResponse
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, f.maxBytes)).Decode(&out); err != nil {
		return nil, governance.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}
