package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-pdti/pkg/domain"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency bounds parallel data source dispatch when unset.
const DefaultMaxConcurrency = 8

// SourceResult is the captured outcome of one data source.
type SourceResult struct {
	Source    string
	Responses []domain.BatchResponse
	Err       error
	Duration  time.Duration
}

// DataSourceFanOut dispatches a batch to every registered data source.
type DataSourceFanOut struct {
	sources []domain.DataSource
	limit   int
	logger  *slog.Logger
}

// NewDataSourceFanOut constructs a fan-out over sources in registration order.
// A limit <= 0 selects DefaultMaxConcurrency.
func NewDataSourceFanOut(sources []domain.DataSource, limit int, logger *slog.Logger) *DataSourceFanOut {
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	kept := make([]domain.DataSource, 0, len(sources))
	for _, src := range sources {
		if src != nil {
			kept = append(kept, src)
		}
	}
	return &DataSourceFanOut{sources: kept, limit: limit, logger: logger}
}

// Len returns the number of registered sources.
func (f *DataSourceFanOut) Len() int {
	return len(f.sources)
}

// Dispatch runs every source and returns one result per source, in
// registration order. A failing source never cancels its siblings. Each
// source receives its own copy of the request.
func (f *DataSourceFanOut) Dispatch(ctx context.Context, req *domain.BatchRequest) []SourceResult {
	if len(f.sources) == 0 {
		return nil
	}

	results := make([]SourceResult, len(f.sources))
	var g errgroup.Group
	g.SetLimit(f.limit)

	for i, src := range f.sources {
		g.Go(func() error {
			results[i] = f.invoke(ctx, src, req.Clone())
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// invoke calls one source and converts a panic into a failure.
func (f *DataSourceFanOut) invoke(ctx context.Context, src domain.DataSource, req *domain.BatchRequest) (result SourceResult) {
	result.Source = src.Name()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result.Responses = nil
			result.Err = fmt.Errorf("%w: %s: panic: %v", domain.ErrDataSourceFailed, result.Source, r)
		}
		result.Duration = time.Since(start)
	}()

	responses, err := src.ProcessData(ctx, req)
	if err != nil {
		f.logger.Warn("data source failed",
			"source", result.Source,
			"request_id", req.RequestID,
			"error", err,
		)
		result.Err = fmt.Errorf("%w: %s: %w", domain.ErrDataSourceFailed, result.Source, err)
		return result
	}
	result.Responses = responses
	return result
}
