// Package server exposes the batch orchestrator over HTTP. The data listener
// accepts JSON batch requests; the admin listener serves health and
// Prometheus metrics.
package server
