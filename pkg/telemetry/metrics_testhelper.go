package telemetry

import "sync"

// ResetMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	batchRequestCounter = nil
	batchFailureCounter = nil
	batchSkippedCounter = nil
	sourceFailureCounter = nil
	batchLatencyHistogram = nil
}
