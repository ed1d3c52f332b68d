// Package telemetry wires OpenTelemetry exporters and meters for the
// directory gateway.
//
// It centralises trace provider setup and offers helpers that record batch
// outcomes as metrics and span events so operators can correlate audit
// status with federation and data source behaviour.
package telemetry
