// Package governance holds the runtime safety controls applied to calls made
// to peer directories: bounded retries with backoff and per-peer circuit
// breakers.
package governance
