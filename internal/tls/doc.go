// Package tls builds the TLS configurations used between federated gateways:
// the data listener, optionally requiring client certificates, and the
// federation client presenting its own certificate to peers.
package tls
