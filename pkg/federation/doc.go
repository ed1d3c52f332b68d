// Package federation forwards federated batch requests to peer directory
// gateways over HTTP and collects their responses.
package federation
