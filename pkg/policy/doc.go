// Package policy integrates the Open Policy Agent (OPA) engine with the
// directory gateway, evaluating Rego policies against a summary of each batch
// request before and after dispatch.
//
// Decisions map onto the interceptor outcomes continue, skip and abort. The
// package is decoupled from the orchestrator so policies can be tested
// independently of the data plane.
package policy
