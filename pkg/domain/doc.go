// Package domain defines the core directory types and collaborator contracts for
// the directory federation gateway.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no database, HTTP, SOAP, etc.)
// - Technology-agnostic (no framework coupling)
// - Testable in isolation without mocks
//
// Other packages (engine, federation, storage, datasource) implement the interfaces
// defined here and depend on these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
