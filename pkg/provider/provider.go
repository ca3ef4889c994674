// Package provider abstracts query backends (SQL databases, MongoDB,
// Splunk) behind a uniform interface. The orchestrator and validator talk
// to providers only through this interface; dialect knowledge stays here.
package provider

import (
	"context"

	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/schema"
)

// Capability is a bit flag advertising what a backend supports. Callers
// must check capabilities before invoking the corresponding operation.
type Capability uint32

const (
	CapSchemaIntrospection Capability = 1 << iota
	CapQueryValidation
	CapQueryExecution
	CapQueryExplanation
	CapDryRun
	CapCostEstimation
)

// Has reports whether all bits in want are set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Info describes a registered provider.
type Info struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	QueryLanguage protocol.QueryLanguage `json:"query_language"`
	Dialect       string                 `json:"dialect,omitempty"`
	Capabilities  Capability             `json:"capabilities"`
}

// Provider is one query backend.
type Provider interface {
	// Describe returns static metadata about the backend.
	Describe() Info

	// GetSchema introspects the backend and returns its full schema.
	GetSchema(ctx context.Context) (*schema.Definition, error)

	// ValidateSyntax checks a query without running it. A failed check is
	// reported in the result, not as an error; errors mean the backend
	// itself was unreachable.
	ValidateSyntax(ctx context.Context, query string) (*model.ValidationResult, error)

	// ExecuteQuery runs a query with row and time bounds applied. rowLimit
	// caps rows for this call; values <= 0 mean the provider's configured
	// maximum, which is never exceeded either way.
	ExecuteQuery(ctx context.Context, query string, rowLimit int) (*model.ExecutionResult, error)

	// Close releases backend connections.
	Close() error
}
