// Package tools exposes provider helpers (table listing, table detail,
// row sampling) as typed tools the query-building loop can call.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/querylab/sibyl/pkg/registry"
)

// ToolInfo describes a tool for prompt construction and the API surface.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ToolResult is a tool invocation outcome.
type ToolResult struct {
	Success       bool          `json:"success"`
	Output        any           `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	ToolName      string        `json:"tool_name"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
}

// Tool is one callable helper. Execute receives raw argument maps;
// implementations decode them into typed argument structs and reject
// malformed input.
type Tool interface {
	GetInfo() ToolInfo
	GetName() string
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// UnknownToolError is returned when a call names a tool that is not
// registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// Registry holds the available tools.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Tool](),
	}
}

// RegisterTool adds a tool under its own name.
func (r *Registry) RegisterTool(t Tool) error {
	return r.Register(t.GetName(), t)
}

// Execute dispatches a call by tool name, timing the run.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	tool, ok := r.Get(name)
	if !ok {
		return ToolResult{}, &UnknownToolError{Name: name}
	}
	start := time.Now()
	result, err := tool.Execute(ctx, args)
	result.ToolName = name
	result.ExecutionTime = time.Since(start)
	return result, err
}

// ListInfos returns every registered tool's description in name order.
func (r *Registry) ListInfos() []ToolInfo {
	names := r.Names()
	infos := make([]ToolInfo, 0, len(names))
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			infos = append(infos, t.GetInfo())
		}
	}
	return infos
}
