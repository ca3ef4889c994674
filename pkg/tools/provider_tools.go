package tools

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/querylab/sibyl/pkg/provider"
)

// RegisterProviderTools wires the schema helper tools for one provider.
func RegisterProviderTools(r *Registry, p provider.Provider) error {
	for _, t := range []Tool{
		&listTablesTool{provider: p},
		&describeTableTool{provider: p},
		&sampleRowsTool{provider: p},
	} {
		if err := r.RegisterTool(t); err != nil {
			return err
		}
	}
	return nil
}

// decodeArgs maps a raw argument map onto a typed struct, rejecting
// unknown keys.
func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

type listTablesTool struct {
	provider provider.Provider
}

func (t *listTablesTool) GetName() string { return "list_tables" }

func (t *listTablesTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "list_tables",
		Description: "List every table (or collection, or index) the data source exposes.",
	}
}

func (t *listTablesTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	var params struct{}
	if err := decodeArgs(args, &params); err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	def, err := t.provider.GetSchema(ctx)
	if err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	return ToolResult{Success: true, Output: def.TableNames()}, nil
}

type describeTableTool struct {
	provider provider.Provider
}

func (t *describeTableTool) GetName() string { return "describe_table" }

func (t *describeTableTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "describe_table",
		Description: "Describe one table: columns, types, keys.",
		Parameters: []ToolParameter{
			{Name: "table", Type: "string", Description: "table name", Required: true},
		},
	}
}

func (t *describeTableTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	var params struct {
		Table string `mapstructure:"table"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	if params.Table == "" {
		return ToolResult{Error: "table is required"}, nil
	}
	def, err := t.provider.GetSchema(ctx)
	if err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	table, ok := def.Table(params.Table)
	if !ok {
		return ToolResult{Error: fmt.Sprintf("table not found: %s", params.Table)}, nil
	}
	return ToolResult{Success: true, Output: table}, nil
}

type sampleRowsTool struct {
	provider provider.Provider
}

func (t *sampleRowsTool) GetName() string { return "sample_rows" }

func (t *sampleRowsTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "sample_rows",
		Description: "Fetch a few rows from one table to see real values.",
		Parameters: []ToolParameter{
			{Name: "table", Type: "string", Description: "table name", Required: true},
			{Name: "limit", Type: "integer", Description: "row count, at most 10"},
		},
	}
}

func (t *sampleRowsTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	var params struct {
		Table string `mapstructure:"table"`
		Limit int    `mapstructure:"limit"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	if params.Table == "" {
		return ToolResult{Error: "table is required"}, nil
	}
	if params.Limit <= 0 || params.Limit > 10 {
		params.Limit = 10
	}

	info := t.provider.Describe()
	if !info.Capabilities.Has(provider.CapQueryExecution) {
		return ToolResult{Error: "data source does not support execution"}, nil
	}
	query := sampleQuery(info, params.Table, params.Limit)
	res, err := t.provider.ExecuteQuery(ctx, query, params.Limit)
	if err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	if !res.Success {
		return ToolResult{Error: res.Error}, nil
	}
	return ToolResult{Success: true, Output: res.SampleRows}, nil
}

func sampleQuery(info provider.Info, table string, limit int) string {
	switch info.Type {
	case "mongodb":
		return fmt.Sprintf(`{"collection": %q, "operation": "find", "limit": %d}`, table, limit)
	case "splunk":
		return fmt.Sprintf("search index=%s | head %d", table, limit)
	default:
		return fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, limit)
	}
}
