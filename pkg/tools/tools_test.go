package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/provider"
	"github.com/querylab/sibyl/pkg/schema"
)

type fakeProvider struct {
	lastQuery string
}

func (f *fakeProvider) Describe() provider.Info {
	return provider.Info{
		ID:            "sales",
		Type:          "sql",
		QueryLanguage: protocol.QueryLanguageSQL,
		Capabilities:  provider.CapSchemaIntrospection | provider.CapQueryExecution,
	}
}

func (f *fakeProvider) GetSchema(context.Context) (*schema.Definition, error) {
	return &schema.Definition{
		QueryLanguage: protocol.QueryLanguageSQL,
		Tables: []schema.Table{
			{Name: "customers", Columns: []schema.Column{{Name: "id", Type: "integer"}}},
			{Name: "orders", Columns: []schema.Column{{Name: "id", Type: "integer"}}},
		},
	}, nil
}

func (f *fakeProvider) ValidateSyntax(context.Context, string) (*model.ValidationResult, error) {
	return &model.ValidationResult{Status: model.ValidationPassed}, nil
}

func (f *fakeProvider) ExecuteQuery(_ context.Context, query string, _ int) (*model.ExecutionResult, error) {
	f.lastQuery = query
	return &model.ExecutionResult{
		Success:    true,
		RowCount:   1,
		SampleRows: []map[string]any{{"id": 1}},
	}, nil
}

func (f *fakeProvider) Close() error { return nil }

func newTestRegistry(t *testing.T) (*Registry, *fakeProvider) {
	t.Helper()
	r := NewRegistry()
	p := &fakeProvider{}
	require.NoError(t, RegisterProviderTools(r, p))
	return r, p
}

func TestUnknownToolIsTypedError(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Execute(context.Background(), "drop_database", nil)
	var unknown *UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "drop_database", unknown.Name)
}

func TestListTables(t *testing.T) {
	r, _ := newTestRegistry(t)

	res, err := r.Execute(context.Background(), "list_tables", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"customers", "orders"}, res.Output)
}

func TestDescribeTableRejectsUnknownArgs(t *testing.T) {
	r, _ := newTestRegistry(t)

	res, err := r.Execute(context.Background(), "describe_table",
		map[string]any{"table": "customers", "bogus": 1})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid arguments")
}

func TestDescribeTable(t *testing.T) {
	r, _ := newTestRegistry(t)

	res, err := r.Execute(context.Background(), "describe_table",
		map[string]any{"table": "orders"})
	require.NoError(t, err)
	require.True(t, res.Success)
	table := res.Output.(*schema.Table)
	assert.Equal(t, "orders", table.Name)
}

func TestSampleRowsCapsLimit(t *testing.T) {
	r, p := newTestRegistry(t)

	res, err := r.Execute(context.Background(), "sample_rows",
		map[string]any{"table": "orders", "limit": 500})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "SELECT * FROM orders LIMIT 10", p.lastQuery)
}
