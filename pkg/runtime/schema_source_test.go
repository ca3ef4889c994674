package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/provider"
	"github.com/querylab/sibyl/pkg/schema"
)

type countingProvider struct {
	calls int
}

func (p *countingProvider) Describe() provider.Info {
	return provider.Info{ID: "sales", QueryLanguage: protocol.QueryLanguageSQL}
}

func (p *countingProvider) GetSchema(ctx context.Context) (*schema.Definition, error) {
	p.calls++
	return &schema.Definition{
		Tables: []schema.Table{{Name: "orders"}},
	}, nil
}

func (p *countingProvider) ValidateSyntax(ctx context.Context, query string) (*model.ValidationResult, error) {
	return &model.ValidationResult{Status: model.ValidationPassed}, nil
}

func (p *countingProvider) ExecuteQuery(ctx context.Context, query string, rowLimit int) (*model.ExecutionResult, error) {
	return &model.ExecutionResult{Success: true}, nil
}

func (p *countingProvider) Close() error { return nil }

func TestSchemaSourceCachesIntrospection(t *testing.T) {
	reg := provider.NewProviderRegistry(nil)
	counting := &countingProvider{}
	require.NoError(t, reg.Register("sales", counting))

	source := newSchemaSource(reg)
	ctx := context.Background()

	first, err := source.GetSchema(ctx, "sales")
	require.NoError(t, err)
	require.Len(t, first.Tables, 1)

	second, err := source.GetSchema(ctx, "sales")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, counting.calls)
}

func TestSchemaSourceUnknownProvider(t *testing.T) {
	source := newSchemaSource(provider.NewProviderRegistry(nil))
	_, err := source.GetSchema(context.Background(), "nope")
	require.Error(t, err)
}

type multiTableProvider struct {
	countingProvider
}

func (p *multiTableProvider) GetSchema(ctx context.Context) (*schema.Definition, error) {
	return &schema.Definition{
		QueryLanguage: protocol.QueryLanguageSQL,
		Tables: []schema.Table{
			{Name: "orders_eu"},
			{Name: "orders_us"},
			{Name: "orders_apac"},
		},
	}, nil
}

func TestExpertConfigCarriesSchemaTopK(t *testing.T) {
	cfg := config.RetrievalConfig{}
	cfg.SetDefaults()
	assert.Equal(t, 8, expertConfig(&cfg).TopK)

	cfg.SchemaTopK = 2
	reg := provider.NewProviderRegistry(nil)
	require.NoError(t, reg.Register("sales", &multiTableProvider{}))

	expert := schema.NewExpert(newSchemaSource(reg), nil, expertConfig(&cfg))
	sctx, err := expert.Select(context.Background(), "sales", "orders everywhere", nil)
	require.NoError(t, err)
	assert.Len(t, sctx.Tables, 2)
}
