package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylab/sibyl/pkg/protocol"
)

type stubSource struct {
	def *Definition
	err error
}

func (s *stubSource) GetSchema(context.Context, string) (*Definition, error) {
	return s.def, s.err
}

type stubAnnotations struct {
	list []*Annotation
	err  error
}

func (s *stubAnnotations) ListAnnotations(context.Context, string) ([]*Annotation, error) {
	return s.list, s.err
}

func salesDefinition() *Definition {
	return &Definition{
		QueryLanguage: protocol.QueryLanguageSQL,
		Tables: []Table{
			{
				Name: "orders",
				Columns: []Column{
					{Name: "id", Type: "integer", IsPrimaryKey: true},
					{Name: "customer_id", Type: "integer"},
					{Name: "amount", Type: "numeric"},
				},
				ForeignKeys: []ForeignKey{
					{Column: "customer_id", RefTable: "customers", RefColumn: "id"},
				},
			},
			{
				Name: "customers",
				Columns: []Column{
					{Name: "id", Type: "integer", IsPrimaryKey: true},
					{Name: "name", Type: "text"},
				},
			},
			{
				Name: "audit_log",
				Columns: []Column{
					{Name: "id", Type: "integer", IsPrimaryKey: true},
					{Name: "payload", Type: "jsonb"},
				},
			},
		},
		Relationships: []Relationship{
			{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "id"},
		},
	}
}

func TestSelectKeepsLexicalMatches(t *testing.T) {
	expert := NewExpert(&stubSource{def: salesDefinition()}, nil, ExpertConfig{})

	sctx, err := expert.Select(context.Background(), "sales", "total orders across customers", nil)
	require.NoError(t, err)

	assert.True(t, sctx.HasTable("orders"))
	assert.True(t, sctx.HasTable("customers"))
	assert.False(t, sctx.HasTable("audit_log"))
	assert.Equal(t, protocol.QueryLanguageSQL, sctx.QueryLanguage)
}

func TestSelectEmitsJoinsForKeptRelationships(t *testing.T) {
	expert := NewExpert(&stubSource{def: salesDefinition()}, nil, ExpertConfig{})

	sctx, err := expert.Select(context.Background(), "sales", "join orders with customers", nil)
	require.NoError(t, err)

	require.Len(t, sctx.Relationships, 1)
	require.Len(t, sctx.SuggestedJoins, 1)
	assert.Equal(t, "JOIN customers ON orders.customer_id = customers.id", sctx.SuggestedJoins[0])
}

func TestSelectForeignKeyClosureNeedsJoinHint(t *testing.T) {
	// Only "orders" matches the question; whether "customers" rides along
	// on the FK edge depends on the annotation's join hints.
	withoutHint := NewExpert(&stubSource{def: salesDefinition()}, &stubAnnotations{}, ExpertConfig{})
	sctx, err := withoutHint.Select(context.Background(), "sales", "sum of orders amount", nil)
	require.NoError(t, err)
	assert.False(t, sctx.HasTable("customers"))

	hinted := &stubAnnotations{list: []*Annotation{{
		TargetKind: TargetTable,
		TargetName: "orders",
		JoinHints:  []string{"customers"},
	}}}
	withHint := NewExpert(&stubSource{def: salesDefinition()}, hinted, ExpertConfig{})
	sctx, err = withHint.Select(context.Background(), "sales", "sum of orders amount", nil)
	require.NoError(t, err)
	assert.True(t, sctx.HasTable("customers"))
}

func TestSelectRecencyPriorRescuesUnmatchedTable(t *testing.T) {
	expert := NewExpert(&stubSource{def: salesDefinition()}, nil, ExpertConfig{})

	sctx, err := expert.Select(context.Background(), "sales", "show me the same thing again", []string{"audit_log"})
	require.NoError(t, err)

	assert.True(t, sctx.HasTable("audit_log"))
	assert.False(t, sctx.HasTable("orders"))
}

func TestSelectFallsBackToTopTablesOnVagueQuestion(t *testing.T) {
	expert := NewExpert(&stubSource{def: salesDefinition()}, nil, ExpertConfig{})

	sctx, err := expert.Select(context.Background(), "sales", "show me everything interesting", nil)
	require.NoError(t, err)

	// Nothing scored above zero, so the expert keeps the top tables
	// rather than starving the builder.
	assert.Len(t, sctx.Tables, 3)
}

func TestSelectSearchableEnumLiteral(t *testing.T) {
	def := &Definition{
		QueryLanguage: protocol.QueryLanguageSQL,
		Tables: []Table{
			{Name: "tbl_a", Columns: []Column{{Name: "id", Type: "integer"}}},
			{Name: "tbl_b", Columns: []Column{{Name: "tier", Type: "text"}}},
		},
	}
	anns := &stubAnnotations{list: []*Annotation{{
		TargetKind:   TargetColumn,
		TargetName:   "tbl_b.tier",
		IsSearchable: true,
		EnumValues:   []string{"Premium", "Basic"},
	}}}
	expert := NewExpert(&stubSource{def: def}, anns, ExpertConfig{})

	sctx, err := expert.Select(context.Background(), "sales", `who is on the 'Premium' plan`, nil)
	require.NoError(t, err)

	assert.True(t, sctx.HasTable("tbl_b"))
	assert.False(t, sctx.HasTable("tbl_a"))
}

func TestSelectTopKBoundsSelection(t *testing.T) {
	def := &Definition{QueryLanguage: protocol.QueryLanguageSQL}
	for _, name := range []string{"orders_eu", "orders_us", "orders_apac"} {
		def.Tables = append(def.Tables, Table{Name: name, Columns: []Column{{Name: "id", Type: "integer"}}})
	}
	expert := NewExpert(&stubSource{def: def}, nil, ExpertConfig{TopK: 2})

	sctx, err := expert.Select(context.Background(), "sales", "orders everywhere", nil)
	require.NoError(t, err)
	assert.Len(t, sctx.Tables, 2)
}

func TestSelectSchemaFetchErrorPropagates(t *testing.T) {
	expert := NewExpert(&stubSource{err: errors.New("connection refused")}, nil, ExpertConfig{})

	_, err := expert.Select(context.Background(), "sales", "orders", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch schema")
}

func TestFlattenRendersAnnotations(t *testing.T) {
	sctx := &Context{
		QueryLanguage: protocol.QueryLanguageSQL,
		Tables: []Table{{
			Name:    "orders",
			Columns: []Column{{Name: "status", Type: "text", Nullable: true}},
		}},
		Annotations: map[string]*Annotation{
			"orders":        {Description: "customer purchases"},
			"orders.status": {EnumValues: []string{"open", "shipped"}},
		},
		SuggestedJoins: []string{"JOIN customers ON orders.customer_id = customers.id"},
	}

	flat := sctx.Flatten()
	assert.Contains(t, flat, "Table: orders -- customer purchases")
	assert.Contains(t, flat, "(values: open, shipped)")
	assert.Contains(t, flat, "Suggested joins:")
}
