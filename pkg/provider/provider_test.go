package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/querylab/sibyl/pkg/model"
)

func TestCapabilityHas(t *testing.T) {
	caps := CapSchemaIntrospection | CapQueryExecution

	assert.True(t, caps.Has(CapSchemaIntrospection))
	assert.True(t, caps.Has(CapQueryExecution))
	assert.True(t, caps.Has(CapSchemaIntrospection|CapQueryExecution))
	assert.False(t, caps.Has(CapQueryValidation))
	assert.False(t, caps.Has(CapQueryExecution|CapDryRun))
}

func TestApplyRowLimit(t *testing.T) {
	p := &SQLProvider{dialect: "postgres", maxRows: 100}

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "select without limit gets one",
			query: "SELECT * FROM users",
			want:  "SELECT * FROM users LIMIT 100",
		},
		{
			name:  "trailing semicolon removed before limit",
			query: "SELECT id FROM orders;",
			want:  "SELECT id FROM orders LIMIT 100",
		},
		{
			name:  "existing limit preserved",
			query: "SELECT * FROM users LIMIT 5",
			want:  "SELECT * FROM users LIMIT 5",
		},
		{
			name:  "cte counts as select",
			query: "WITH t AS (SELECT 1) SELECT * FROM t",
			want:  "WITH t AS (SELECT 1) SELECT * FROM t LIMIT 100",
		},
		{
			name:  "non-select untouched",
			query: "UPDATE users SET active = false",
			want:  "UPDATE users SET active = false",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.applyRowLimit(tt.query, p.rowCap(0)))
		})
	}
}

func TestRowCapClampsPerCallLimit(t *testing.T) {
	sql := &SQLProvider{dialect: "postgres", maxRows: 100}
	assert.Equal(t, "SELECT * FROM users LIMIT 10",
		sql.applyRowLimit("SELECT * FROM users", sql.rowCap(10)))
	assert.Equal(t, 100, sql.rowCap(0))
	assert.Equal(t, 100, sql.rowCap(-1))
	assert.Equal(t, 100, sql.rowCap(5000))
	assert.Equal(t, 10, sql.rowCap(10))

	mongo := &MongoProvider{maxRows: 500}
	assert.Equal(t, int64(500), mongo.rowCap(0))
	assert.Equal(t, int64(500), mongo.rowCap(900))
	assert.Equal(t, int64(25), mongo.rowCap(25))
}

func TestParseMongoQuery(t *testing.T) {
	t.Run("valid find", func(t *testing.T) {
		q, result := parseMongoQuery(`{"collection": "users", "operation": "find", "filter": {"active": true}}`)
		assert.Equal(t, model.ValidationPassed, result.Status)
		assert.Equal(t, "users", q.Collection)
		assert.Equal(t, "find", q.Operation)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, result := parseMongoQuery(`db.users.find({})`)
		assert.Equal(t, model.ValidationFailed, result.Status)
		assert.Contains(t, result.Errors[0], "not valid JSON")
	})

	t.Run("missing collection", func(t *testing.T) {
		_, result := parseMongoQuery(`{"operation": "find"}`)
		assert.Equal(t, model.ValidationFailed, result.Status)
		assert.Contains(t, strings.Join(result.Errors, " "), "collection is required")
	})

	t.Run("unknown operation", func(t *testing.T) {
		_, result := parseMongoQuery(`{"collection": "users", "operation": "map_reduce"}`)
		assert.Equal(t, model.ValidationFailed, result.Status)
	})

	t.Run("aggregate requires pipeline", func(t *testing.T) {
		_, result := parseMongoQuery(`{"collection": "orders", "operation": "aggregate"}`)
		assert.Equal(t, model.ValidationFailed, result.Status)
		assert.Contains(t, result.Errors[0], "pipeline")
	})

	t.Run("update requires update document", func(t *testing.T) {
		_, result := parseMongoQuery(`{"collection": "users", "operation": "update_many", "filter": {}}`)
		assert.Equal(t, model.ValidationFailed, result.Status)
	})
}

func TestCheckSPLShape(t *testing.T) {
	assert.Empty(t, checkSPLShape("search index=web status=500"))
	assert.Empty(t, checkSPLShape("| tstats count where index=web by host"))
	assert.NotEmpty(t, checkSPLShape(""))
	assert.NotEmpty(t, checkSPLShape("index=web status=500"))
}

func TestBoundSPL(t *testing.T) {
	assert.Equal(t, "search index=web | head 100", boundSPL("search index=web", 100))
	assert.Equal(t, "search index=web | head 5", boundSPL("search index=web | head 5", 100))
	assert.Equal(t, "search index=web | tail 20", boundSPL("search index=web | tail 20", 100))
	assert.Equal(t,
		"| inputlookup users limit=10",
		boundSPL("| inputlookup users limit=10", 100))
}
