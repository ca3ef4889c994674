package provider

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/schema"
)

const maxSampleRows = 10

// SQLProvider serves postgres, mysql, and sqlite backends through
// database/sql.
type SQLProvider struct {
	id      string
	db      *sql.DB
	dialect string
	timeout time.Duration
	maxRows int
}

// NewSQLProvider builds a provider on a pooled connection. The pool owns
// the *sql.DB; Close here is a no-op on the shared handle.
func NewSQLProvider(id string, cfg *config.DataSourceConfig, pool *config.DBPool) (*SQLProvider, error) {
	db, err := pool.Get(cfg.SQL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for provider %q: %w", id, err)
	}
	return &SQLProvider{
		id:      id,
		db:      db,
		dialect: cfg.SQL.Dialect(),
		timeout: time.Duration(cfg.QueryTimeoutSeconds) * time.Second,
		maxRows: cfg.MaxRows,
	}, nil
}

func (p *SQLProvider) Describe() Info {
	return Info{
		ID:            p.id,
		Type:          "sql",
		QueryLanguage: protocol.QueryLanguageSQL,
		Dialect:       p.dialect,
		Capabilities: CapSchemaIntrospection | CapQueryValidation |
			CapQueryExecution | CapQueryExplanation,
	}
}

func (p *SQLProvider) Close() error {
	// Connection lifetime is owned by the DBPool.
	return nil
}

// GetSchema introspects tables, columns, keys, and foreign-key edges.
func (p *SQLProvider) GetSchema(ctx context.Context) (*schema.Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		def *schema.Definition
		err error
	)
	switch p.dialect {
	case "sqlite":
		def, err = p.introspectSQLite(ctx)
	default:
		def, err = p.introspectInformationSchema(ctx)
	}
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrProviderUnavailable,
			fmt.Sprintf("schema introspection failed for provider %q", p.id), err)
	}
	def.QueryLanguage = protocol.QueryLanguageSQL
	for _, t := range def.Tables {
		for _, fk := range t.ForeignKeys {
			def.Relationships = append(def.Relationships, schema.Relationship{
				FromTable:  t.Name,
				FromColumn: fk.Column,
				ToTable:    fk.RefTable,
				ToColumn:   fk.RefColumn,
				Type:       "many_to_one",
			})
		}
	}
	return def, nil
}

func (p *SQLProvider) introspectInformationSchema(ctx context.Context) (*schema.Definition, error) {
	schemaFilter := "table_schema = DATABASE()"
	if p.dialect == "postgres" {
		schemaFilter = "table_schema = 'public'"
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE %s
		ORDER BY table_name, ordinal_position`, schemaFilter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := map[string]*schema.Table{}
	var order []string
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			return nil, err
		}
		t, ok := tables[table]
		if !ok {
			t = &schema.Table{Name: table}
			tables[table] = t
			order = append(order, table)
		}
		t.Columns = append(t.Columns, schema.Column{
			Name:     column,
			Type:     dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := p.loadKeys(ctx, tables); err != nil {
		return nil, err
	}

	def := &schema.Definition{}
	for _, name := range order {
		def.Tables = append(def.Tables, *tables[name])
	}
	return def, nil
}

// loadKeys fills primary keys and foreign-key edges from
// information_schema.key_column_usage.
func (p *SQLProvider) loadKeys(ctx context.Context, tables map[string]*schema.Table) error {
	if p.dialect == "postgres" {
		// referenced_* columns below are a MySQL extension.
		return p.loadKeysPostgres(ctx, tables)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT kcu.table_name, kcu.column_name, kcu.constraint_name,
		       COALESCE(kcu.referenced_table_name, ''),
		       COALESCE(kcu.referenced_column_name, '')
		FROM information_schema.key_column_usage kcu
		WHERE kcu.table_schema = DATABASE()`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var table, column, constraint, refTable, refColumn string
		if err := rows.Scan(&table, &column, &constraint, &refTable, &refColumn); err != nil {
			return err
		}
		t, ok := tables[table]
		if !ok {
			continue
		}
		if refTable != "" {
			t.ForeignKeys = append(t.ForeignKeys, schema.ForeignKey{
				Column:     column,
				RefTable:   refTable,
				RefColumn:  refColumn,
				Constraint: constraint,
			})
		} else if constraint == "PRIMARY" {
			t.PrimaryKey = append(t.PrimaryKey, column)
			if c, ok := t.Column(column); ok {
				c.IsPrimaryKey = true
			}
		}
	}
	return rows.Err()
}

func (p *SQLProvider) loadKeysPostgres(ctx context.Context, tables map[string]*schema.Table) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tc.table_name, kcu.column_name, tc.constraint_type,
		       COALESCE(ccu.table_name, ''), COALESCE(ccu.column_name, '')
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		LEFT JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		 AND tc.constraint_type = 'FOREIGN KEY'
		WHERE tc.table_schema = 'public'
		  AND tc.constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var table, column, ctype, refTable, refColumn string
		if err := rows.Scan(&table, &column, &ctype, &refTable, &refColumn); err != nil {
			return err
		}
		t, ok := tables[table]
		if !ok {
			continue
		}
		if ctype == "FOREIGN KEY" && refTable != "" {
			t.ForeignKeys = append(t.ForeignKeys, schema.ForeignKey{
				Column: column, RefTable: refTable, RefColumn: refColumn,
			})
		} else if ctype == "PRIMARY KEY" {
			t.PrimaryKey = append(t.PrimaryKey, column)
			if c, ok := t.Column(column); ok {
				c.IsPrimaryKey = true
			}
		}
	}
	return rows.Err()
}

func (p *SQLProvider) introspectSQLite(ctx context.Context) (*schema.Definition, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	def := &schema.Definition{}
	for _, name := range names {
		table := schema.Table{Name: name}

		cols, err := p.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, name))
		if err != nil {
			return nil, err
		}
		for cols.Next() {
			var (
				cid     int
				colName string
				colType string
				notNull int
				dflt    sql.NullString
				pk      int
			)
			if err := cols.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
				cols.Close()
				return nil, err
			}
			table.Columns = append(table.Columns, schema.Column{
				Name:         colName,
				Type:         colType,
				Nullable:     notNull == 0,
				Default:      dflt.String,
				IsPrimaryKey: pk > 0,
			})
			if pk > 0 {
				table.PrimaryKey = append(table.PrimaryKey, colName)
			}
		}
		cols.Close()
		if err := cols.Err(); err != nil {
			return nil, err
		}

		fks, err := p.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%q)`, name))
		if err != nil {
			return nil, err
		}
		for fks.Next() {
			var (
				id, seq                   int
				refTable, from, to        string
				onUpdate, onDelete, match string
			)
			if err := fks.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
				fks.Close()
				return nil, err
			}
			table.ForeignKeys = append(table.ForeignKeys, schema.ForeignKey{
				Column: from, RefTable: refTable, RefColumn: to,
			})
		}
		fks.Close()
		if err := fks.Err(); err != nil {
			return nil, err
		}

		def.Tables = append(def.Tables, table)
	}
	return def, nil
}

// ValidateSyntax checks the query with EXPLAIN (prepare for sqlite, which
// validates on prepare). Backend syntax rejections become a Failed result;
// connectivity problems are returned as errors.
func (p *SQLProvider) ValidateSyntax(ctx context.Context, query string) (*model.ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var err error
	if p.dialect == "sqlite" {
		var stmt *sql.Stmt
		stmt, err = p.db.PrepareContext(ctx, query)
		if err == nil {
			stmt.Close()
		}
	} else {
		var rows *sql.Rows
		rows, err = p.db.QueryContext(ctx, "EXPLAIN "+query)
		if err == nil {
			rows.Close()
		}
	}

	if err == nil {
		return &model.ValidationResult{Status: model.ValidationPassed}, nil
	}
	if ctx.Err() != nil {
		return nil, protocol.WrapError(protocol.ErrProviderUnavailable,
			"validation timed out", err)
	}
	return &model.ValidationResult{
		Status: model.ValidationFailed,
		Errors: []string{err.Error()},
	}, nil
}

var limitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)

// ExecuteQuery runs the query with a row cap and timeout. A LIMIT is
// injected into SELECT statements that lack one.
func (p *SQLProvider) ExecuteQuery(ctx context.Context, query string, rowLimit int) (*model.ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	bounded := p.applyRowLimit(query, p.rowCap(rowLimit))
	start := time.Now()

	if !isSelect(bounded) {
		res, err := p.db.ExecContext(ctx, bounded)
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			return &model.ExecutionResult{
				Success: false, Error: err.Error(), ExecutionTimeMs: elapsed,
			}, nil
		}
		affected, _ := res.RowsAffected()
		return &model.ExecutionResult{
			Success: true, AffectedRows: affected, ExecutionTimeMs: elapsed,
		}, nil
	}

	rows, err := p.db.QueryContext(ctx, bounded)
	if err != nil {
		return &model.ExecutionResult{
			Success:         false,
			Error:           err.Error(),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	var (
		count   int64
		samples []map[string]any
	)
	for rows.Next() {
		count++
		if len(samples) >= maxSampleRows {
			continue
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		samples = append(samples, row)
	}
	if err := rows.Err(); err != nil {
		return &model.ExecutionResult{
			Success:         false,
			Error:           err.Error(),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}

	return &model.ExecutionResult{
		Success:         true,
		RowCount:        count,
		Columns:         columns,
		SampleRows:      samples,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *SQLProvider) applyRowLimit(query string, limit int) string {
	if !isSelect(query) || limitPattern.MatchString(query) {
		return query
	}
	trimmed := strings.TrimRight(strings.TrimSpace(query), ";")
	return fmt.Sprintf("%s LIMIT %d", trimmed, limit)
}

// rowCap clamps a per-call row limit to the configured maximum.
func (p *SQLProvider) rowCap(rowLimit int) int {
	if rowLimit <= 0 || rowLimit > p.maxRows {
		return p.maxRows
	}
	return rowLimit
}

func isSelect(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH")
}
