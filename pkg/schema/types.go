// Package schema models data-source schemas, workspace annotations, and
// the schema expert that projects both down to the tables relevant to one
// question.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/querylab/sibyl/pkg/protocol"
)

// Column describes one column (or document field). Object-valued columns
// carry their nested fields recursively.
type Column struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Nullable     bool     `json:"nullable"`
	Default      string   `json:"default,omitempty"`
	IsPrimaryKey bool     `json:"is_primary_key,omitempty"`
	IsUnique     bool     `json:"is_unique,omitempty"`
	Comment      string   `json:"comment,omitempty"`
	Nested       []Column `json:"nested,omitempty"`
}

// ForeignKey is one outgoing foreign-key edge.
type ForeignKey struct {
	Column     string `json:"column"`
	RefTable   string `json:"ref_table"`
	RefColumn  string `json:"ref_column"`
	Constraint string `json:"constraint,omitempty"`
}

// Table describes one table (or collection, or search index).
type Table struct {
	Name            string       `json:"name"`
	SchemaNamespace string       `json:"schema_namespace,omitempty"`
	Columns         []Column     `json:"columns"`
	PrimaryKey      []string     `json:"primary_key,omitempty"`
	Indexes         []string     `json:"indexes,omitempty"`
	ForeignKeys     []ForeignKey `json:"foreign_keys,omitempty"`
	Comment         string       `json:"comment,omitempty"`
}

// Column returns the named column, if present.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Relationship is a join edge between two tables.
type Relationship struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
	Type       string `json:"type,omitempty"`
}

// Definition is a provider's full schema.
type Definition struct {
	Tables        []Table                `json:"tables"`
	Relationships []Relationship         `json:"relationships,omitempty"`
	QueryLanguage protocol.QueryLanguage `json:"query_language"`
}

// Table returns the named table, if present.
func (d *Definition) Table(name string) (*Table, bool) {
	for i := range d.Tables {
		if strings.EqualFold(d.Tables[i].Name, name) {
			return &d.Tables[i], true
		}
	}
	return nil, false
}

// TableNames returns all table names in schema order.
func (d *Definition) TableNames() []string {
	names := make([]string, len(d.Tables))
	for i, t := range d.Tables {
		names[i] = t.Name
	}
	return names
}

// TargetKind distinguishes what an annotation describes.
type TargetKind string

const (
	TargetTable  TargetKind = "table"
	TargetColumn TargetKind = "column"
)

// SearchType hints how a column should be matched in generated queries.
type SearchType string

const (
	SearchExact    SearchType = "exact"
	SearchLike     SearchType = "like"
	SearchFullText SearchType = "full_text"
	SearchRange    SearchType = "range"
)

// Annotation is user-supplied semantic metadata for a table or column.
// Column targets are named "table.column". Consumed read-only here.
type Annotation struct {
	ID            string     `json:"id"`
	ProviderID    string     `json:"provider_id"`
	TargetKind    TargetKind `json:"target_kind"`
	TargetName    string     `json:"target_name"`
	Description   string     `json:"description,omitempty"`
	BusinessTerms []string   `json:"business_terms,omitempty"`
	Examples      []string   `json:"examples,omitempty"`
	Relationships []string   `json:"relationships,omitempty"`
	DateFormat    string     `json:"date_format,omitempty"`
	EnumValues    []string   `json:"enum_values,omitempty"`
	Sensitive     bool       `json:"sensitive,omitempty"`

	// Hints used by the schema expert and query builder.
	PrimaryLookupColumn string     `json:"primary_lookup_column,omitempty"`
	IsSearchable        bool       `json:"is_searchable,omitempty"`
	SearchType          SearchType `json:"search_type,omitempty"`
	DefaultAggregation  string     `json:"default_aggregation,omitempty"`
	JoinHints           []string   `json:"join_hints,omitempty"`
}

// Context is the per-turn projection of a provider schema restricted to
// the tables the schema expert deemed relevant, with annotations overlaid.
type Context struct {
	Tables         []Table                `json:"tables"`
	Relationships  []Relationship         `json:"relationships,omitempty"`
	Annotations    map[string]*Annotation `json:"annotations,omitempty"`
	QueryLanguage  protocol.QueryLanguage `json:"query_language"`
	SuggestedJoins []string               `json:"suggested_joins,omitempty"`
}

// HasTable reports whether the context contains the named table.
func (c *Context) HasTable(name string) bool {
	for _, t := range c.Tables {
		if strings.EqualFold(t.Name, name) {
			return true
		}
	}
	return false
}

// TableNames returns context table names sorted for deterministic prompts.
func (c *Context) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	sort.Strings(names)
	return names
}

// Flatten renders the context as prompt text: one block per table with
// columns, keys, and annotation descriptions, then join suggestions.
func (c *Context) Flatten() string {
	var b strings.Builder

	for _, t := range c.Tables {
		b.WriteString("Table: ")
		if t.SchemaNamespace != "" {
			b.WriteString(t.SchemaNamespace)
			b.WriteString(".")
		}
		b.WriteString(t.Name)
		if ann := c.Annotations[t.Name]; ann != nil && ann.Description != "" {
			b.WriteString(" -- ")
			b.WriteString(ann.Description)
		} else if t.Comment != "" {
			b.WriteString(" -- ")
			b.WriteString(t.Comment)
		}
		b.WriteString("\n")

		for _, col := range t.Columns {
			b.WriteString("  ")
			b.WriteString(col.Name)
			b.WriteString(" ")
			b.WriteString(col.Type)
			if col.IsPrimaryKey {
				b.WriteString(" PRIMARY KEY")
			}
			if !col.Nullable {
				b.WriteString(" NOT NULL")
			}
			key := t.Name + "." + col.Name
			if ann := c.Annotations[key]; ann != nil {
				if ann.Description != "" {
					b.WriteString(" -- ")
					b.WriteString(ann.Description)
				}
				if len(ann.EnumValues) > 0 {
					b.WriteString(fmt.Sprintf(" (values: %s)", strings.Join(ann.EnumValues, ", ")))
				}
				if ann.DateFormat != "" {
					b.WriteString(fmt.Sprintf(" (date format: %s)", ann.DateFormat))
				}
			} else if col.Comment != "" {
				b.WriteString(" -- ")
				b.WriteString(col.Comment)
			}
			b.WriteString("\n")
		}

		for _, fk := range t.ForeignKeys {
			b.WriteString(fmt.Sprintf("  FOREIGN KEY %s -> %s.%s\n", fk.Column, fk.RefTable, fk.RefColumn))
		}
		b.WriteString("\n")
	}

	if len(c.SuggestedJoins) > 0 {
		b.WriteString("Suggested joins:\n")
		for _, j := range c.SuggestedJoins {
			b.WriteString("  ")
			b.WriteString(j)
			b.WriteString("\n")
		}
	}

	return b.String()
}
