// Package store persists conversations, turns, examples, feedback, and
// annotations in a SQL database. It supports postgres, mysql, and sqlite
// through database/sql.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQL-backed persistence layer.
type Store struct {
	db      *sql.DB
	dialect string

	// Per-conversation locks serialize turn appends so turn numbering
	// stays dense under concurrent requests.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(64) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    workspace_id VARCHAR(255),
    provider_id VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS turns (
    id VARCHAR(64) NOT NULL,
    conversation_id VARCHAR(64) NOT NULL,
    turn_number INTEGER NOT NULL,
    user_input TEXT NOT NULL,
    generated_query TEXT NOT NULL,
    confidence_score DOUBLE PRECISION NOT NULL,
    iteration_count INTEGER NOT NULL,
    validation_result TEXT,
    execution_result TEXT,
    reasoning_trace TEXT,
    schema_context_snapshot TEXT,
    examples_used TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id),
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS examples (
    id VARCHAR(64) NOT NULL,
    provider_id VARCHAR(255) NOT NULL,
    question TEXT NOT NULL,
    query TEXT NOT NULL,
    query_language VARCHAR(16) NOT NULL,
    is_good_example BOOLEAN NOT NULL,
    status VARCHAR(32) NOT NULL,
    involved_tables TEXT,
    intent VARCHAR(32) NOT NULL,
    complexity VARCHAR(16) NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    reviewer VARCHAR(255),
    reviewed_at TIMESTAMP,
    corrected_query TEXT,
    review_notes TEXT,
    source_conversation_id VARCHAR(64),
    embedding_indexed BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS feedback (
    id VARCHAR(64) NOT NULL,
    turn_id VARCHAR(64) NOT NULL,
    rating VARCHAR(8) NOT NULL,
    category VARCHAR(32) NOT NULL,
    feedback_text TEXT,
    user_id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id),
    FOREIGN KEY (turn_id) REFERENCES turns(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS annotations (
    id VARCHAR(64) NOT NULL,
    provider_id VARCHAR(255) NOT NULL,
    target_kind VARCHAR(16) NOT NULL,
    target_name VARCHAR(512) NOT NULL,
    body TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
);

CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, turn_number);
CREATE UNIQUE INDEX IF NOT EXISTS idx_feedback_turn ON feedback(turn_id);
CREATE INDEX IF NOT EXISTS idx_examples_provider_status ON examples(provider_id, status);
CREATE INDEX IF NOT EXISTS idx_examples_review_queue ON examples(status, priority);
CREATE UNIQUE INDEX IF NOT EXISTS idx_annotations_target ON annotations(provider_id, target_name);
`

// New builds a store on an open connection and creates missing tables.
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		locks:   map[string]*sync.Mutex{},
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ddl := createTablesSQL
	if s.dialect == "mysql" {
		// MySQL has no IF NOT EXISTS for indexes; duplicate-index errors
		// are swallowed statement by statement below.
		ddl = strings.ReplaceAll(ddl, "DOUBLE PRECISION", "DOUBLE")
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if s.dialect == "mysql" && strings.Contains(stmt, "INDEX IF NOT EXISTS") {
			stmt = strings.Replace(stmt, " IF NOT EXISTS", "", 1)
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				if strings.Contains(err.Error(), "Duplicate key name") {
					continue
				}
				return err
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// bind rewrites ? placeholders to $n for postgres. Queries throughout the
// store are written with ? and passed through this.
func (s *Store) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// lockConversation returns the mutex guarding one conversation's turn
// sequence.
func (s *Store) lockConversation(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = fmt.Errorf("not found")

// ErrConflict is returned when a write violates a uniqueness rule, such
// as a second feedback on the same turn.
var ErrConflict = fmt.Errorf("conflict")
