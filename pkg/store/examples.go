package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
)

func (s *Store) CreateExample(ctx context.Context, ex *model.Example) error {
	tables, err := marshalNullable(ex.InvolvedTables)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = now
	}
	ex.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, s.bind(`
INSERT INTO examples (id, provider_id, question, query, query_language, is_good_example,
                      status, involved_tables, intent, complexity, priority, reviewer,
                      reviewed_at, corrected_query, review_notes, source_conversation_id,
                      embedding_indexed, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ex.ID, ex.ProviderID, ex.Question, ex.Query, string(ex.QueryLanguage),
		ex.IsGoodExample, string(ex.Status), tables, string(ex.Intent),
		string(ex.Complexity), ex.Priority, nullableString(ex.Reviewer),
		ex.ReviewedAt, nullableString(ex.CorrectedQuery), nullableString(ex.ReviewNotes),
		nullableString(ex.SourceConversationID), ex.EmbeddingIndexed,
		ex.CreatedAt, ex.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert example: %w", err)
	}
	return nil
}

func (s *Store) GetExample(ctx context.Context, id string) (*model.Example, error) {
	row := s.db.QueryRowContext(ctx, s.bind(exampleSelectSQL+` WHERE id = ?`), id)
	ex, err := scanExample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ex, err
}

// UpdateExample rewrites the mutable review fields of an example.
func (s *Store) UpdateExample(ctx context.Context, ex *model.Example) error {
	ex.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.bind(`
UPDATE examples SET status = ?, is_good_example = ?, priority = ?, reviewer = ?,
                    reviewed_at = ?, corrected_query = ?, review_notes = ?,
                    embedding_indexed = ?, updated_at = ?
WHERE id = ?`),
		string(ex.Status), ex.IsGoodExample, ex.Priority, nullableString(ex.Reviewer),
		ex.ReviewedAt, nullableString(ex.CorrectedQuery), nullableString(ex.ReviewNotes),
		ex.EmbeddingIndexed, ex.UpdatedAt, ex.ID)
	if err != nil {
		return fmt.Errorf("failed to update example: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindExampleByQuestion locates an existing example with the same question
// from the same conversation, used for feedback idempotence.
func (s *Store) FindExampleByQuestion(ctx context.Context, providerID, question, conversationID string) (*model.Example, error) {
	row := s.db.QueryRowContext(ctx, s.bind(exampleSelectSQL+`
 WHERE provider_id = ? AND question = ? AND source_conversation_id = ?
 ORDER BY created_at LIMIT 1`),
		providerID, question, conversationID)
	ex, err := scanExample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ex, err
}

// ListExamplesByStatus returns a provider's examples in one review state.
func (s *Store) ListExamplesByStatus(ctx context.Context, providerID string, status model.ExampleStatus) ([]*model.Example, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(exampleSelectSQL+`
 WHERE provider_id = ? AND status = ? ORDER BY created_at`),
		providerID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list examples: %w", err)
	}
	return collectExamples(rows)
}

// ReviewQueue returns pending examples ordered by priority, highest first;
// ties go to the oldest submission.
func (s *Store) ReviewQueue(ctx context.Context, limit int) ([]*model.Example, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.bind(exampleSelectSQL+`
 WHERE status = ? ORDER BY priority DESC, created_at LIMIT ?`),
		string(model.ExamplePendingReview), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load review queue: %w", err)
	}
	return collectExamples(rows)
}

// ListUnindexedApproved returns approved examples whose embeddings are not
// yet mirrored into the vector index.
func (s *Store) ListUnindexedApproved(ctx context.Context, limit int) ([]*model.Example, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.bind(exampleSelectSQL+`
 WHERE status = ? AND embedding_indexed = ? ORDER BY updated_at LIMIT ?`),
		string(model.ExampleApproved), false, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unindexed examples: %w", err)
	}
	return collectExamples(rows)
}

// MarkIndexed records that an example's embedding is in the vector index.
func (s *Store) MarkIndexed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
UPDATE examples SET embedding_indexed = ?, updated_at = ? WHERE id = ?`),
		true, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark example indexed: %w", err)
	}
	return nil
}

const exampleSelectSQL = `
SELECT id, provider_id, question, query, query_language, is_good_example, status,
       involved_tables, intent, complexity, priority, COALESCE(reviewer, ''),
       reviewed_at, COALESCE(corrected_query, ''), COALESCE(review_notes, ''),
       COALESCE(source_conversation_id, ''), embedding_indexed, created_at, updated_at
FROM examples`

func scanExample(row rowScanner) (*model.Example, error) {
	var (
		ex         model.Example
		lang       string
		status     string
		intent     string
		complexity string
		tables     sql.NullString
		reviewedAt sql.NullTime
	)
	err := row.Scan(&ex.ID, &ex.ProviderID, &ex.Question, &ex.Query, &lang,
		&ex.IsGoodExample, &status, &tables, &intent, &complexity, &ex.Priority,
		&ex.Reviewer, &reviewedAt, &ex.CorrectedQuery, &ex.ReviewNotes,
		&ex.SourceConversationID, &ex.EmbeddingIndexed, &ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ex.QueryLanguage = protocol.QueryLanguage(lang)
	ex.Status = model.ExampleStatus(status)
	ex.Intent = model.Intent(intent)
	ex.Complexity = model.Complexity(complexity)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		ex.ReviewedAt = &t
	}
	if tables.Valid && tables.String != "" {
		if err := json.Unmarshal([]byte(tables.String), &ex.InvolvedTables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal involved tables: %w", err)
		}
	}
	return &ex, nil
}

func collectExamples(rows *sql.Rows) ([]*model.Example, error) {
	defer rows.Close()
	var examples []*model.Example
	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return nil, err
		}
		examples = append(examples, ex)
	}
	return examples, rows.Err()
}
