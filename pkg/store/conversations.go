package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/querylab/sibyl/pkg/model"
)

// EnsureConversation creates the conversation if it does not exist. On a
// concurrent race the first insert wins and the existing row is returned
// unchanged.
func (s *Store) EnsureConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, error) {
	query := `
INSERT INTO conversations (id, user_id, workspace_id, provider_id, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	switch s.dialect {
	case "mysql":
		query += ` ON DUPLICATE KEY UPDATE id = id`
	default:
		query += ` ON CONFLICT (id) DO NOTHING`
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.bind(query),
		conv.ID, conv.UserID, conv.WorkspaceID, conv.ProviderID,
		string(model.ConversationActive), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return s.GetConversation(ctx, conv.ID)
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`
SELECT id, user_id, COALESCE(workspace_id, ''), provider_id, status, created_at, updated_at
FROM conversations WHERE id = ?`), id)

	var conv model.Conversation
	var status string
	err := row.Scan(&conv.ID, &conv.UserID, &conv.WorkspaceID, &conv.ProviderID,
		&status, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.Status = model.ConversationStatus(status)
	return &conv, nil
}

func (s *Store) UpdateConversationStatus(ctx context.Context, id string, status model.ConversationStatus) error {
	res, err := s.db.ExecContext(ctx, s.bind(`
UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTurn persists a turn with the next dense turn number and bumps the
// conversation timestamp. The write is serialized per conversation.
func (s *Store) AppendTurn(ctx context.Context, turn *model.Turn) error {
	lock := s.lockConversation(turn.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	var next int
	err := s.db.QueryRowContext(ctx, s.bind(`
SELECT COALESCE(MAX(turn_number), 0) + 1 FROM turns WHERE conversation_id = ?`),
		turn.ConversationID).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to compute turn number: %w", err)
	}
	turn.TurnNumber = next

	validation, err := marshalNullable(turn.ValidationResult)
	if err != nil {
		return err
	}
	execution, err := marshalNullable(turn.ExecutionResult)
	if err != nil {
		return err
	}
	trace, err := marshalNullable(turn.ReasoningTrace)
	if err != nil {
		return err
	}
	examples, err := marshalNullable(turn.ExamplesUsed)
	if err != nil {
		return err
	}

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, s.bind(`
INSERT INTO turns (id, conversation_id, turn_number, user_input, generated_query,
                   confidence_score, iteration_count, validation_result, execution_result,
                   reasoning_trace, schema_context_snapshot, examples_used, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		turn.ID, turn.ConversationID, turn.TurnNumber, turn.UserInput, turn.GeneratedQuery,
		turn.ConfidenceScore, turn.IterationCount, validation, execution,
		trace, nullableString(turn.SchemaContextSnapshot), examples, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.bind(`
UPDATE conversations SET updated_at = ? WHERE id = ?`),
		time.Now().UTC(), turn.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

func (s *Store) GetTurn(ctx context.Context, id string) (*model.Turn, error) {
	row := s.db.QueryRowContext(ctx, s.bind(turnSelectSQL+` WHERE id = ?`), id)
	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return turn, err
}

// ListTurns returns a conversation's turns in turn-number order.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]*model.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(turnSelectSQL+` WHERE conversation_id = ? ORDER BY turn_number`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var turns []*model.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

const turnSelectSQL = `
SELECT id, conversation_id, turn_number, user_input, generated_query,
       confidence_score, iteration_count, validation_result, execution_result,
       reasoning_trace, COALESCE(schema_context_snapshot, ''), examples_used, created_at
FROM turns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*model.Turn, error) {
	var (
		turn       model.Turn
		validation sql.NullString
		execution  sql.NullString
		trace      sql.NullString
		examples   sql.NullString
	)
	err := row.Scan(&turn.ID, &turn.ConversationID, &turn.TurnNumber,
		&turn.UserInput, &turn.GeneratedQuery, &turn.ConfidenceScore,
		&turn.IterationCount, &validation, &execution, &trace,
		&turn.SchemaContextSnapshot, &examples, &turn.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalNullable(validation, &turn.ValidationResult); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(execution, &turn.ExecutionResult); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(trace, &turn.ReasoningTrace); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(examples, &turn.ExamplesUsed); err != nil {
		return nil, err
	}
	return &turn, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case *model.ValidationResult:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *model.ExecutionResult:
		if t == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal field: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal field: %w", err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
