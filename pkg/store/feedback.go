package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/querylab/sibyl/pkg/model"
)

// CreateFeedback persists a user's verdict on a turn. A second feedback on
// the same turn returns ErrConflict; the unique index enforces it.
func (s *Store) CreateFeedback(ctx context.Context, fb *model.Feedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
INSERT INTO feedback (id, turn_id, rating, category, feedback_text, user_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		fb.ID, fb.TurnID, string(fb.Rating), string(fb.Category),
		nullableString(fb.Text), fb.UserID, fb.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

func (s *Store) GetFeedbackForTurn(ctx context.Context, turnID string) (*model.Feedback, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`
SELECT id, turn_id, rating, category, COALESCE(feedback_text, ''), user_id, created_at
FROM feedback WHERE turn_id = ?`), turnID)

	var fb model.Feedback
	var rating, category string
	err := row.Scan(&fb.ID, &fb.TurnID, &rating, &category, &fb.Text, &fb.UserID, &fb.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}
	fb.Rating = model.Rating(rating)
	fb.Category = model.FeedbackCategory(category)
	return &fb, nil
}

// isUniqueViolation matches the constraint-violation text of the three
// supported drivers.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") || // postgres
		strings.Contains(msg, "Duplicate entry") // mysql
}
