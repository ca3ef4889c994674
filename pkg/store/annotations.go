package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/querylab/sibyl/pkg/schema"
)

// UpsertAnnotation writes or replaces the annotation for one target. The
// full annotation body is stored as JSON; target identity columns exist
// for lookup only.
func (s *Store) UpsertAnnotation(ctx context.Context, ann *schema.Annotation) error {
	if ann.ID == "" {
		ann.ID = uuid.NewString()
	}
	body, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("failed to marshal annotation: %w", err)
	}
	now := time.Now().UTC()

	query := `
INSERT INTO annotations (id, provider_id, target_kind, target_name, body, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	switch s.dialect {
	case "mysql":
		query += ` ON DUPLICATE KEY UPDATE body = VALUES(body), updated_at = VALUES(updated_at)`
	default:
		query += ` ON CONFLICT (provider_id, target_name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
	}
	_, err = s.db.ExecContext(ctx, s.bind(query),
		ann.ID, ann.ProviderID, string(ann.TargetKind), ann.TargetName,
		string(body), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert annotation: %w", err)
	}
	return nil
}

// ListAnnotations returns every annotation for a provider. Implements
// schema.AnnotationSource.
func (s *Store) ListAnnotations(ctx context.Context, providerID string) ([]*schema.Annotation, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
SELECT body FROM annotations WHERE provider_id = ? ORDER BY target_name`), providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	defer rows.Close()

	var annotations []*schema.Annotation
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ann schema.Annotation
		if err := json.Unmarshal([]byte(body), &ann); err != nil {
			return nil, fmt.Errorf("failed to unmarshal annotation: %w", err)
		}
		annotations = append(annotations, &ann)
	}
	return annotations, rows.Err()
}

// DeleteAnnotation removes one target's annotation.
func (s *Store) DeleteAnnotation(ctx context.Context, providerID, targetName string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`
DELETE FROM annotations WHERE provider_id = ? AND target_name = ?`),
		providerID, targetName)
	if err != nil {
		return fmt.Errorf("failed to delete annotation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
