package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

const feedbackColumns = `signature, normalized_description, commodity_code, tax_code, tax_state,
	reviewer_id, source_group_id, source_audit_id, confidence, use_count, created_at, updated_at`

// GetFeedback returns the feedback entry with the given signature.
func (s *SQLiteStorage) GetFeedback(ctx context.Context, signature string) (*model.FeedbackEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	// #nosec G202 - column list is a constant
	row := s.db.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE signature = ?`, signature)
	entry, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feedback %s: %w", signature, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	return entry, nil
}

// FindFeedbackByDescription returns every entry recorded for a normalized
// description, most confident first.
func (s *SQLiteStorage) FindFeedbackByDescription(ctx context.Context, normalizedDescription string) ([]model.FeedbackEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	// #nosec G202 - column list is a constant
	return s.queryFeedback(ctx, `SELECT `+feedbackColumns+` FROM feedback
		WHERE normalized_description = ?
		ORDER BY confidence DESC, updated_at DESC, signature`, normalizedDescription)
}

// UpsertFeedback stores an entry, replacing the previous one for its signature.
// Replacing an entry increments its use count and keeps its creation time.
func (s *SQLiteStorage) UpsertFeedback(ctx context.Context, entry *model.FeedbackEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateFeedback(entry); err != nil {
		return err
	}

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (`+feedbackColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET
			normalized_description = excluded.normalized_description,
			commodity_code = excluded.commodity_code,
			tax_code = excluded.tax_code,
			tax_state = excluded.tax_state,
			reviewer_id = excluded.reviewer_id,
			source_group_id = excluded.source_group_id,
			source_audit_id = excluded.source_audit_id,
			confidence = excluded.confidence,
			use_count = feedback.use_count + 1,
			updated_at = excluded.updated_at
	`, entry.Signature, entry.NormalizedDescription, model.NormalizeCommodityCode(entry.CommodityCode),
		model.NormalizeTaxCode(entry.TaxCode), string(entry.TaxState), entry.ReviewerID,
		entry.SourceGroupID, entry.SourceAuditID, entry.Confidence, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert feedback: %w", err)
	}
	return nil
}

// ListFeedback returns the most recently updated entries.
func (s *SQLiteStorage) ListFeedback(ctx context.Context, limit int) ([]model.FeedbackEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	// #nosec G202 - column list is a constant
	return s.queryFeedback(ctx, `SELECT `+feedbackColumns+` FROM feedback
		ORDER BY updated_at DESC, signature LIMIT ?`, limit)
}

func (s *SQLiteStorage) queryFeedback(ctx context.Context, query string, args ...any) ([]model.FeedbackEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.FeedbackEntry
	for rows.Next() {
		entry, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanFeedback(row scanner) (*model.FeedbackEntry, error) {
	var e model.FeedbackEntry
	var state string
	if err := row.Scan(&e.Signature, &e.NormalizedDescription, &e.CommodityCode, &e.TaxCode, &state,
		&e.ReviewerID, &e.SourceGroupID, &e.SourceAuditID, &e.Confidence, &e.UseCount,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.TaxState = model.TaxState(state)
	return &e, nil
}
