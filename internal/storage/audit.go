package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/Veraticus/taxflow/internal/model"
)

// RecordAudit appends an entry to the ledger and returns its identifier.
// Entries can never be updated or deleted; the schema rejects both.
func (s *SQLiteStorage) RecordAudit(ctx context.Context, entry *model.AuditEntry) (string, error) {
	if err := validateContext(ctx); err != nil {
		return "", err
	}
	if err := validateAudit(entry); err != nil {
		return "", err
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	// created_at compares as text, so every stored and bound time is UTC.
	entry.CreatedAt = entry.CreatedAt.UTC()

	refs, err := json.Marshal(entry.KnowledgeRefs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal knowledge refs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
		(id, group_id, batch_id, tenant_id, agent, state, reviewer_id, input, output, knowledge_refs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.GroupID, entry.BatchID, entry.TenantID, entry.Agent, string(entry.State),
		entry.ReviewerID, rawString(entry.Input), rawString(entry.Output), string(refs), entry.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to record audit entry: %w", err)
	}
	return entry.ID, nil
}

// QueryAudit returns ledger entries matching the filter in append order.
func (s *SQLiteStorage) QueryAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateAuditFilter(filter); err != nil {
		return nil, err
	}

	q := builder.Select("id", "group_id", "batch_id", "tenant_id", "agent", "state",
		"reviewer_id", "input", "output", "knowledge_refs", "created_at").
		From("audit_entries").
		OrderBy("seq")

	if filter.GroupID != "" {
		q = q.Where(sq.Eq{"group_id": filter.GroupID})
	}
	if filter.TenantID != "" {
		q = q.Where(sq.Eq{"tenant_id": filter.TenantID})
	}
	if filter.BatchID != "" {
		q = q.Where(sq.Eq{"batch_id": filter.BatchID})
	}
	if filter.Agent != "" {
		q = q.Where(sq.Eq{"agent": filter.Agent})
	}
	if filter.From != nil {
		q = q.Where(sq.GtOrEq{"created_at": filter.From.UTC()})
	}
	if filter.To != nil {
		q = q.Where(sq.LtOrEq{"created_at": filter.To.UTC()})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build audit query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e             model.AuditEntry
			state         string
			input, output sql.NullString
			refs          string
		)
		if err := rows.Scan(&e.ID, &e.GroupID, &e.BatchID, &e.TenantID, &e.Agent, &state,
			&e.ReviewerID, &input, &output, &refs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.State = model.WorkflowState(state)
		if input.Valid {
			e.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			e.Output = json.RawMessage(output.String)
		}
		if err := json.Unmarshal([]byte(refs), &e.KnowledgeRefs); err != nil {
			return nil, fmt.Errorf("failed to decode knowledge refs of %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func rawString(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
