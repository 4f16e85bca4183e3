package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

var decisionColumns = []string{
	"group_id", "batch_id", "tenant_id", "commodity_code", "tax_code", "tax_state", "disposition",
	"final_state", "reason", "strategy", "reviewer_id", "commodity_candidates", "tax_candidates",
	"confidence", "decided_at", "reviewed_at",
}

// SaveDecision stores the latest decision of a group, replacing any earlier one.
func (s *SQLiteStorage) SaveDecision(ctx context.Context, d *model.ClassificationDecision) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateDecision(d); err != nil {
		return err
	}

	commodity, err := json.Marshal(d.CommodityCandidates)
	if err != nil {
		return fmt.Errorf("failed to marshal commodity candidates: %w", err)
	}
	tax, err := json.Marshal(d.TaxCandidates)
	if err != nil {
		return fmt.Errorf("failed to marshal tax candidates: %w", err)
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}

	query, args, err := builder.Insert("decisions").
		Options("OR REPLACE").
		Columns(decisionColumns...).
		Values(d.GroupID, d.BatchID, d.TenantID, d.CommodityCode, d.TaxCode, string(d.TaxState),
			string(d.Disposition), string(d.FinalState), d.Reason, d.Strategy, d.ReviewerID,
			string(commodity), string(tax), d.Confidence, d.DecidedAt, nullTime(d.ReviewedAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build decision insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetDecision returns the latest decision of a group.
func (s *SQLiteStorage) GetDecision(ctx context.Context, groupID string) (*model.ClassificationDecision, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query, args, err := builder.Select(decisionColumns...).From("decisions").Where(sq.Eq{"group_id": groupID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build decision query: %w", err)
	}
	d, err := scanDecision(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decision of %s: %w", groupID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns decisions matching the filter, lowest confidence first.
func (s *SQLiteStorage) ListDecisions(ctx context.Context, filter service.DecisionFilter) ([]model.ClassificationDecision, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	q := builder.Select(decisionColumns...).From("decisions").OrderBy("confidence", "group_id")
	if filter.BatchID != "" {
		q = q.Where(sq.Eq{"batch_id": filter.BatchID})
	}
	if filter.TenantID != "" {
		q = q.Where(sq.Eq{"tenant_id": filter.TenantID})
	}
	if filter.Disposition != "" {
		q = q.Where(sq.Eq{"disposition": string(filter.Disposition)})
	}
	if filter.Unreviewed {
		q = q.Where(sq.Eq{"reviewed_at": nil})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build decision query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []model.ClassificationDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

// PropagateDecision assigns the decision's codes to every member record of its
// group and returns how many records were assigned.
func (s *SQLiteStorage) PropagateDecision(ctx context.Context, d *model.ClassificationDecision) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateDecision(d); err != nil {
		return 0, err
	}

	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO record_assignments
			(batch_id, source_id, group_id, tenant_id, commodity_code, tax_code, tax_state, assigned_at)
			SELECT batch_id, source_id, group_id, tenant_id, ?, ?, ?, ?
			FROM product_records WHERE group_id = ?
		`, d.CommodityCode, d.TaxCode, string(d.TaxState), time.Now().UTC(), d.GroupID)
		if err != nil {
			return fmt.Errorf("failed to propagate decision: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// Assignment is the code applied to one product record.
type Assignment struct {
	AssignedAt    time.Time      `json:"assigned_at"`
	SourceID      string         `json:"source_id"`
	GroupID       string         `json:"group_id"`
	CommodityCode string         `json:"commodity_code"`
	TaxCode       string         `json:"tax_code,omitempty"`
	TaxState      model.TaxState `json:"tax_state"`
}

// Assignments returns the codes applied to the records of a batch.
func (s *SQLiteStorage) Assignments(ctx context.Context, batchID string) ([]Assignment, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, group_id, commodity_code, tax_code, tax_state, assigned_at
		FROM record_assignments WHERE batch_id = ? ORDER BY source_id
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		var state string
		if err := rows.Scan(&a.SourceID, &a.GroupID, &a.CommodityCode, &a.TaxCode, &state, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		a.TaxState = model.TaxState(state)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanDecision(row scanner) (*model.ClassificationDecision, error) {
	var (
		d                     model.ClassificationDecision
		taxState, disp, final string
		commodity, tax        string
		reviewed              sql.NullTime
	)
	if err := row.Scan(&d.GroupID, &d.BatchID, &d.TenantID, &d.CommodityCode, &d.TaxCode, &taxState, &disp,
		&final, &d.Reason, &d.Strategy, &d.ReviewerID, &commodity, &tax, &d.Confidence, &d.DecidedAt, &reviewed); err != nil {
		return nil, err
	}
	d.TaxState = model.TaxState(taxState)
	d.Disposition = model.Disposition(disp)
	d.FinalState = model.WorkflowState(final)
	d.ReviewedAt = timePtr(reviewed)
	if err := json.Unmarshal([]byte(commodity), &d.CommodityCandidates); err != nil {
		return nil, fmt.Errorf("failed to decode commodity candidates: %w", err)
	}
	if err := json.Unmarshal([]byte(tax), &d.TaxCandidates); err != nil {
		return nil, fmt.Errorf("failed to decode tax candidates: %w", err)
	}
	return &d, nil
}
