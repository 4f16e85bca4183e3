package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

// SaveBatch stores a batch together with its records and aggregate groups.
func (s *SQLiteStorage) SaveBatch(ctx context.Context, batch *model.Batch, records []model.ProductRecord, groups []model.AggregateGroup) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateBatch(batch, groups); err != nil {
		return err
	}

	strategy, err := json.Marshal(batch.Strategy)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy: %w", err)
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	batch.RecordCount = len(records)
	batch.GroupCount = len(groups)

	groupOf := make(map[string]string, len(records))
	for _, g := range groups {
		for _, id := range g.MemberIDs {
			groupOf[id] = g.ID
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, tenant_id, status, strategy, record_count, group_count, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, batch.ID, batch.TenantID, string(batch.Status), string(strategy),
			batch.RecordCount, batch.GroupCount, batch.CreatedAt, nullTime(batch.CompletedAt)); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO product_records
			(batch_id, source_id, group_id, tenant_id, description, product_code, barcode, commodity_code, tax_code, imported_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare record insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx, batch.ID, r.SourceID, groupOf[r.SourceID], r.TenantID,
				r.Description, r.ProductCode, r.Barcode, r.CommodityCode, r.TaxCode, r.ImportedAt); err != nil {
				return fmt.Errorf("failed to insert record %s: %w", r.SourceID, err)
			}
		}

		for i, g := range groups {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO aggregate_groups
				(id, batch_id, tenant_id, position, representative, method, existing_commodity_code, existing_tax_code, member_count)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, g.ID, g.BatchID, g.TenantID, i, g.Representative, string(g.Method),
				g.ExistingCommodityCode, g.ExistingTaxCode, len(g.MemberIDs)); err != nil {
				return fmt.Errorf("failed to insert group %s: %w", g.ID, err)
			}
		}
		return nil
	})
}

// GetBatch returns a stored batch.
func (s *SQLiteStorage) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var (
		b         model.Batch
		status    string
		strategy  string
		completed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, status, strategy, record_count, group_count, created_at, completed_at
		FROM batches WHERE id = ?
	`, batchID).Scan(&b.ID, &b.TenantID, &status, &strategy, &b.RecordCount, &b.GroupCount, &b.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	if err := json.Unmarshal([]byte(strategy), &b.Strategy); err != nil {
		return nil, fmt.Errorf("failed to decode strategy of batch %s: %w", batchID, err)
	}
	b.Status = model.BatchStatus(status)
	b.CompletedAt = timePtr(completed)
	return &b, nil
}

// UpdateBatchStatus moves a batch to a new status, stamping completion when it finishes.
func (s *SQLiteStorage) UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var completed sql.NullTime
	if status == model.BatchCompleted || status == model.BatchCanceled {
		completed = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, completed_at = ? WHERE id = ?`, string(status), completed, batchID)
	if err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s: %w", batchID, common.ErrNotFound)
	}
	return nil
}

const groupColumns = `id, batch_id, tenant_id, representative, method, existing_commodity_code, existing_tax_code, member_count`

// GetGroups returns the batch's groups in aggregation order.
func (s *SQLiteStorage) GetGroups(ctx context.Context, batchID string) ([]model.AggregateGroup, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	// #nosec G202 - column list is a constant
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM aggregate_groups WHERE batch_id = ? ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}

	var groups []model.AggregateGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, *g)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Members are loaded after the cursor closes; the pool holds a single connection.
	for i := range groups {
		if groups[i].MemberIDs, err = s.memberIDs(ctx, groups[i].ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// GetGroup returns one aggregate group with its member identifiers.
func (s *SQLiteStorage) GetGroup(ctx context.Context, groupID string) (*model.AggregateGroup, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	// #nosec G202 - column list is a constant
	g, err := scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM aggregate_groups WHERE id = ?`, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", groupID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	if g.MemberIDs, err = s.memberIDs(ctx, groupID); err != nil {
		return nil, err
	}
	return g, nil
}

func scanGroup(row scanner) (*model.AggregateGroup, error) {
	var g model.AggregateGroup
	var method string
	if err := row.Scan(&g.ID, &g.BatchID, &g.TenantID, &g.Representative, &method,
		&g.ExistingCommodityCode, &g.ExistingTaxCode, &g.MemberCount); err != nil {
		return nil, err
	}
	g.Method = model.AggregationMethod(method)
	return &g, nil
}

func (s *SQLiteStorage) memberIDs(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id FROM product_records WHERE group_id = ? ORDER BY rowid`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query group members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetGroupRecords returns the original records of a group's members.
func (s *SQLiteStorage) GetGroupRecords(ctx context.Context, groupID string) ([]model.ProductRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, tenant_id, description, product_code, barcode, commodity_code, tax_code, imported_at
		FROM product_records WHERE group_id = ? ORDER BY rowid
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query group records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.ProductRecord
	for rows.Next() {
		var r model.ProductRecord
		var imported sql.NullTime
		if err := rows.Scan(&r.SourceID, &r.TenantID, &r.Description, &r.ProductCode,
			&r.Barcode, &r.CommodityCode, &r.TaxCode, &imported); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.ImportedAt = imported.Time
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveProgress records a group's position in the state machine.
func (s *SQLiteStorage) SaveProgress(ctx context.Context, progress *model.GroupProgress) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if progress == nil {
		return fmt.Errorf("%w: progress", ErrNilParameter)
	}
	if _, err := model.ParseWorkflowState(string(progress.State)); err != nil {
		return err
	}

	var draft sql.NullString
	if progress.Draft != nil {
		data, err := json.Marshal(progress.Draft)
		if err != nil {
			return fmt.Errorf("failed to marshal draft: %w", err)
		}
		draft = sql.NullString{String: string(data), Valid: true}
	}
	progress.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_progress (group_id, batch_id, state, description, draft, attempt, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			batch_id = excluded.batch_id,
			state = excluded.state,
			description = excluded.description,
			draft = excluded.draft,
			attempt = excluded.attempt,
			updated_at = excluded.updated_at
	`, progress.GroupID, progress.BatchID, string(progress.State), progress.Description,
		draft, progress.Attempt, progress.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

// GetProgress returns a group's persisted progress.
func (s *SQLiteStorage) GetProgress(ctx context.Context, groupID string) (*model.GroupProgress, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var (
		p     model.GroupProgress
		state string
		draft sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT group_id, batch_id, state, description, draft, attempt, updated_at
		FROM group_progress WHERE group_id = ?
	`, groupID).Scan(&p.GroupID, &p.BatchID, &state, &p.Description, &draft, &p.Attempt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("progress of %s: %w", groupID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	if p.State, err = model.ParseWorkflowState(state); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDatabaseCorrupted, err)
	}
	if draft.Valid {
		p.Draft = &model.ClassificationDecision{}
		if err := json.Unmarshal([]byte(draft.String), p.Draft); err != nil {
			return nil, fmt.Errorf("failed to decode draft of %s: %w", groupID, err)
		}
	}
	return &p, nil
}

// StateCounts returns how many groups of a batch sit in each state.
func (s *SQLiteStorage) StateCounts(ctx context.Context, batchID string) (map[model.WorkflowState]int, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM group_progress WHERE batch_id = ? GROUP BY state`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.WorkflowState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[model.WorkflowState(state)] = n
	}
	return counts, rows.Err()
}
