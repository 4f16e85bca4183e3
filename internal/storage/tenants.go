package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Veraticus/taxflow/internal/model"
)

// ActivityFacts returns the activity facts recorded for a tenant.
// An unknown tenant has an empty set.
func (s *SQLiteStorage) ActivityFacts(ctx context.Context, tenantID string) (model.ActivitySet, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(tenantID, "tenantID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT activity FROM tenant_activities WHERE tenant_id = ? ORDER BY activity`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	set := model.NewActivitySet()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		set[tag] = true
	}
	return set, rows.Err()
}

// SetActivityFacts replaces the tenant's activity facts.
func (s *SQLiteStorage) SetActivityFacts(ctx context.Context, tenantID string, tags []string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(tenantID, "tenantID"); err != nil {
		return err
	}

	set := model.NewActivitySet(tags...)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tenants (tenant_id, updated_at) VALUES (?, ?)
			ON CONFLICT(tenant_id) DO UPDATE SET updated_at = excluded.updated_at
		`, tenantID, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to upsert tenant: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tenant_activities WHERE tenant_id = ?`, tenantID); err != nil {
			return fmt.Errorf("failed to clear activities: %w", err)
		}
		for _, tag := range set.Tags() {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tenant_activities (tenant_id, activity) VALUES (?, ?)`, tenantID, tag); err != nil {
				return fmt.Errorf("failed to insert activity %s: %w", tag, err)
			}
		}
		return nil
	})
}

// ListTenants returns every tenant with recorded activity facts.
func (s *SQLiteStorage) ListTenants(ctx context.Context) ([]string, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}
