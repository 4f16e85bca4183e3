package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Knowledge base",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS commodity_nodes (
					code TEXT PRIMARY KEY,
					parent TEXT NOT NULL,
					level INTEGER NOT NULL,
					description TEXT NOT NULL,
					description_norm TEXT NOT NULL,
					source_file TEXT NOT NULL DEFAULT '',
					source_section TEXT NOT NULL DEFAULT '',
					source_field TEXT NOT NULL DEFAULT '',
					source_page INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX idx_commodity_nodes_parent ON commodity_nodes(parent)`,
				`CREATE INDEX idx_commodity_nodes_level ON commodity_nodes(level)`,

				`CREATE TABLE IF NOT EXISTS tax_segments (
					code TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					required_activity TEXT NOT NULL DEFAULT '',
					source_file TEXT NOT NULL DEFAULT '',
					source_section TEXT NOT NULL DEFAULT '',
					source_field TEXT NOT NULL DEFAULT '',
					source_page INTEGER NOT NULL DEFAULT 0
				)`,

				`CREATE TABLE IF NOT EXISTS tax_rules (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					code TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					excluded_terms TEXT NOT NULL DEFAULT '[]',
					valid_from DATETIME,
					valid_to DATETIME,
					source_file TEXT NOT NULL DEFAULT '',
					source_section TEXT NOT NULL DEFAULT '',
					source_field TEXT NOT NULL DEFAULT '',
					source_page INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX idx_tax_rules_code ON tax_rules(code)`,

				`CREATE TABLE IF NOT EXISTS tax_rule_patterns (
					rule_id INTEGER NOT NULL,
					position INTEGER NOT NULL,
					pattern TEXT NOT NULL,
					PRIMARY KEY (rule_id, position),
					FOREIGN KEY (rule_id) REFERENCES tax_rules(id) ON DELETE CASCADE
				)`,
				`CREATE INDEX idx_tax_rule_patterns_pattern ON tax_rule_patterns(pattern)`,

				`CREATE TABLE IF NOT EXISTS interpretation_rules (
					id TEXT PRIMARY KEY,
					position INTEGER NOT NULL,
					title TEXT NOT NULL DEFAULT '',
					text TEXT NOT NULL DEFAULT '',
					source_file TEXT NOT NULL DEFAULT '',
					source_section TEXT NOT NULL DEFAULT '',
					source_field TEXT NOT NULL DEFAULT '',
					source_page INTEGER NOT NULL DEFAULT 0
				)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Audit ledger, curated feedback, and tenant activities",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS audit_entries (
					seq INTEGER PRIMARY KEY AUTOINCREMENT,
					id TEXT UNIQUE NOT NULL,
					group_id TEXT NOT NULL DEFAULT '',
					batch_id TEXT NOT NULL DEFAULT '',
					tenant_id TEXT NOT NULL DEFAULT '',
					agent TEXT NOT NULL,
					state TEXT NOT NULL DEFAULT '',
					reviewer_id TEXT NOT NULL DEFAULT '',
					input TEXT,
					output TEXT,
					knowledge_refs TEXT NOT NULL DEFAULT '[]',
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_audit_entries_group ON audit_entries(group_id)`,
				`CREATE INDEX idx_audit_entries_tenant ON audit_entries(tenant_id, created_at)`,
				`CREATE INDEX idx_audit_entries_batch ON audit_entries(batch_id)`,
				`CREATE TRIGGER audit_entries_append_only_update
				BEFORE UPDATE ON audit_entries
				BEGIN
					SELECT RAISE(ABORT, 'audit entries are append-only');
				END`,
				`CREATE TRIGGER audit_entries_append_only_delete
				BEFORE DELETE ON audit_entries
				BEGIN
					SELECT RAISE(ABORT, 'audit entries are append-only');
				END`,

				`CREATE TABLE IF NOT EXISTS feedback (
					signature TEXT PRIMARY KEY,
					normalized_description TEXT NOT NULL,
					commodity_code TEXT NOT NULL,
					tax_code TEXT NOT NULL DEFAULT '',
					tax_state TEXT NOT NULL,
					reviewer_id TEXT NOT NULL,
					source_group_id TEXT NOT NULL DEFAULT '',
					source_audit_id TEXT NOT NULL DEFAULT '',
					confidence REAL NOT NULL,
					use_count INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_feedback_description ON feedback(normalized_description)`,

				`CREATE TABLE IF NOT EXISTS tenants (
					tenant_id TEXT PRIMARY KEY,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS tenant_activities (
					tenant_id TEXT NOT NULL,
					activity TEXT NOT NULL,
					PRIMARY KEY (tenant_id, activity),
					FOREIGN KEY (tenant_id) REFERENCES tenants(tenant_id) ON DELETE CASCADE
				)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Batches, aggregate groups, progress, and decisions",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS batches (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					status TEXT NOT NULL,
					strategy TEXT NOT NULL,
					record_count INTEGER NOT NULL DEFAULT 0,
					group_count INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					completed_at DATETIME
				)`,
				`CREATE INDEX idx_batches_tenant ON batches(tenant_id)`,

				`CREATE TABLE IF NOT EXISTS product_records (
					batch_id TEXT NOT NULL,
					source_id TEXT NOT NULL,
					group_id TEXT NOT NULL,
					tenant_id TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					product_code TEXT NOT NULL DEFAULT '',
					barcode TEXT NOT NULL DEFAULT '',
					commodity_code TEXT NOT NULL DEFAULT '',
					tax_code TEXT NOT NULL DEFAULT '',
					imported_at DATETIME,
					PRIMARY KEY (batch_id, source_id),
					FOREIGN KEY (batch_id) REFERENCES batches(id)
				)`,
				`CREATE INDEX idx_product_records_group ON product_records(group_id)`,

				`CREATE TABLE IF NOT EXISTS aggregate_groups (
					id TEXT PRIMARY KEY,
					batch_id TEXT NOT NULL,
					tenant_id TEXT NOT NULL,
					position INTEGER NOT NULL,
					representative TEXT NOT NULL DEFAULT '',
					method TEXT NOT NULL,
					existing_commodity_code TEXT NOT NULL DEFAULT '',
					existing_tax_code TEXT NOT NULL DEFAULT '',
					member_count INTEGER NOT NULL DEFAULT 0,
					FOREIGN KEY (batch_id) REFERENCES batches(id)
				)`,
				`CREATE INDEX idx_aggregate_groups_batch ON aggregate_groups(batch_id, position)`,

				`CREATE TABLE IF NOT EXISTS group_progress (
					group_id TEXT PRIMARY KEY,
					batch_id TEXT NOT NULL,
					state TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					draft TEXT,
					attempt INTEGER NOT NULL DEFAULT 0,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_group_progress_batch_state ON group_progress(batch_id, state)`,

				`CREATE TABLE IF NOT EXISTS decisions (
					group_id TEXT PRIMARY KEY,
					batch_id TEXT NOT NULL,
					tenant_id TEXT NOT NULL,
					commodity_code TEXT NOT NULL DEFAULT '',
					tax_code TEXT NOT NULL DEFAULT '',
					tax_state TEXT NOT NULL,
					disposition TEXT NOT NULL,
					final_state TEXT NOT NULL,
					reason TEXT NOT NULL DEFAULT '',
					strategy TEXT NOT NULL DEFAULT '',
					reviewer_id TEXT NOT NULL DEFAULT '',
					commodity_candidates TEXT NOT NULL DEFAULT '[]',
					tax_candidates TEXT NOT NULL DEFAULT '[]',
					confidence REAL NOT NULL DEFAULT 0,
					decided_at DATETIME NOT NULL,
					reviewed_at DATETIME
				)`,
				`CREATE INDEX idx_decisions_batch ON decisions(batch_id)`,
				`CREATE INDEX idx_decisions_disposition ON decisions(disposition, reviewed_at)`,

				`CREATE TABLE IF NOT EXISTS record_assignments (
					batch_id TEXT NOT NULL,
					source_id TEXT NOT NULL,
					group_id TEXT NOT NULL,
					tenant_id TEXT NOT NULL,
					commodity_code TEXT NOT NULL DEFAULT '',
					tax_code TEXT NOT NULL DEFAULT '',
					tax_state TEXT NOT NULL,
					assigned_at DATETIME NOT NULL,
					PRIMARY KEY (batch_id, source_id)
				)`,
				`CREATE INDEX idx_record_assignments_group ON record_assignments(group_id)`,
			})
		},
	},
	{
		Version:     4,
		Description: "Checkpoint metadata",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS checkpoint_metadata (
					id TEXT PRIMARY KEY,
					created_at DATETIME NOT NULL,
					description TEXT,
					file_size INTEGER,
					row_counts TEXT,
					schema_version INTEGER,
					is_auto BOOLEAN DEFAULT 0
				)
			`)
			return err
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion reports the applied schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
