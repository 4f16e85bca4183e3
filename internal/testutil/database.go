package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/storage"
)

// TestDB wraps a migrated storage instance loaded with the fixture knowledge.
type TestDB struct {
	Storage *storage.SQLiteStorage
	Ctx     context.Context
	t       *testing.T
}

// SetupTestDB creates an in-memory database holding the fixture knowledge.
// The database is closed when the test ends.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	return SetupTestDBWithOptions(t, TestDBOptions{})
}

// TestDBOptions customizes SetupTestDBWithOptions.
type TestDBOptions struct {
	// Tenants maps tenant identifiers to their activity facts.
	Tenants map[string][]string
	// OnDisk places the database in a temporary directory, which checkpoints require.
	OnDisk bool
	// SkipKnowledge leaves the knowledge tables empty.
	SkipKnowledge bool
}

// SetupTestDBWithOptions creates a test database with custom options.
func SetupTestDBWithOptions(t *testing.T, opts TestDBOptions) *TestDB {
	t.Helper()

	path := ":memory:"
	if opts.OnDisk {
		path = filepath.Join(t.TempDir(), "taxflow.db")
	}

	db, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err, "failed to create test database")
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx), "failed to migrate test database")

	if !opts.SkipKnowledge {
		require.NoError(t, db.LoadKnowledge(ctx, Knowledge()), "failed to load fixture knowledge")
	}
	for tenant, tags := range opts.Tenants {
		require.NoError(t, db.SetActivityFacts(ctx, tenant, tags))
	}

	return &TestDB{Storage: db, Ctx: ctx, t: t}
}

// DefaultTenants are the activity facts of the fixture tenants.
func DefaultTenants() map[string][]string {
	return map[string][]string{
		TenantPharmacy:   {"pharmacy", "retail"},
		TenantDoorToDoor: {"door_to_door"},
		TenantRetail:     {"retail"},
	}
}
