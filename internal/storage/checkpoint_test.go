package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/storage"
	"github.com/Veraticus/taxflow/internal/testutil"
)

func TestCheckpoint_CreateListDelete(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	cm, err := store.NewCheckpointManager()
	require.NoError(t, err)

	info, err := cm.Create(ctx, "before-reload", "manual snapshot")
	require.NoError(t, err)
	assert.Equal(t, "before-reload", info.ID)
	assert.Equal(t, len(testutil.Nodes()), info.Nodes)
	assert.Equal(t, len(testutil.TaxRules()), info.TaxRules)
	assert.Equal(t, storage.ExpectedSchemaVersion, info.SchemaVersion)
	assert.False(t, info.IsAuto)

	_, err = cm.Create(ctx, "before-reload", "again")
	assert.ErrorIs(t, err, storage.ErrCheckpointExists)

	_, err = cm.Create(ctx, "../escape", "")
	assert.ErrorIs(t, err, storage.ErrInvalidCheckpointID)

	auto, err := cm.AutoCheckpoint(ctx, "knowledge-load")
	require.NoError(t, err)
	assert.True(t, auto.IsAuto)

	list, err := cm.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, cm.Delete(ctx, "before-reload"))
	assert.ErrorIs(t, cm.Delete(ctx, "before-reload"), storage.ErrCheckpointNotFound)

	list, err = cm.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCheckpoint_Restore(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	cm, err := store.NewCheckpointManager()
	require.NoError(t, err)
	_, err = cm.Create(ctx, "full", "")
	require.NoError(t, err)

	bundle := testutil.Knowledge()
	bundle.Nodes = bundle.Nodes[:4]
	require.NoError(t, store.LoadKnowledge(ctx, bundle))

	require.NoError(t, cm.Restore(ctx, "full"))

	reopened, err := storage.NewSQLiteStorage(store.Path())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	_, err = reopened.Node(ctx, testutil.CodeNotebook)
	assert.NoError(t, err)

	assert.ErrorIs(t, cm.Restore(ctx, "missing"), storage.ErrCheckpointNotFound)
}

func TestCheckpoint_InMemoryUnsupported(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, err := db.Storage.NewCheckpointManager()
	assert.ErrorIs(t, err, storage.ErrInMemoryDatabase)

	_, err = db.Storage.Node(db.Ctx, "00000000")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
