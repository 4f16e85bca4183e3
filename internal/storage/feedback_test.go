package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/storage"
	"github.com/Veraticus/taxflow/internal/testutil"
)

func feedbackEntry(description, code string, confidence float64) *model.FeedbackEntry {
	return &model.FeedbackEntry{
		Signature:             model.Signature(description, code),
		NormalizedDescription: description,
		CommodityCode:         code,
		TaxState:              model.TaxNotApplicable,
		ReviewerID:            "reviewer-1",
		Confidence:            confidence,
	}
}

func TestFeedback_UpsertAndGet(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	entry := feedbackEntry("paracetamol 500mg", "3004.90.69", 0.95)
	entry.TaxCode = "13.001.00"
	entry.TaxState = model.TaxApplied
	require.NoError(t, store.UpsertFeedback(ctx, entry))

	got, err := store.GetFeedback(ctx, entry.Signature)
	require.NoError(t, err)
	assert.Equal(t, testutil.CodeMedicine, got.CommodityCode)
	assert.Equal(t, "1300100", got.TaxCode)
	assert.Equal(t, model.TaxApplied, got.TaxState)
	assert.Equal(t, 1, got.UseCount)
	created := got.CreatedAt

	entry.Confidence = 1
	entry.ReviewerID = "reviewer-2"
	require.NoError(t, store.UpsertFeedback(ctx, entry))

	got, err = store.GetFeedback(ctx, entry.Signature)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UseCount)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)
	assert.Equal(t, "reviewer-2", got.ReviewerID)
	assert.True(t, got.CreatedAt.Equal(created), "creation time survives updates")

	_, err = store.GetFeedback(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestFeedback_FindByDescription(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertFeedback(ctx, feedbackEntry("notebook dell", testutil.CodeNotebook, 0.8)))
	require.NoError(t, store.UpsertFeedback(ctx, feedbackEntry("notebook dell", "84713019", 0.95)))
	require.NoError(t, store.UpsertFeedback(ctx, feedbackEntry("mouse optico", testutil.CodeMouse, 0.9)))

	entries, err := store.FindFeedbackByDescription(ctx, "notebook dell")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "84713019", entries[0].CommodityCode)
	assert.Equal(t, testutil.CodeNotebook, entries[1].CommodityCode)

	none, err := store.FindFeedbackByDescription(ctx, "cafe")
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := store.ListFeedback(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := store.ListFeedback(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestFeedback_Validation(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	tests := []struct {
		mutate func(*model.FeedbackEntry)
		name   string
	}{
		{name: "missing signature", mutate: func(e *model.FeedbackEntry) { e.Signature = "" }},
		{name: "missing code", mutate: func(e *model.FeedbackEntry) { e.CommodityCode = "" }},
		{name: "missing reviewer", mutate: func(e *model.FeedbackEntry) { e.ReviewerID = "" }},
		{name: "confidence out of range", mutate: func(e *model.FeedbackEntry) { e.Confidence = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := feedbackEntry("x", testutil.CodeMouse, 0.9)
			tt.mutate(entry)
			assert.ErrorIs(t, store.UpsertFeedback(ctx, entry), storage.ErrInvalidFeedback)
		})
	}
}
