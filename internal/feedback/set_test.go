package feedback_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/feedback"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/testutil"
)

func newSet(t *testing.T) *feedback.Set {
	t.Helper()
	db := testutil.SetupTestDB(t)
	return feedback.NewSet(db.Storage, nil)
}

func TestSet_UpsertAndLookup(t *testing.T) {
	set := newSet(t)
	ctx := context.Background()

	entry, err := set.Upsert(ctx, feedback.Correction{
		NormalizedDescription: "paracetamol 500mg comprimidos",
		CommodityCode:         "3004.90.69",
		TaxCode:               "13.001.00",
		TaxState:              model.TaxApplied,
		ReviewerID:            "ana",
		SourceGroupID:         "b1-g2",
	})
	require.NoError(t, err)
	assert.Equal(t, model.Signature("paracetamol 500mg comprimidos", testutil.CodeMedicine), entry.Signature)
	assert.InDelta(t, feedback.ReviewerConfidence, entry.Confidence, 1e-9)
	assert.Equal(t, "1300100", entry.TaxCode)
	assert.Equal(t, 1, entry.UseCount)

	got, err := set.Lookup(ctx, entry.Signature)
	require.NoError(t, err)
	assert.Equal(t, testutil.CodeMedicine, got.CommodityCode)

	byDesc, err := set.LookupDescription(ctx, "paracetamol 500mg comprimidos")
	require.NoError(t, err)
	assert.Equal(t, entry.Signature, byDesc.Signature)

	_, err = set.LookupDescription(ctx, "cafe")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = set.LookupDescription(ctx, "  ")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = set.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSet_LookupDescriptionPrefersConfidence(t *testing.T) {
	set := newSet(t)
	ctx := context.Background()

	_, err := set.Upsert(ctx, feedback.Correction{
		NormalizedDescription: "notebook dell", CommodityCode: "84713019", ReviewerID: "ana", Confidence: 0.6,
	})
	require.NoError(t, err)
	_, err = set.Upsert(ctx, feedback.Correction{
		NormalizedDescription: "notebook dell", CommodityCode: testutil.CodeNotebook, ReviewerID: "bo",
	})
	require.NoError(t, err)

	best, err := set.LookupDescription(ctx, "notebook dell")
	require.NoError(t, err)
	assert.Equal(t, testutil.CodeNotebook, best.CommodityCode)
}

func TestSet_UpsertValidation(t *testing.T) {
	set := newSet(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		correction feedback.Correction
	}{
		{name: "blank description", correction: feedback.Correction{NormalizedDescription: " ", CommodityCode: testutil.CodeMouse, ReviewerID: "a"}},
		{name: "short code", correction: feedback.Correction{NormalizedDescription: "mouse", CommodityCode: "8471", ReviewerID: "a"}},
		{name: "no reviewer", correction: feedback.Correction{NormalizedDescription: "mouse", CommodityCode: testutil.CodeMouse}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := set.Upsert(ctx, tt.correction)
			require.Error(t, err)
			assert.Equal(t, common.KindInput, common.KindOf(err))
		})
	}
}

func TestSet_ConcurrentUpsertsSameSignature(t *testing.T) {
	set := newSet(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := set.Upsert(ctx, feedback.Correction{
				NormalizedDescription: "mouse optico",
				CommodityCode:         testutil.CodeMouse,
				ReviewerID:            fmt.Sprintf("reviewer-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entry, err := set.Lookup(ctx, model.Signature("mouse optico", testutil.CodeMouse))
	require.NoError(t, err)
	assert.Equal(t, writers, entry.UseCount)
}
