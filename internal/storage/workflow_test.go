package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
	"github.com/Veraticus/taxflow/internal/storage"
	"github.com/Veraticus/taxflow/internal/testutil"
)

func seedBatch(t *testing.T, store *storage.SQLiteStorage) (*model.Batch, []model.AggregateGroup) {
	t.Helper()
	records := testutil.Records(testutil.TenantPharmacy)[:5]
	batch := &model.Batch{
		ID:       "b1",
		TenantID: testutil.TenantPharmacy,
		Status:   model.BatchSubmitted,
		Strategy: model.DefaultStrategy(),
	}
	groups := []model.AggregateGroup{
		{
			ID: "b1-g1", BatchID: "b1", TenantID: testutil.TenantPharmacy,
			Representative: "Notebook Dell i5 8GB", Method: model.MethodSameCodeSimilar,
			MemberIDs: []string{"r1", "r2", "r3"}, ExistingCommodityCode: testutil.CodeNotebook,
		},
		{
			ID: "b1-g2", BatchID: "b1", TenantID: testutil.TenantPharmacy,
			Representative: "Paracetamol 500mg comprimidos", Method: model.MethodExactDescription,
			MemberIDs: []string{"r4"}, ExistingCommodityCode: testutil.CodeMedicine,
		},
		{
			ID: "b1-g3", BatchID: "b1", TenantID: testutil.TenantPharmacy,
			Representative: "Cafe torrado moido 500g", Method: model.MethodExactDescription,
			MemberIDs: []string{"r5"},
		},
	}
	require.NoError(t, store.SaveBatch(context.Background(), batch, records, groups))
	return batch, groups
}

func TestSaveBatch_RoundTrip(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seedBatch(t, store)

	batch, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchSubmitted, batch.Status)
	assert.Equal(t, 5, batch.RecordCount)
	assert.Equal(t, 3, batch.GroupCount)
	assert.Equal(t, model.DefaultStrategy(), batch.Strategy)
	assert.Nil(t, batch.CompletedAt)

	groups, err := store.GetGroups(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "b1-g1", groups[0].ID)
	assert.Equal(t, []string{"r1", "r2", "r3"}, groups[0].MemberIDs)
	assert.Equal(t, 3, groups[0].MemberCount)
	assert.Equal(t, model.MethodSameCodeSimilar, groups[0].Method)

	group, err := store.GetGroup(ctx, "b1-g2")
	require.NoError(t, err)
	assert.Equal(t, []string{"r4"}, group.MemberIDs)
	assert.Equal(t, testutil.CodeMedicine, group.ExistingCommodityCode)

	records, err := store.GetGroupRecords(ctx, "b1-g1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "NOTEBOOK DELL I5 8GB", records[2].Description)

	_, err = store.GetGroup(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = store.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSaveBatch_Validation(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	err := store.SaveBatch(ctx, &model.Batch{ID: "b1"}, nil, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidBatch)

	err = store.SaveBatch(ctx, &model.Batch{ID: "b1", TenantID: "t"}, nil,
		[]model.AggregateGroup{{ID: "g", BatchID: "other"}})
	assert.ErrorIs(t, err, storage.ErrInvalidBatch)

	seedBatch(t, store)
	err = store.SaveBatch(ctx, &model.Batch{ID: "b1", TenantID: "t"}, nil, nil)
	assert.Error(t, err, "batch ids are unique")
}

func TestUpdateBatchStatus(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seedBatch(t, store)

	require.NoError(t, store.UpdateBatchStatus(ctx, "b1", model.BatchRunning))
	batch, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchRunning, batch.Status)
	assert.Nil(t, batch.CompletedAt)

	require.NoError(t, store.UpdateBatchStatus(ctx, "b1", model.BatchCompleted))
	batch, err = store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.NotNil(t, batch.CompletedAt)

	assert.ErrorIs(t, store.UpdateBatchStatus(ctx, "missing", model.BatchRunning), common.ErrNotFound)
}

func TestProgress(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seedBatch(t, store)

	for _, id := range []string{"b1-g1", "b1-g2", "b1-g3"} {
		require.NoError(t, store.SaveProgress(ctx, &model.GroupProgress{GroupID: id, BatchID: "b1", State: model.StatePending}))
	}

	draft := &model.ClassificationDecision{
		GroupID:       "b1-g1",
		CommodityCode: testutil.CodeNotebook,
		CommodityCandidates: model.Candidates{
			{Code: testutil.CodeNotebook, Confidence: 0.9, Source: model.SourceLLM, RulesApplied: []string{"gri-1"}},
		},
	}
	require.NoError(t, store.SaveProgress(ctx, &model.GroupProgress{
		GroupID:     "b1-g1",
		BatchID:     "b1",
		State:       model.StateResolvingTax,
		Description: "notebook dell i5 8gb",
		Draft:       draft,
		Attempt:     1,
	}))

	p, err := store.GetProgress(ctx, "b1-g1")
	require.NoError(t, err)
	assert.Equal(t, model.StateResolvingTax, p.State)
	assert.Equal(t, "notebook dell i5 8gb", p.Description)
	assert.Equal(t, 1, p.Attempt)
	require.NotNil(t, p.Draft)
	assert.Equal(t, draft.CommodityCandidates, p.Draft.CommodityCandidates)

	counts, err := store.StateCounts(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, map[model.WorkflowState]int{model.StatePending: 2, model.StateResolvingTax: 1}, counts)

	err = store.SaveProgress(ctx, &model.GroupProgress{GroupID: "b1-g1", BatchID: "b1", State: "bogus"})
	assert.Error(t, err)

	_, err = store.GetProgress(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func decision(groupID string, disposition model.Disposition, confidence float64) *model.ClassificationDecision {
	state := model.WorkflowState(disposition)
	d := &model.ClassificationDecision{
		GroupID:     groupID,
		BatchID:     "b1",
		TenantID:    testutil.TenantPharmacy,
		TaxState:    model.TaxUnevaluated,
		Disposition: disposition,
		FinalState:  state,
		Strategy:    "default",
		Confidence:  confidence,
	}
	if disposition != model.DispositionAutoApplied {
		d.Reason = "confidence below threshold"
	}
	return d
}

func TestDecisions(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seedBatch(t, store)

	applied := decision("b1-g1", model.DispositionAutoApplied, 0.92)
	applied.CommodityCode = testutil.CodeNotebook
	applied.TaxCode = "2100100"
	applied.TaxState = model.TaxApplied
	applied.CommodityCandidates = model.Candidates{{Code: testutil.CodeNotebook, Confidence: 0.92, Source: model.SourceRules}}
	require.NoError(t, store.SaveDecision(ctx, applied))
	require.NoError(t, store.SaveDecision(ctx, decision("b1-g2", model.DispositionNeedsReview, 0.4)))
	require.NoError(t, store.SaveDecision(ctx, decision("b1-g3", model.DispositionNeedsReview, 0.2)))

	got, err := store.GetDecision(ctx, "b1-g1")
	require.NoError(t, err)
	assert.Equal(t, model.TaxApplied, got.TaxState)
	assert.Equal(t, applied.CommodityCandidates, got.CommodityCandidates)
	assert.Nil(t, got.ReviewedAt)

	queue, err := store.ListDecisions(ctx, service.DecisionFilter{
		BatchID:     "b1",
		Disposition: model.DispositionNeedsReview,
		Unreviewed:  true,
	})
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "b1-g3", queue[0].GroupID, "lowest confidence first")

	reviewed := queue[0]
	now := time.Now().UTC()
	reviewed.ReviewedAt = &now
	reviewed.ReviewerID = "reviewer-1"
	require.NoError(t, store.SaveDecision(ctx, &reviewed))

	queue, err = store.ListDecisions(ctx, service.DecisionFilter{BatchID: "b1", Unreviewed: true, Disposition: model.DispositionNeedsReview})
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "b1-g2", queue[0].GroupID)

	_, err = store.GetDecision(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSaveDecision_Validation(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	tests := []struct {
		decision *model.ClassificationDecision
		name     string
	}{
		{name: "non-terminal state", decision: &model.ClassificationDecision{GroupID: "g", BatchID: "b", FinalState: model.StateResolvingTax}},
		{name: "review without reason", decision: &model.ClassificationDecision{
			GroupID: "g", BatchID: "b", FinalState: model.StateNeedsReview, Disposition: model.DispositionNeedsReview,
		}},
		{name: "confidence out of range", decision: &model.ClassificationDecision{
			GroupID: "g", BatchID: "b", FinalState: model.StateAutoApplied, Disposition: model.DispositionAutoApplied, Confidence: 2,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, store.SaveDecision(ctx, tt.decision), storage.ErrInvalidDecision)
		})
	}
}

func TestPropagateDecision(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seedBatch(t, store)

	d := decision("b1-g1", model.DispositionAutoApplied, 0.9)
	d.CommodityCode = testutil.CodeNotebook
	d.TaxCode = "2100100"
	d.TaxState = model.TaxApplied

	n, err := store.PropagateDecision(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Re-propagating a corrected decision replaces the assignments.
	d.CommodityCode = "84713019"
	n, err = store.PropagateDecision(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assignments, err := store.Assignments(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, assignments, 3)
	for _, a := range assignments {
		assert.Equal(t, "84713019", a.CommodityCode)
		assert.Equal(t, model.TaxApplied, a.TaxState)
	}

	records, err := store.GetGroupRecords(ctx, "b1-g1")
	require.NoError(t, err)
	assert.Equal(t, testutil.CodeNotebook, records[0].CommodityCode, "source records are never rewritten")
}
