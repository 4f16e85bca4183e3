package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/aggregate"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
	"github.com/Veraticus/taxflow/internal/testutil"
)

func uncodedRecords(tenant string) []model.ProductRecord {
	records := testutil.Records(tenant)
	for i := range records {
		records[i].CommodityCode = ""
	}
	return records
}

// A reviewer's correction is applied to the records, audited, and learned:
// the next batch with the same product is applied without a reviewer.
func TestReview_CorrectionIsLearned(t *testing.T) {
	h := newHarness(t, nil)
	batch, _ := h.submitAndRun(t, testutil.TenantRetail, uncodedRecords(testutil.TenantRetail), rulesOnly())

	dell := h.groupOf(t, batch.ID, "r1")
	before, err := h.orch.Decision(h.db.Ctx, dell.ID)
	require.NoError(t, err)
	require.Equal(t, model.DispositionNeedsReview, before.Disposition)

	d, err := h.orch.Review(h.db.Ctx, ReviewInput{
		GroupID:       dell.ID,
		ReviewerID:    "alice",
		CommodityCode: "8471.30.12",
		TaxCode:       "21.001.00",
		Note:          "dell notebooks",
	})
	require.NoError(t, err)
	assert.Equal(t, testutil.CodeNotebook, d.CommodityCode)
	assert.Equal(t, "2100100", d.TaxCode)
	assert.Equal(t, model.TaxApplied, d.TaxState)
	assert.Equal(t, "alice", d.ReviewerID)
	assert.NotNil(t, d.ReviewedAt)
	assert.InDelta(t, 1.0, d.Confidence, 0.0001)
	assert.Equal(t, model.DispositionNeedsReview, d.Disposition, "the workflow outcome is kept")

	assignments, err := h.db.Storage.Assignments(h.db.Ctx, batch.ID)
	require.NoError(t, err)
	assigned := map[string]string{}
	for _, a := range assignments {
		assigned[a.SourceID] = a.CommodityCode
	}
	for _, id := range dell.MemberIDs {
		assert.Equal(t, testutil.CodeNotebook, assigned[id], id)
	}

	entries, err := h.orch.ListAudit(h.db.Ctx, model.AuditFilter{GroupID: dell.ID, Agent: model.AgentReviewer})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].ReviewerID)
	assert.Contains(t, string(entries[0].Output), `"corrected":true`)

	progress, err := h.db.Storage.GetProgress(h.db.Ctx, dell.ID)
	require.NoError(t, err)
	entry, err := h.feedback.Lookup(h.db.Ctx, model.Signature(aggregate.Normalize(progress.Description), testutil.CodeNotebook))
	require.NoError(t, err)
	assert.Equal(t, "2100100", entry.TaxCode)
	assert.Equal(t, dell.ID, entry.SourceGroupID)
	assert.Equal(t, entries[0].ID, entry.SourceAuditID)

	queue, err := h.orch.ReviewQueue(h.db.Ctx, service.DecisionFilter{BatchID: batch.ID})
	require.NoError(t, err)
	for _, q := range queue {
		assert.NotEqual(t, dell.ID, q.GroupID, "reviewed groups leave the queue")
	}

	// Feedback carries no tenant, so another tenant benefits as well.
	next, _ := h.submitAndRun(t, testutil.TenantPharmacy, uncodedRecords(testutil.TenantPharmacy), rulesOnly())
	learned := h.decisionFor(t, next.ID, "r1")
	assert.Equal(t, model.DispositionAutoApplied, learned.Disposition)
	assert.Equal(t, testutil.CodeNotebook, learned.CommodityCode)
	assert.Equal(t, "2100100", learned.TaxCode)
	assert.Equal(t, model.SourceFeedback, learned.CommodityCandidates[0].Source)
}

func TestReview_ConfirmKeepsTaxOutcome(t *testing.T) {
	h := newHarness(t, scriptedModel())
	batch, _ := h.submitAndRun(t, testutil.TenantRetail, testutil.Records(testutil.TenantRetail), model.DefaultStrategy())
	coffee := h.groupOf(t, batch.ID, "r5")

	d, err := h.orch.Review(h.db.Ctx, ReviewInput{GroupID: coffee.ID, ReviewerID: "bob", Confidence: 0.95})
	require.NoError(t, err)
	assert.Equal(t, testutil.CodeCoffee, d.CommodityCode)
	assert.Equal(t, model.TaxNotApplicable, d.TaxState)
	assert.InDelta(t, 0.95, d.Confidence, 0.0001)

	entries, err := h.orch.ListAudit(h.db.Ctx, model.AuditFilter{GroupID: coffee.ID, Agent: model.AgentReviewer})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0].Output), `"corrected":false`)
}

func TestReview_ChangedCodeResetsTax(t *testing.T) {
	h := newHarness(t, scriptedModel())
	batch, _ := h.submitAndRun(t, testutil.TenantRetail, testutil.Records(testutil.TenantRetail), model.DefaultStrategy())
	medicine := h.groupOf(t, batch.ID, "r4")

	d, err := h.orch.Review(h.db.Ctx, ReviewInput{
		GroupID:       medicine.ID,
		ReviewerID:    "carol",
		CommodityCode: testutil.CodeMedicineAlt,
	})
	require.NoError(t, err)
	assert.Equal(t, testutil.CodeMedicineAlt, d.CommodityCode)
	assert.Equal(t, model.TaxUnevaluated, d.TaxState)
	assert.Empty(t, d.TaxCode)

	d, err = h.orch.Review(h.db.Ctx, ReviewInput{
		GroupID:    medicine.ID,
		ReviewerID: "carol",
		TaxState:   model.TaxNotApplicable,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaxNotApplicable, d.TaxState)
}

func TestReview_Validation(t *testing.T) {
	h := newHarness(t, nil)
	batch, _ := h.submitAndRun(t, testutil.TenantRetail, uncodedRecords(testutil.TenantRetail), rulesOnly())
	dell := h.groupOf(t, batch.ID, "r1")

	tests := []struct {
		name     string
		in       ReviewInput
		wantKind common.Kind
		wantErr  error
	}{
		{
			name:     "missing reviewer",
			in:       ReviewInput{GroupID: dell.ID, CommodityCode: testutil.CodeNotebook},
			wantKind: common.KindInput,
		},
		{
			name:     "confidence out of range",
			in:       ReviewInput{GroupID: dell.ID, ReviewerID: "alice", CommodityCode: testutil.CodeNotebook, Confidence: 1.5},
			wantKind: common.KindInput,
		},
		{
			name:     "short commodity code",
			in:       ReviewInput{GroupID: dell.ID, ReviewerID: "alice", CommodityCode: "8471"},
			wantKind: common.KindInput,
		},
		{
			name:     "commodity code outside the nomenclature",
			in:       ReviewInput{GroupID: dell.ID, ReviewerID: "alice", CommodityCode: "84713099"},
			wantKind: common.KindInput,
		},
		{
			name:     "short tax code",
			in:       ReviewInput{GroupID: dell.ID, ReviewerID: "alice", CommodityCode: testutil.CodeNotebook, TaxCode: "123"},
			wantKind: common.KindInput,
		},
		{
			name:     "tax code that does not cover the commodity",
			in:       ReviewInput{GroupID: dell.ID, ReviewerID: "alice", CommodityCode: testutil.CodeNotebook, TaxCode: "1300100"},
			wantKind: common.KindInput,
		},
		{
			name:     "reviewer cannot mark a tax code applied without naming it",
			in:       ReviewInput{GroupID: dell.ID, ReviewerID: "alice", CommodityCode: testutil.CodeNotebook, TaxState: model.TaxApplied},
			wantKind: common.KindInput,
		},
		{
			name:    "unknown group",
			in:      ReviewInput{GroupID: "missing", ReviewerID: "alice", CommodityCode: testutil.CodeNotebook},
			wantErr: common.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Review(h.db.Ctx, tt.in)
			require.Error(t, err)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, common.KindOf(err))
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	// Nothing was written by the rejected reviews.
	entries, err := h.orch.ListAudit(h.db.Ctx, model.AuditFilter{GroupID: dell.ID, Agent: model.AgentReviewer})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type propagateFailingStore struct {
	Store
}

func (propagateFailingStore) PropagateDecision(context.Context, *model.ClassificationDecision) (int, error) {
	return 0, errors.New("database is locked")
}

func TestReview_FailedSaveLeavesNoReviewerAudit(t *testing.T) {
	h := newHarness(t, nil)
	batch, _ := h.submitAndRun(t, testutil.TenantRetail, uncodedRecords(testutil.TenantRetail), rulesOnly())
	dell := h.groupOf(t, batch.ID, "r1")

	cfg := DefaultConfig()
	cfg.Retry = fastRetry
	broken, err := New(Dependencies{
		Store:     propagateFailingStore{h.db.Storage},
		Knowledge: h.db.Storage,
		Commodity: h.commodity,
		Tax:       h.tax,
		Feedback:  h.feedback,
	}, cfg)
	require.NoError(t, err)

	_, err = broken.Review(h.db.Ctx, ReviewInput{
		GroupID:       dell.ID,
		ReviewerID:    "alice",
		CommodityCode: testutil.CodeNotebook,
		TaxCode:       "2100100",
	})
	require.Error(t, err)

	entries, err := h.orch.ListAudit(h.db.Ctx, model.AuditFilter{GroupID: dell.ID, Agent: model.AgentReviewer})
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = h.feedback.Lookup(h.db.Ctx, model.Signature(aggregate.Normalize(dell.Representative), testutil.CodeNotebook))
	assert.ErrorIs(t, err, common.ErrNotFound)
}
