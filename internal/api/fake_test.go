package api

import (
	"context"
	"sync"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/engine"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

// fakePipeline serves canned decisions and records what it was asked.
type fakePipeline struct {
	err       error
	decisions map[string]*model.ClassificationDecision
	audit     []model.AuditEntry
	ran       chan string

	mu          sync.Mutex
	submitted   []model.ProductRecord
	strategy    model.Strategy
	reviews     []engine.ReviewInput
	auditFilter model.AuditFilter
	queueFilter service.DecisionFilter
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		decisions: map[string]*model.ClassificationDecision{
			"g1": {
				GroupID:       "g1",
				BatchID:       "b1",
				TenantID:      "acme",
				CommodityCode: "84713012",
				TaxCode:       "2100100",
				TaxState:      model.TaxApplied,
				Disposition:   model.DispositionAutoApplied,
				FinalState:    model.StateAutoApplied,
				Confidence:    0.9,
				DecidedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		audit: []model.AuditEntry{
			{ID: "a1", GroupID: "g1", Agent: model.AgentAggregation, State: model.StatePending},
			{ID: "a2", GroupID: "g1", Agent: model.AgentCommodity, State: model.StateResolvingCommodity},
		},
		ran: make(chan string, 1),
	}
}

func (f *fakePipeline) SubmitBatch(_ context.Context, tenantID string, records []model.ProductRecord, strategy model.Strategy) (*model.Batch, error) {
	if f.err != nil {
		return nil, f.err
	}
	if tenantID == "" {
		return nil, common.InputError("a tenant id is required", nil)
	}
	f.mu.Lock()
	f.submitted = records
	f.strategy = strategy
	f.mu.Unlock()
	return &model.Batch{ID: "b1", TenantID: tenantID, Status: model.BatchSubmitted, Strategy: strategy, RecordCount: len(records)}, nil
}

func (f *fakePipeline) RunBatch(_ context.Context, batchID string) (*engine.Report, error) {
	f.ran <- batchID
	return &engine.Report{Batch: &model.Batch{ID: batchID, Status: model.BatchCompleted}}, nil
}

func (f *fakePipeline) BatchStatus(_ context.Context, batchID string) (*engine.Report, error) {
	if batchID != "b1" {
		return nil, common.ErrNotFound
	}
	return &engine.Report{
		Batch: &model.Batch{ID: "b1", Status: model.BatchRunning},
		States: map[model.WorkflowState]int{
			model.StateAutoApplied: 2,
			model.StatePending:     1,
		},
	}, nil
}

func (f *fakePipeline) Decision(_ context.Context, groupID string) (*model.ClassificationDecision, error) {
	d, ok := f.decisions[groupID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return d, nil
}

func (f *fakePipeline) Reclassify(_ context.Context, groupID string) (*model.ClassificationDecision, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.Decision(context.Background(), groupID)
}

func (f *fakePipeline) ListAudit(_ context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	f.mu.Lock()
	f.auditFilter = filter
	f.mu.Unlock()
	return f.audit, nil
}

func (f *fakePipeline) ReviewQueue(_ context.Context, filter service.DecisionFilter) ([]model.ClassificationDecision, error) {
	f.mu.Lock()
	f.queueFilter = filter
	f.mu.Unlock()
	return []model.ClassificationDecision{*f.decisions["g1"]}, nil
}

func (f *fakePipeline) Review(_ context.Context, in engine.ReviewInput) (*model.ClassificationDecision, error) {
	if in.ReviewerID == "" {
		return nil, common.InputError("a reviewer id is required", nil)
	}
	f.mu.Lock()
	f.reviews = append(f.reviews, in)
	f.mu.Unlock()
	d := *f.decisions[in.GroupID]
	d.ReviewerID = in.ReviewerID
	return &d, nil
}
