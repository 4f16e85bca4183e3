// Package engine drives aggregate groups through the reconciliation state
// machine: enrichment, commodity resolution, tax resolution, and cross
// validation, ending in auto_applied, needs_review, or rejected.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/taxflow/internal/aggregate"
	"github.com/Veraticus/taxflow/internal/commodity"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/feedback"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
	"github.com/Veraticus/taxflow/internal/taxcode"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	service.WorkflowStore
	service.Ledger
	service.ActivityProvider
}

// CommodityResolver resolves the commodity code of one group.
type CommodityResolver interface {
	Resolve(ctx context.Context, in commodity.Input) *commodity.Result
}

// TaxResolver resolves the tax-substitution code of one group.
type TaxResolver interface {
	Resolve(ctx context.Context, in taxcode.Input) *taxcode.Result
}

// Config tunes the orchestrator.
type Config struct {
	Abbreviations map[string]string
	Aggregation   aggregate.Config
	Retry         common.RetryOptions
	Workers       int
	// PauseAfterFailures consecutive degraded groups pause dispatch. Zero disables pausing.
	PauseAfterFailures int
	PauseDuration      time.Duration
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		PauseAfterFailures: 5,
		PauseDuration:      30 * time.Second,
		Retry: common.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			CallTimeout:  5 * time.Second,
		},
	}
}

// Dependencies are the collaborators of an Orchestrator. Feedback may be nil.
type Dependencies struct {
	Store     Store
	Knowledge service.KnowledgeStore
	Commodity CommodityResolver
	Tax       TaxResolver
	Feedback  *feedback.Set
}

// GroupOutcome reports one group reaching a terminal state.
type GroupOutcome struct {
	GroupID  string
	Reason   string
	State    model.WorkflowState
	Members  int
	Degraded bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProgress registers a callback invoked as groups finish. It is called
// from worker goroutines.
func WithProgress(fn func(GroupOutcome)) Option {
	return func(o *Orchestrator) {
		o.progress = fn
	}
}

// WithClock overrides the clock used for timestamps and rule validity.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// Orchestrator runs batches through the classification pipeline.
type Orchestrator struct {
	store      Store
	knowledge  service.KnowledgeStore
	commodity  CommodityResolver
	tax        TaxResolver
	feedback   *feedback.Set
	aggregator *aggregate.Engine
	enricher   *Enricher
	logger     *slog.Logger
	progress   func(GroupOutcome)
	now        func() time.Time
	claims     sync.Map
	cfg        Config
}

// New creates an orchestrator.
func New(deps Dependencies, cfg Config, opts ...Option) (*Orchestrator, error) {
	if deps.Store == nil || deps.Knowledge == nil || deps.Commodity == nil || deps.Tax == nil {
		return nil, fmt.Errorf("%w: orchestrator needs a store, a knowledge store and both agents", common.ErrMissingConfig)
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PauseAfterFailures > 0 && cfg.PauseDuration <= 0 {
		cfg.PauseDuration = def.PauseDuration
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}

	o := &Orchestrator{
		store:     deps.Store,
		knowledge: deps.Knowledge,
		commodity: deps.Commodity,
		tax:       deps.Tax,
		feedback:  deps.Feedback,
		enricher:  NewEnricher(cfg.Abbreviations),
		logger:    slog.Default(),
		now:       time.Now,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.aggregator = aggregate.NewEngine(cfg.Aggregation, common.Component(o.logger, "aggregation"))
	o.logger = common.Component(o.logger, "orchestrator")
	return o, nil
}

// SubmitBatch aggregates the records of one tenant and stores them as a new
// batch with every group pending. It does not classify anything.
func (o *Orchestrator) SubmitBatch(ctx context.Context, tenantID string, records []model.ProductRecord, strategy model.Strategy) (*model.Batch, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, common.InputError("a tenant is required", nil)
	}
	if len(records) == 0 {
		return nil, common.InputError("the batch has no product records", common.ErrNoRecords)
	}
	if strategy.Name == "" {
		strategy = model.DefaultStrategy()
	}
	if err := strategy.Validate(); err != nil {
		return nil, common.InputError("the strategy is invalid", err)
	}

	seen := make(map[string]bool, len(records))
	prepared := make([]model.ProductRecord, len(records))
	for i, r := range records {
		if r.SourceID == "" {
			return nil, common.InputError(fmt.Sprintf("record %d has no source id", i+1), nil)
		}
		if seen[r.SourceID] {
			return nil, common.InputError(fmt.Sprintf("source id %s appears more than once", r.SourceID), common.ErrDuplicateEntry)
		}
		seen[r.SourceID] = true
		if r.TenantID == "" {
			r.TenantID = tenantID
		}
		if r.TenantID != tenantID {
			return nil, common.InputError(fmt.Sprintf("record %s belongs to tenant %s", r.SourceID, r.TenantID), nil)
		}
		if r.ImportedAt.IsZero() {
			r.ImportedAt = o.now().UTC()
		}
		prepared[i] = r
	}

	batch := &model.Batch{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Status:    model.BatchSubmitted,
		Strategy:  strategy,
		CreatedAt: o.now().UTC(),
	}
	groups := aggregate.ScopeToBatch(o.aggregator.Aggregate(prepared), batch.ID)
	if err := checkCoverage(prepared, groups); err != nil {
		return nil, err
	}

	if err := o.store.SaveBatch(ctx, batch, prepared, groups); err != nil {
		return nil, fmt.Errorf("failed to save batch: %w", err)
	}
	for _, g := range groups {
		if err := o.store.SaveProgress(ctx, &model.GroupProgress{
			GroupID:   g.ID,
			BatchID:   batch.ID,
			State:     model.StatePending,
			UpdatedAt: o.now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("failed to initialize group %s: %w", g.ID, err)
		}
		o.audit(ctx, &model.AuditEntry{
			GroupID:  g.ID,
			BatchID:  batch.ID,
			TenantID: tenantID,
			Agent:    model.AgentAggregation,
			State:    model.StatePending,
			Input:    model.Snapshot(g.MemberIDs),
			Output: model.Snapshot(map[string]any{
				"method":                  g.Method,
				"representative":          g.Representative,
				"existing_commodity_code": g.ExistingCommodityCode,
				"existing_tax_code":       g.ExistingTaxCode,
			}),
		})
	}

	o.logger.Info("batch submitted",
		"batch_id", batch.ID,
		"tenant_id", tenantID,
		"records", batch.RecordCount,
		"groups", batch.GroupCount,
		"strategy", strategy.Name)
	return batch, nil
}

// checkCoverage verifies every record landed in exactly one group.
func checkCoverage(records []model.ProductRecord, groups []model.AggregateGroup) error {
	owner := make(map[string]string, len(records))
	for _, g := range groups {
		for _, id := range g.MemberIDs {
			if prev, ok := owner[id]; ok {
				return common.ConsistencyError(
					fmt.Sprintf("record %s was placed in two groups", id),
					fmt.Errorf("groups %s and %s", prev, g.ID))
			}
			owner[id] = g.ID
		}
	}
	for _, r := range records {
		if _, ok := owner[r.SourceID]; !ok {
			return common.ConsistencyError(fmt.Sprintf("record %s was not placed in any group", r.SourceID), nil)
		}
	}
	return nil
}

// Reclassify re-enters one terminal group from pending and runs it to a new
// terminal state. Other groups of the batch are untouched.
func (o *Orchestrator) Reclassify(ctx context.Context, groupID string) (*model.ClassificationDecision, error) {
	group, err := o.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	batch, err := o.store.GetBatch(ctx, group.BatchID)
	if err != nil {
		return nil, err
	}
	prev, err := o.store.GetProgress(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !prev.State.IsTerminal() {
		return nil, fmt.Errorf("%w: group %s is %s; resume the batch instead", common.ErrInvalidTransition, groupID, prev.State)
	}

	release, ok := o.claim(groupID)
	if !ok {
		return nil, fmt.Errorf("%w: group %s is already being processed", common.ErrInvalidTransition, groupID)
	}
	defer release()

	progress := &model.GroupProgress{
		GroupID:   groupID,
		BatchID:   group.BatchID,
		State:     model.StatePending,
		Attempt:   prev.Attempt + 1,
		UpdatedAt: o.now().UTC(),
	}
	if err := o.store.SaveProgress(ctx, progress); err != nil {
		return nil, fmt.Errorf("failed to reset group %s: %w", groupID, err)
	}
	o.audit(ctx, &model.AuditEntry{
		GroupID:  groupID,
		BatchID:  group.BatchID,
		TenantID: group.TenantID,
		Agent:    model.AgentOrchestrator,
		State:    model.StatePending,
		Input:    model.Snapshot(map[string]any{"action": "reclassify", "previous_state": prev.State}),
		Output:   model.Snapshot(map[string]any{"attempt": progress.Attempt}),
	})

	company, err := o.company(ctx, batch.TenantID)
	if err != nil {
		return nil, err
	}
	if _, err := o.processGroup(ctx, batch, group, progress, company); err != nil {
		return nil, err
	}
	return o.store.GetDecision(ctx, groupID)
}

// Decision returns the latest decision of a group.
func (o *Orchestrator) Decision(ctx context.Context, groupID string) (*model.ClassificationDecision, error) {
	return o.store.GetDecision(ctx, groupID)
}

// ListAudit returns ledger entries in append order.
func (o *Orchestrator) ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	return o.store.QueryAudit(ctx, filter)
}

// ReviewQueue lists needs_review decisions no reviewer has handled yet,
// least confident first.
func (o *Orchestrator) ReviewQueue(ctx context.Context, filter service.DecisionFilter) ([]model.ClassificationDecision, error) {
	if filter.Disposition == "" {
		filter.Disposition = model.DispositionNeedsReview
	}
	filter.Unreviewed = true
	return o.store.ListDecisions(ctx, filter)
}

// Group returns an aggregate group.
func (o *Orchestrator) Group(ctx context.Context, groupID string) (*model.AggregateGroup, error) {
	return o.store.GetGroup(ctx, groupID)
}

func (o *Orchestrator) company(ctx context.Context, tenantID string) (model.CompanyContext, error) {
	facts, err := o.store.ActivityFacts(ctx, tenantID)
	if err != nil {
		return model.CompanyContext{}, fmt.Errorf("failed to load activity facts of %s: %w", tenantID, err)
	}
	return model.CompanyContext{TenantID: tenantID, Activities: facts}, nil
}

// claim marks a group as in flight. The returned function releases it.
func (o *Orchestrator) claim(groupID string) (func(), bool) {
	if _, busy := o.claims.LoadOrStore(groupID, struct{}{}); busy {
		return nil, false
	}
	return func() { o.claims.Delete(groupID) }, true
}

// audit appends a ledger entry. A ledger failure is logged and does not stop
// the group; the decision itself is still persisted.
func (o *Orchestrator) audit(ctx context.Context, entry *model.AuditEntry) string {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = o.now().UTC()
	}
	id, err := o.store.RecordAudit(ctx, entry)
	if err != nil {
		o.logger.Error("failed to record audit entry",
			"group_id", entry.GroupID,
			"agent", entry.Agent,
			"error", err)
		return ""
	}
	return id
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
