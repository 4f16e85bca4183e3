// Package service defines the interfaces shared between the pipeline and its collaborators.
package service

import (
	"context"

	"github.com/Veraticus/taxflow/internal/model"
)

// NodeQuery selects commodity nodes by description terms.
type NodeQuery struct {
	// Prefix restricts results to descendants of a code.
	Prefix string
	Terms  []string
	Level  model.CommodityLevel
	Limit  int
}

// KnowledgeStore is the read-only structured lookup over the nomenclature and tax rules.
// Lookups of a missing code return an error wrapping common.ErrNotFound.
type KnowledgeStore interface {
	Node(ctx context.Context, code string) (*model.CommodityNode, error)
	Children(ctx context.Context, parent string) ([]model.CommodityNode, error)
	SearchNodes(ctx context.Context, query NodeQuery) ([]model.CommodityNode, error)
	TaxRulesFor(ctx context.Context, commodityCode string) ([]model.TaxRule, error)
	Segment(ctx context.Context, code string) (*model.TaxSegment, error)
	InterpretationRules(ctx context.Context) ([]model.InterpretationRule, error)
}

// KnowledgeWriter replaces the contents of a knowledge store.
type KnowledgeWriter interface {
	LoadKnowledge(ctx context.Context, bundle model.KnowledgeBundle) error
}

// Ledger is the append-only audit trail. No update or delete is exposed.
type Ledger interface {
	RecordAudit(ctx context.Context, entry *model.AuditEntry) (string, error)
	QueryAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error)
}

// FeedbackStore persists the cross-tenant curated feedback set.
type FeedbackStore interface {
	GetFeedback(ctx context.Context, signature string) (*model.FeedbackEntry, error)
	FindFeedbackByDescription(ctx context.Context, normalizedDescription string) ([]model.FeedbackEntry, error)
	UpsertFeedback(ctx context.Context, entry *model.FeedbackEntry) error
	ListFeedback(ctx context.Context, limit int) ([]model.FeedbackEntry, error)
}

// ActivityProvider supplies the business-activity facts of a tenant.
type ActivityProvider interface {
	ActivityFacts(ctx context.Context, tenantID string) (model.ActivitySet, error)
}

// TenantStore manages tenant activity facts.
type TenantStore interface {
	ActivityProvider
	SetActivityFacts(ctx context.Context, tenantID string, tags []string) error
	ListTenants(ctx context.Context) ([]string, error)
}

// DecisionFilter selects stored decisions.
type DecisionFilter struct {
	BatchID     string
	TenantID    string
	Disposition model.Disposition
	// Unreviewed excludes decisions a reviewer already confirmed or corrected.
	Unreviewed bool
	Limit      int
}

// WorkflowStore persists batches, groups, per-group progress, and decisions.
type WorkflowStore interface {
	SaveBatch(ctx context.Context, batch *model.Batch, records []model.ProductRecord, groups []model.AggregateGroup) error
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error
	GetGroups(ctx context.Context, batchID string) ([]model.AggregateGroup, error)
	GetGroup(ctx context.Context, groupID string) (*model.AggregateGroup, error)
	GetGroupRecords(ctx context.Context, groupID string) ([]model.ProductRecord, error)

	SaveProgress(ctx context.Context, progress *model.GroupProgress) error
	GetProgress(ctx context.Context, groupID string) (*model.GroupProgress, error)
	StateCounts(ctx context.Context, batchID string) (map[model.WorkflowState]int, error)

	SaveDecision(ctx context.Context, decision *model.ClassificationDecision) error
	GetDecision(ctx context.Context, groupID string) (*model.ClassificationDecision, error)
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.ClassificationDecision, error)
	PropagateDecision(ctx context.Context, decision *model.ClassificationDecision) (int, error)
}

// Storage is everything the SQLite backend provides.
type Storage interface {
	KnowledgeStore
	KnowledgeWriter
	Ledger
	FeedbackStore
	TenantStore
	WorkflowStore

	Migrate(ctx context.Context) error
	Close() error
}
