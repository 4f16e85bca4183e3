package model

import (
	"encoding/json"
	"time"
)

// Agent names recorded in the audit ledger.
const (
	AgentAggregation  = "aggregation"
	AgentEnrichment   = "enrichment"
	AgentCommodity    = "commodity"
	AgentTaxCode      = "taxcode"
	AgentOrchestrator = "orchestrator"
	AgentReviewer     = "reviewer"
)

// AuditEntry is one immutable ledger record of an agent invocation or review.
type AuditEntry struct {
	CreatedAt     time.Time       `json:"created_at"`
	ID            string          `json:"id"`
	GroupID       string          `json:"group_id"`
	BatchID       string          `json:"batch_id"`
	TenantID      string          `json:"tenant_id"`
	Agent         string          `json:"agent"`
	State         WorkflowState   `json:"state"`
	ReviewerID    string          `json:"reviewer_id,omitempty"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output"`
	KnowledgeRefs []KnowledgeRef  `json:"knowledge_refs,omitempty"`
}

// AuditFilter selects ledger entries. At least one of GroupID, TenantID or BatchID must be set.
type AuditFilter struct {
	From     *time.Time
	To       *time.Time
	GroupID  string
	TenantID string
	BatchID  string
	Agent    string
	Limit    int
}

// Snapshot marshals v for an audit input or output, recording marshal failures inline.
func Snapshot(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"snapshot_error": err.Error()})
	}
	return data
}
