// Package model defines the core domain models used throughout the application.
package model

import (
	"strings"
	"time"
)

// ProductRecord is one product row as extracted from a tenant's source system.
// Records are immutable once ingested; codes applied by the pipeline are kept
// in a separate assignment so the original row is never rewritten.
type ProductRecord struct {
	ImportedAt    time.Time `json:"imported_at"`
	SourceID      string    `json:"source_id"`
	TenantID      string    `json:"tenant_id"`
	Description   string    `json:"description"`
	ProductCode   string    `json:"product_code,omitempty"`
	Barcode       string    `json:"barcode,omitempty"`
	CommodityCode string    `json:"commodity_code,omitempty"`
	TaxCode       string    `json:"tax_code,omitempty"`
}

// HasDescription reports whether the record carries a usable description.
func (r ProductRecord) HasDescription() bool {
	return strings.TrimSpace(r.Description) != ""
}

// AggregationMethod records how the members of a group were merged.
type AggregationMethod string

// Aggregation methods, from most to least trusted.
const (
	MethodExactDescription   AggregationMethod = "exact_description"
	MethodSameCodeSimilar    AggregationMethod = "same_code_similar_description"
	MethodSimilarDescription AggregationMethod = "similar_description_only"
	MethodManual             AggregationMethod = "manual"
)

// Rank orders methods by trust; lower is more trusted.
func (m AggregationMethod) Rank() int {
	switch m {
	case MethodExactDescription:
		return 0
	case MethodSameCodeSimilar:
		return 1
	case MethodSimilarDescription:
		return 2
	default:
		return 3
	}
}

// AggregateGroup is a set of product records believed to denote the same product.
type AggregateGroup struct {
	ID             string            `json:"id"`
	BatchID        string            `json:"batch_id"`
	TenantID       string            `json:"tenant_id"`
	Representative string            `json:"representative"`
	Method         AggregationMethod `json:"method"`
	MemberIDs      []string          `json:"member_ids"`
	// ExistingCommodityCode is the most frequent pre-existing commodity code among members.
	ExistingCommodityCode string `json:"existing_commodity_code,omitempty"`
	// ExistingTaxCode is the most frequent pre-existing tax code among members.
	ExistingTaxCode string `json:"existing_tax_code,omitempty"`
	MemberCount     int    `json:"member_count"`
}

// Batch is one tenant import submitted for classification.
type Batch struct {
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Status      BatchStatus `json:"status"`
	Strategy    Strategy    `json:"strategy"`
	RecordCount int         `json:"record_count"`
	GroupCount  int         `json:"group_count"`
}

// BatchStatus is the coarse lifecycle of a batch.
type BatchStatus string

// Batch statuses.
const (
	BatchSubmitted BatchStatus = "submitted"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchCanceled  BatchStatus = "canceled"
)
