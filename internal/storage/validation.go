// Package storage provides the SQLite persistence layer for knowledge, the
// audit ledger, curated feedback, and batch workflow state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/taxflow/internal/model"
)

// Validation errors.
var (
	ErrNilContext       = errors.New("context cannot be nil")
	ErrEmptyString      = errors.New("string parameter cannot be empty")
	ErrNilParameter     = errors.New("parameter cannot be nil")
	ErrInvalidDateRange = errors.New("start date must be before end date")
	ErrInvalidAudit     = errors.New("invalid audit entry")
	ErrInvalidFeedback  = errors.New("invalid feedback entry")
	ErrInvalidBatch     = errors.New("invalid batch")
	ErrInvalidDecision  = errors.New("invalid decision")
	ErrUnscopedQuery    = errors.New("audit query must be scoped by group, tenant, or batch")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateAudit(entry *model.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: audit entry", ErrNilParameter)
	}
	if strings.TrimSpace(entry.Agent) == "" {
		return fmt.Errorf("%w: missing agent", ErrInvalidAudit)
	}
	if entry.GroupID == "" && entry.TenantID == "" && entry.BatchID == "" {
		return fmt.Errorf("%w: entry is not attached to a group, tenant, or batch", ErrInvalidAudit)
	}
	return nil
}

func validateAuditFilter(filter model.AuditFilter) error {
	if filter.GroupID == "" && filter.TenantID == "" && filter.BatchID == "" {
		return ErrUnscopedQuery
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return fmt.Errorf("%w: %v is before %v", ErrInvalidDateRange, *filter.To, *filter.From)
	}
	return nil
}

func validateFeedback(entry *model.FeedbackEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: feedback entry", ErrNilParameter)
	}
	if entry.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidFeedback)
	}
	if entry.CommodityCode == "" {
		return fmt.Errorf("%w: missing commodity code", ErrInvalidFeedback)
	}
	if entry.ReviewerID == "" {
		return fmt.Errorf("%w: missing reviewer", ErrInvalidFeedback)
	}
	if entry.Confidence < 0 || entry.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidFeedback)
	}
	return nil
}

func validateBatch(batch *model.Batch, groups []model.AggregateGroup) error {
	if batch == nil {
		return fmt.Errorf("%w: batch", ErrNilParameter)
	}
	if batch.ID == "" || batch.TenantID == "" {
		return fmt.Errorf("%w: missing id or tenant", ErrInvalidBatch)
	}
	for i, g := range groups {
		if g.ID == "" {
			return fmt.Errorf("%w: group at index %d has no id", ErrInvalidBatch, i)
		}
		if g.BatchID != batch.ID {
			return fmt.Errorf("%w: group %s belongs to batch %q", ErrInvalidBatch, g.ID, g.BatchID)
		}
	}
	return nil
}

func validateDecision(d *model.ClassificationDecision) error {
	if d == nil {
		return fmt.Errorf("%w: decision", ErrNilParameter)
	}
	if d.GroupID == "" || d.BatchID == "" {
		return fmt.Errorf("%w: missing group or batch", ErrInvalidDecision)
	}
	if _, ok := model.DispositionFor(d.FinalState); !ok {
		return fmt.Errorf("%w: final state %q is not terminal", ErrInvalidDecision, d.FinalState)
	}
	if d.NeedsReason() && strings.TrimSpace(d.Reason) == "" {
		return fmt.Errorf("%w: %s decisions must carry a reason", ErrInvalidDecision, d.Disposition)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidDecision)
	}
	return nil
}
