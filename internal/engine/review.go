package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/Veraticus/taxflow/internal/aggregate"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/feedback"
	"github.com/Veraticus/taxflow/internal/model"
)

// ReviewInput is a reviewer's confirmation or correction of a group's
// decision. An empty CommodityCode confirms the decided code.
type ReviewInput struct {
	GroupID       string
	ReviewerID    string
	CommodityCode string
	TaxCode       string
	// TaxState may be set to not_applicable to record that no tax code applies.
	TaxState   model.TaxState
	Note       string
	Confidence float64
}

// Review applies a human decision: the group's decision is updated and
// propagated to its records, a reviewer audit entry is appended, and the
// curated feedback set learns the classification.
func (o *Orchestrator) Review(ctx context.Context, in ReviewInput) (*model.ClassificationDecision, error) {
	in.ReviewerID = strings.TrimSpace(in.ReviewerID)
	if in.ReviewerID == "" {
		return nil, common.InputError("a reviewer id is required", nil)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return nil, common.InputError("confidence must be between 0 and 1", nil)
	}

	decision, err := o.store.GetDecision(ctx, in.GroupID)
	if err != nil {
		return nil, err
	}
	group, err := o.store.GetGroup(ctx, in.GroupID)
	if err != nil {
		return nil, err
	}

	code := model.NormalizeCommodityCode(in.CommodityCode)
	if code == "" {
		code = decision.CommodityCode
	}
	if code == "" {
		return nil, common.InputError("the group has no decided commodity code; provide one", nil)
	}
	if _, err := model.CommodityPrefixes(code); err != nil {
		return nil, common.InputError("the commodity code must have 8 digits", err)
	}

	taxCode, taxState, err := o.reviewedTax(in, decision, code)
	if err != nil {
		return nil, err
	}
	if err := o.checkReviewedCodes(ctx, code, taxCode, taxState); err != nil {
		if common.KindOf(err) == common.KindDependency {
			return nil, err
		}
		return nil, common.InputError(common.ReasonOf(err), err)
	}

	confidence := in.Confidence
	if confidence == 0 {
		confidence = feedback.ReviewerConfidence
	}

	progress, err := o.store.GetProgress(ctx, in.GroupID)
	if err != nil {
		return nil, err
	}
	description := progress.Description
	if description == "" {
		description = group.Representative
	}

	prev := *decision
	now := o.now().UTC()
	decision.CommodityCode = code
	decision.TaxCode = taxCode
	decision.TaxState = taxState
	decision.Confidence = confidence
	decision.ReviewerID = in.ReviewerID
	decision.ReviewedAt = &now
	if err := o.store.SaveDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("failed to save reviewed decision: %w", err)
	}
	assigned, err := o.store.PropagateDecision(ctx, decision)
	if err != nil {
		return nil, fmt.Errorf("failed to propagate reviewed decision: %w", err)
	}

	auditID := o.audit(ctx, &model.AuditEntry{
		GroupID:    group.ID,
		BatchID:    group.BatchID,
		TenantID:   group.TenantID,
		Agent:      model.AgentReviewer,
		State:      decision.FinalState,
		ReviewerID: in.ReviewerID,
		Input: model.Snapshot(map[string]any{
			"commodity_code": prev.CommodityCode,
			"tax_code":       prev.TaxCode,
			"tax_state":      prev.TaxState,
			"disposition":    prev.Disposition,
			"reason":         prev.Reason,
		}),
		Output: model.Snapshot(map[string]any{
			"commodity_code": code,
			"tax_code":       taxCode,
			"tax_state":      taxState,
			"confidence":     confidence,
			"note":           in.Note,
			"corrected":      code != prev.CommodityCode || taxCode != prev.TaxCode,
		}),
	})

	normalized := aggregate.Normalize(description)
	if o.feedback != nil && normalized != "" {
		if _, err := o.feedback.Upsert(ctx, feedback.Correction{
			NormalizedDescription: normalized,
			CommodityCode:         code,
			TaxCode:               taxCode,
			TaxState:              taxState,
			ReviewerID:            in.ReviewerID,
			SourceGroupID:         group.ID,
			SourceAuditID:         auditID,
			Confidence:            confidence,
		}); err != nil {
			return nil, fmt.Errorf("failed to record feedback: %w", err)
		}
	}

	o.logger.Info("group reviewed",
		"group_id", group.ID,
		"reviewer_id", in.ReviewerID,
		"commodity_code", code,
		"tax_code", taxCode,
		"assigned", assigned)
	return decision, nil
}

// reviewedTax decides the tax outcome recorded with a review.
func (o *Orchestrator) reviewedTax(in ReviewInput, decision *model.ClassificationDecision, code string) (string, model.TaxState, error) {
	if raw := strings.TrimSpace(in.TaxCode); raw != "" {
		taxCode := model.NormalizeTaxCode(raw)
		if len(taxCode) != 7 {
			return "", "", common.InputError("the tax code must have 7 digits", nil)
		}
		return taxCode, model.TaxApplied, nil
	}
	switch in.TaxState {
	case model.TaxNotApplicable:
		return "", model.TaxNotApplicable, nil
	case "", model.TaxUnevaluated:
	default:
		return "", "", common.InputError(fmt.Sprintf("tax state %q cannot be set by a reviewer", in.TaxState), nil)
	}
	if code == decision.CommodityCode && decision.TaxState != model.TaxUnevaluated && decision.TaxState != "" {
		return decision.TaxCode, decision.TaxState, nil
	}
	return "", model.TaxUnevaluated, nil
}

func (o *Orchestrator) checkReviewedCodes(ctx context.Context, code, taxCode string, state model.TaxState) error {
	if err := o.checkHierarchy(ctx, code); err != nil {
		return err
	}
	if state == model.TaxApplied {
		return o.checkTaxCoverage(ctx, code, taxCode)
	}
	return nil
}
