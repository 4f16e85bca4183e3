package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/Veraticus/taxflow/internal/aggregate"
	"github.com/Veraticus/taxflow/internal/commodity"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/taxcode"
)

// run carries one group through the state machine.
type run struct {
	batch    *model.Batch
	group    *model.AggregateGroup
	progress *model.GroupProgress
	company  model.CompanyContext
	degraded bool
}

// stepResult is where a step wants the group to go next. A terminal next
// state carries the reason that routed it there.
type stepResult struct {
	reason error
	next   model.WorkflowState
}

func advance(next model.WorkflowState) stepResult {
	return stepResult{next: next}
}

func routeTo(state model.WorkflowState, reason error) stepResult {
	return stepResult{next: state, reason: reason}
}

// processGroup runs a group from its persisted state to a terminal state.
// Each step's outcome is persisted before the next step starts, so a
// resumed group repeats at most the step it was in.
func (o *Orchestrator) processGroup(ctx context.Context, batch *model.Batch, group *model.AggregateGroup, progress *model.GroupProgress, company model.CompanyContext) (GroupOutcome, error) {
	r := &run{batch: batch, group: group, progress: progress, company: company}
	if r.progress.Draft == nil {
		r.progress.Draft = &model.ClassificationDecision{TaxState: model.TaxUnevaluated}
	}

	for !r.progress.State.IsTerminal() {
		var res stepResult
		switch r.progress.State {
		case model.StatePending:
			res = o.validateInput(r)
		case model.StateEnriching:
			res = o.enrich(ctx, r)
		case model.StateResolvingCommodity:
			res = o.resolveCommodity(ctx, r)
		case model.StateResolvingTax:
			res = o.resolveTax(ctx, r)
		case model.StateCrossValidating:
			res = o.crossValidate(ctx, r)
		default:
			return GroupOutcome{}, fmt.Errorf("%w: group %s is in unknown state %q", common.ErrInvalidTransition, group.ID, r.progress.State)
		}

		if res.next.IsTerminal() {
			if err := o.finish(ctx, r, res); err != nil {
				return GroupOutcome{}, err
			}
			break
		}
		if err := o.transition(ctx, r.progress, res.next); err != nil {
			return GroupOutcome{}, err
		}
	}

	outcome := GroupOutcome{
		GroupID:  group.ID,
		State:    r.progress.State,
		Reason:   r.progress.Draft.Reason,
		Members:  group.MemberCount,
		Degraded: r.degraded,
	}
	if o.progress != nil {
		o.progress(outcome)
	}
	return outcome, nil
}

// transition persists the move to next after checking it against the allow-list.
func (o *Orchestrator) transition(ctx context.Context, p *model.GroupProgress, next model.WorkflowState) error {
	if !p.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s for group %s", common.ErrInvalidTransition, p.State, next, p.GroupID)
	}
	prev := p.State
	p.State = next
	p.UpdatedAt = o.now().UTC()
	if err := o.store.SaveProgress(ctx, p); err != nil {
		p.State = prev
		return fmt.Errorf("failed to persist %s for group %s: %w", next, p.GroupID, err)
	}
	o.logger.Debug("group transitioned", "group_id", p.GroupID, "from", prev, "to", next)
	return nil
}

func (o *Orchestrator) validateInput(r *run) stepResult {
	if r.group.Method == model.MethodManual {
		return routeTo(model.StateRejected,
			common.InputError("the product record has no description and must be classified manually", nil))
	}
	if strings.TrimSpace(r.group.Representative) == "" || (len(r.group.MemberIDs) == 0 && r.group.MemberCount == 0) {
		return routeTo(model.StateRejected,
			common.ConsistencyError("aggregation produced a group without a description or members", nil))
	}
	return advance(model.StateEnriching)
}

func (o *Orchestrator) enrich(ctx context.Context, r *run) stepResult {
	raw := r.group.Representative
	enrichment, err := o.enricher.Enrich(raw)
	if err != nil {
		o.logger.Debug("enrichment failed, using raw description", "group_id", r.group.ID, "error", err)
		enrichment = Enrichment{Description: raw}
	}
	r.progress.Description = enrichment.Description

	o.audit(ctx, &model.AuditEntry{
		GroupID:  r.group.ID,
		BatchID:  r.batch.ID,
		TenantID: r.batch.TenantID,
		Agent:    model.AgentEnrichment,
		State:    model.StateEnriching,
		Input:    model.Snapshot(map[string]string{"description": raw}),
		Output:   model.Snapshot(enrichment),
	})
	return advance(model.StateResolvingCommodity)
}

func (o *Orchestrator) resolveCommodity(ctx context.Context, r *run) stepResult {
	strategy := r.batch.Strategy
	in := commodity.Input{
		Company:      r.company,
		Strategy:     strategy,
		GroupID:      r.group.ID,
		Description:  r.description(),
		ExistingCode: r.group.ExistingCommodityCode,
	}
	res := o.commodity.Resolve(ctx, in)

	o.audit(ctx, &model.AuditEntry{
		GroupID:       r.group.ID,
		BatchID:       r.batch.ID,
		TenantID:      r.batch.TenantID,
		Agent:         model.AgentCommodity,
		State:         model.StateResolvingCommodity,
		Input:         model.Snapshot(in),
		Output:        model.Snapshot(commodityOutput(res)),
		KnowledgeRefs: res.Refs,
	})

	draft := r.progress.Draft
	draft.CommodityCandidates = res.Candidates
	top := res.Top()
	if top == nil {
		top = &model.Candidate{}
	}
	draft.CommodityCode = top.Code
	draft.Confidence = top.Confidence

	switch {
	case res.Degraded:
		r.degraded = true
		err := res.Err
		if err == nil {
			err = common.DependencyError("commodity code could not be resolved automatically", nil)
		}
		return routeTo(model.StateNeedsReview, err)
	case top.Code == "":
		return routeTo(model.StateNeedsReview, common.NewUserError("no commodity code matches the description", nil))
	case top.Confidence < strategy.AutoApplyThreshold:
		return routeTo(model.StateNeedsReview, common.NewUserError(fmt.Sprintf(
			"commodity code %s has confidence %.2f, below the auto-apply threshold %.2f",
			model.FormatCommodityCode(top.Code), top.Confidence, strategy.AutoApplyThreshold), nil))
	}
	return advance(model.StateResolvingTax)
}

func commodityOutput(res *commodity.Result) map[string]any {
	out := map[string]any{
		"action":     res.Action,
		"candidates": res.Candidates,
		"degraded":   res.Degraded,
	}
	if res.Feedback != nil {
		out["feedback_signature"] = res.Feedback.Signature
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	return out
}

func (o *Orchestrator) resolveTax(ctx context.Context, r *run) stepResult {
	strategy := r.batch.Strategy
	draft := r.progress.Draft
	in := taxcode.Input{
		At:              o.now(),
		Feedback:        o.taxFeedback(ctx, r.description(), draft.CommodityCode),
		Company:         r.company,
		Strategy:        strategy,
		GroupID:         r.group.ID,
		Description:     r.description(),
		CommodityCode:   draft.CommodityCode,
		ExistingTaxCode: r.group.ExistingTaxCode,
	}
	res := o.tax.Resolve(ctx, in)

	o.audit(ctx, &model.AuditEntry{
		GroupID:  r.group.ID,
		BatchID:  r.batch.ID,
		TenantID: r.batch.TenantID,
		Agent:    model.AgentTaxCode,
		State:    model.StateResolvingTax,
		Input:    model.Snapshot(in),
		Output: model.Snapshot(map[string]any{
			"state":      res.State,
			"candidates": res.Candidates,
			"excluded":   res.Excluded,
			"degraded":   res.Degraded,
		}),
		KnowledgeRefs: res.Refs,
	})

	draft.TaxCandidates = res.Candidates
	draft.TaxState = res.State
	draft.TaxCode = ""

	if res.Degraded {
		r.degraded = true
		err := res.Err
		if err == nil {
			err = common.DependencyError("tax code could not be resolved automatically", nil)
		}
		return routeTo(model.StateNeedsReview, err)
	}
	if res.State != model.TaxApplied {
		return advance(model.StateCrossValidating)
	}

	top := res.Top()
	draft.TaxCode = top.Code
	draft.Confidence = min(draft.Confidence, top.Confidence)
	if top.Confidence < strategy.AutoApplyThreshold {
		return routeTo(model.StateNeedsReview, common.NewUserError(fmt.Sprintf(
			"tax code %s has confidence %.2f, below the auto-apply threshold %.2f",
			model.FormatTaxCode(top.Code), top.Confidence, strategy.AutoApplyThreshold), nil))
	}
	return advance(model.StateCrossValidating)
}

// taxFeedback returns the reviewer decision recorded for this description and
// commodity code, if any.
func (o *Orchestrator) taxFeedback(ctx context.Context, description, code string) *model.FeedbackEntry {
	if o.feedback == nil || code == "" {
		return nil
	}
	entry, err := o.feedback.Lookup(ctx, model.Signature(aggregate.Normalize(description), code))
	if err != nil {
		if !isNotFound(err) {
			o.logger.Warn("feedback lookup failed", "error", err)
		}
		return nil
	}
	return entry
}

// crossValidate re-checks the chosen codes against each other and the hierarchy.
func (o *Orchestrator) crossValidate(ctx context.Context, r *run) stepResult {
	draft := r.progress.Draft
	err := o.checkCodes(ctx, draft.CommodityCode, draft.TaxCode, draft.TaxState)

	o.audit(ctx, &model.AuditEntry{
		GroupID:  r.group.ID,
		BatchID:  r.batch.ID,
		TenantID: r.batch.TenantID,
		Agent:    model.AgentOrchestrator,
		State:    model.StateCrossValidating,
		Input: model.Snapshot(map[string]any{
			"commodity_code": draft.CommodityCode,
			"tax_code":       draft.TaxCode,
			"tax_state":      draft.TaxState,
		}),
		Output: model.Snapshot(map[string]any{"consistent": err == nil, "reason": reasonText(err)}),
	})

	if err != nil {
		if common.KindOf(err) == common.KindDependency {
			r.degraded = true
		}
		return routeTo(model.StateNeedsReview, err)
	}
	return advance(model.StateAutoApplied)
}

// checkCodes verifies every level of the commodity code exists and that the
// tax rule's pattern covers the commodity code.
func (o *Orchestrator) checkCodes(ctx context.Context, commodityCode, taxCode string, state model.TaxState) error {
	if err := o.checkHierarchy(ctx, commodityCode); err != nil {
		return err
	}
	switch state {
	case model.TaxNotApplicable:
		return nil
	case model.TaxApplied:
		return o.checkTaxCoverage(ctx, commodityCode, taxCode)
	default:
		return common.ConflictError("the tax code was never evaluated", nil)
	}
}

func (o *Orchestrator) checkHierarchy(ctx context.Context, commodityCode string) error {
	prefixes, err := model.CommodityPrefixes(commodityCode)
	if err != nil {
		return common.ConflictError("the commodity code is not an 8-digit item", err)
	}
	for _, prefix := range prefixes {
		err := common.WithRetry(ctx, func(ctx context.Context) error {
			_, err := o.knowledge.Node(ctx, prefix)
			if isNotFound(err) {
				return &common.RetryableError{Err: err, Retryable: false}
			}
			return err
		}, o.cfg.Retry)
		if isNotFound(err) {
			return common.ConflictError(fmt.Sprintf("commodity code %s is missing level %s in the nomenclature",
				model.FormatCommodityCode(commodityCode), prefix), err)
		}
		if err != nil {
			return common.DependencyError("the nomenclature could not be consulted for cross validation", err)
		}
	}
	return nil
}

func (o *Orchestrator) checkTaxCoverage(ctx context.Context, commodityCode, taxCode string) error {
	var rules []model.TaxRule
	err := common.WithRetry(ctx, func(ctx context.Context) error {
		var rulesErr error
		rules, rulesErr = o.knowledge.TaxRulesFor(ctx, commodityCode)
		return rulesErr
	}, o.cfg.Retry)
	if err != nil {
		return common.DependencyError("the tax rules could not be consulted for cross validation", err)
	}
	for _, rule := range rules {
		if rule.Code == taxCode && rule.Match(commodityCode) != model.MatchNone {
			return nil
		}
	}
	return common.ConflictError(fmt.Sprintf("tax code %s does not cover commodity code %s",
		model.FormatTaxCode(taxCode), model.FormatCommodityCode(commodityCode)), nil)
}

// finish records the decision, moves the group to its terminal state and,
// for auto_applied, assigns the codes to every member record.
func (o *Orchestrator) finish(ctx context.Context, r *run, res stepResult) error {
	disposition, _ := model.DispositionFor(res.next)
	d := *r.progress.Draft
	d.GroupID = r.group.ID
	d.BatchID = r.batch.ID
	d.TenantID = r.batch.TenantID
	d.Strategy = r.batch.Strategy.Name
	d.FinalState = res.next
	d.Disposition = disposition
	d.DecidedAt = o.now().UTC()
	d.ReviewedAt = nil
	d.ReviewerID = ""
	d.Reason = ""
	if res.reason != nil {
		d.Reason = common.ReasonOf(res.reason)
	}
	if d.TaxState == "" {
		d.TaxState = model.TaxUnevaluated
	}
	d.Confidence = min(max(d.Confidence, 0), 1)

	if err := o.store.SaveDecision(ctx, &d); err != nil {
		return fmt.Errorf("failed to save decision for group %s: %w", r.group.ID, err)
	}
	r.progress.Draft = &d
	if err := o.transition(ctx, r.progress, res.next); err != nil {
		return err
	}

	assigned := 0
	if res.next == model.StateAutoApplied {
		n, err := o.store.PropagateDecision(ctx, &d)
		if err != nil {
			return fmt.Errorf("failed to propagate decision for group %s: %w", r.group.ID, err)
		}
		assigned = n
	}

	o.audit(ctx, &model.AuditEntry{
		GroupID:  r.group.ID,
		BatchID:  r.batch.ID,
		TenantID: r.batch.TenantID,
		Agent:    model.AgentOrchestrator,
		State:    res.next,
		Input:    model.Snapshot(map[string]any{"attempt": r.progress.Attempt}),
		Output: model.Snapshot(map[string]any{
			"disposition":    d.Disposition,
			"commodity_code": d.CommodityCode,
			"tax_code":       d.TaxCode,
			"tax_state":      d.TaxState,
			"confidence":     d.Confidence,
			"reason":         d.Reason,
			"error":          errorText(res.reason),
			"assigned":       assigned,
		}),
		KnowledgeRefs: append(d.CommodityCandidates.Refs(), d.TaxCandidates.Refs()...),
	})

	o.logger.Info("group classified",
		"group_id", r.group.ID,
		"state", res.next,
		"commodity_code", d.CommodityCode,
		"tax_code", d.TaxCode,
		"confidence", d.Confidence,
		"reason", d.Reason)
	return nil
}

func (r *run) description() string {
	if r.progress.Description != "" {
		return r.progress.Description
	}
	return r.group.Representative
}

func reasonText(err error) string {
	if err == nil {
		return ""
	}
	return common.ReasonOf(err)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
