package model

import (
	"fmt"
	"time"
)

// WorkflowState is the position of a group in the reconciliation state machine.
type WorkflowState string

// Workflow states.
const (
	StatePending            WorkflowState = "pending"
	StateEnriching          WorkflowState = "enriching"
	StateResolvingCommodity WorkflowState = "resolving_commodity"
	StateResolvingTax       WorkflowState = "resolving_tax"
	StateCrossValidating    WorkflowState = "cross_validating"
	StateAutoApplied        WorkflowState = "auto_applied"
	StateNeedsReview        WorkflowState = "needs_review"
	StateRejected           WorkflowState = "rejected"
)

// AllWorkflowStates lists every state in pipeline order.
var AllWorkflowStates = []WorkflowState{
	StatePending,
	StateEnriching,
	StateResolvingCommodity,
	StateResolvingTax,
	StateCrossValidating,
	StateAutoApplied,
	StateNeedsReview,
	StateRejected,
}

// IsTerminal reports whether the state is terminal.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case StateAutoApplied, StateNeedsReview, StateRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows moving from s to next.
// Any non-terminal state may short-circuit to needs_review or rejected; terminal
// states may only be re-entered from pending through reclassification.
func (s WorkflowState) CanTransition(next WorkflowState) bool {
	if next == StateNeedsReview || next == StateRejected {
		return !s.IsTerminal()
	}
	switch s {
	case StatePending:
		return next == StateEnriching
	case StateEnriching:
		return next == StateResolvingCommodity
	case StateResolvingCommodity:
		return next == StateResolvingTax
	case StateResolvingTax:
		return next == StateCrossValidating
	case StateCrossValidating:
		return next == StateAutoApplied
	default:
		return false
	}
}

// ParseWorkflowState validates a persisted state name.
func ParseWorkflowState(s string) (WorkflowState, error) {
	for _, state := range AllWorkflowStates {
		if string(state) == s {
			return state, nil
		}
	}
	return "", fmt.Errorf("unknown workflow state %q", s)
}

// Disposition is the terminal outcome of a classification attempt.
type Disposition string

// Dispositions.
const (
	DispositionAutoApplied Disposition = "auto_applied"
	DispositionNeedsReview Disposition = "needs_review"
	DispositionRejected    Disposition = "rejected"
)

// DispositionFor maps a terminal workflow state to its disposition.
func DispositionFor(s WorkflowState) (Disposition, bool) {
	switch s {
	case StateAutoApplied:
		return DispositionAutoApplied, true
	case StateNeedsReview:
		return DispositionNeedsReview, true
	case StateRejected:
		return DispositionRejected, true
	default:
		return "", false
	}
}

// TaxState distinguishes a tax code that was never evaluated from one that does not apply.
type TaxState string

// Tax states.
const (
	TaxUnevaluated   TaxState = "unevaluated"
	TaxNotApplicable TaxState = "not_applicable"
	TaxApplied       TaxState = "applied"
)

// ClassificationDecision is the finalized outcome for a group. A group owns
// only its latest decision; history lives in the audit ledger.
type ClassificationDecision struct {
	DecidedAt           time.Time     `json:"decided_at"`
	ReviewedAt          *time.Time    `json:"reviewed_at,omitempty"`
	GroupID             string        `json:"group_id"`
	BatchID             string        `json:"batch_id"`
	TenantID            string        `json:"tenant_id"`
	CommodityCode       string        `json:"commodity_code,omitempty"`
	TaxCode             string        `json:"tax_code,omitempty"`
	TaxState            TaxState      `json:"tax_state"`
	Disposition         Disposition   `json:"disposition"`
	FinalState          WorkflowState `json:"final_state"`
	Reason              string        `json:"reason,omitempty"`
	Strategy            string        `json:"strategy"`
	ReviewerID          string        `json:"reviewer_id,omitempty"`
	CommodityCandidates Candidates    `json:"commodity_candidates"`
	TaxCandidates       Candidates    `json:"tax_candidates,omitempty"`
	Confidence          float64       `json:"confidence"`
}

// SuggestedCommodityCode is the decided code, or the best usable candidate
// when the pipeline stopped before deciding one.
func (d ClassificationDecision) SuggestedCommodityCode() string {
	if d.CommodityCode != "" {
		return d.CommodityCode
	}
	for _, c := range d.CommodityCandidates {
		if c.Code != "" && !c.ResolutionError {
			return c.Code
		}
	}
	return ""
}

// NeedsReason reports whether the disposition must carry a reason string.
func (d ClassificationDecision) NeedsReason() bool {
	return d.Disposition == DispositionNeedsReview || d.Disposition == DispositionRejected
}

// GroupProgress is the persisted position of one group in the state machine.
type GroupProgress struct {
	UpdatedAt time.Time     `json:"updated_at"`
	GroupID   string        `json:"group_id"`
	BatchID   string        `json:"batch_id"`
	State     WorkflowState `json:"state"`
	// Description is the enriched description once the group has left enriching.
	Description string `json:"description,omitempty"`
	// Draft carries agent results between states so a resumed group does not repeat them.
	Draft   *ClassificationDecision `json:"draft,omitempty"`
	Attempt int                     `json:"attempt"`
}

// Strategy is the classification policy applied to one batch.
type Strategy struct {
	Name string `json:"name" mapstructure:"name"`
	// AutoApplyThreshold is the minimum confidence of both agents for auto_applied.
	AutoApplyThreshold float64 `json:"auto_apply_threshold" mapstructure:"auto_apply_threshold"`
	// ConfirmThreshold is the minimum judgment confidence to confirm an existing code.
	ConfirmThreshold float64 `json:"confirm_threshold" mapstructure:"confirm_threshold"`
	// FeedbackThreshold is the minimum feedback confidence to skip the language model.
	FeedbackThreshold float64 `json:"feedback_threshold" mapstructure:"feedback_threshold"`
	MaxCandidates     int     `json:"max_candidates" mapstructure:"max_candidates"`
	// RulesOnly disables language model calls entirely.
	RulesOnly bool `json:"rules_only" mapstructure:"rules_only"`
}

// DefaultStrategy returns the built-in balanced strategy.
func DefaultStrategy() Strategy {
	return Strategy{
		Name:               "default",
		AutoApplyThreshold: 0.7,
		ConfirmThreshold:   0.75,
		FeedbackThreshold:  0.9,
		MaxCandidates:      5,
	}
}

// Validate ensures the strategy thresholds are usable.
func (s Strategy) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	for name, v := range map[string]float64{
		"auto_apply_threshold": s.AutoApplyThreshold,
		"confirm_threshold":    s.ConfirmThreshold,
		"feedback_threshold":   s.FeedbackThreshold,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("strategy %s: %s must be in (0,1], got %.2f", s.Name, name, v)
		}
	}
	if s.MaxCandidates <= 0 {
		return fmt.Errorf("strategy %s: max_candidates must be positive", s.Name)
	}
	return nil
}
