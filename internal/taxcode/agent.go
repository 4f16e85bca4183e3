// Package taxcode resolves the tax-substitution code that applies to a
// commodity code for a given tenant.
package taxcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/aggregate"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

// Base confidence per match kind. Bands do not overlap once similarity
// (worth at most similarityWeight) is added.
var baseConfidence = map[model.MatchKind]float64{
	model.MatchExact:    0.85,
	model.MatchCategory: 0.7,
	model.MatchList:     0.55,
}

const (
	similarityWeight = 0.1
	existingBoost    = 0.05

	// DefaultConsistencyFloor is the least share of a rule's description
	// keywords that must appear in the product or commodity hierarchy text.
	DefaultConsistencyFloor = 0.15

	lowConsistencyMarker = "consistency:low"
)

// Input is one tax-code resolution request.
type Input struct {
	At              time.Time
	Feedback        *model.FeedbackEntry
	Company         model.CompanyContext
	Strategy        model.Strategy
	GroupID         string
	Description     string
	CommodityCode   string
	ExistingTaxCode string
}

// Exclusion records why a matching rule was dropped.
type Exclusion struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Result is the agent's answer. A zero-survivor outcome is not_applicable
// with no candidates.
type Result struct {
	Err        error
	State      model.TaxState
	Candidates model.Candidates
	Excluded   []Exclusion
	Refs       []model.KnowledgeRef
	Degraded   bool
}

// Top returns the best candidate, or nil when no rule applies.
func (r *Result) Top() *model.Candidate {
	return r.Candidates.Top()
}

// Agent applies the tax-substitution rules.
type Agent struct {
	knowledge service.KnowledgeStore
	logger    *slog.Logger
	now       func() time.Time
	retry     common.RetryOptions
	floor     float64
}

// Option configures an Agent.
type Option func(*Agent)

// WithRetryOptions overrides the retry policy for knowledge lookups.
func WithRetryOptions(opts common.RetryOptions) Option {
	return func(a *Agent) {
		a.retry = opts
	}
}

// WithClock sets the clock used for validity checks when Input.At is zero.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		a.now = now
	}
}

// WithConsistencyFloor sets the minimum description consistency a rule needs
// to be applied without review. Zero disables the check.
func WithConsistencyFloor(floor float64) Option {
	return func(a *Agent) {
		a.floor = floor
	}
}

// NewAgent creates a tax-code agent.
func NewAgent(knowledge service.KnowledgeStore, logger *slog.Logger, opts ...Option) *Agent {
	logger = common.Component(logger, "taxcode")
	a := &Agent{
		knowledge: knowledge,
		logger:    logger,
		now:       time.Now,
		floor:     DefaultConsistencyFloor,
		retry: common.RetryOptions{
			Logger:       logger,
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			CallTimeout:  5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type survivor struct {
	rule       model.TaxRule
	segment    *model.TaxSegment
	kind       model.MatchKind
	similarity float64
	consistent bool
}

// Resolve filters the rules matching the commodity code and ranks the survivors.
func (a *Agent) Resolve(ctx context.Context, in Input) *Result {
	strategy := in.Strategy
	if strategy.Name == "" {
		strategy = model.DefaultStrategy()
	}
	at := in.At
	if at.IsZero() {
		at = a.now()
	}
	code := model.NormalizeCommodityCode(in.CommodityCode)
	if code == "" {
		return &Result{
			State:      model.TaxUnevaluated,
			Candidates: model.Candidates{model.NoMatchCandidate("no commodity code to evaluate", false)},
		}
	}

	var rules []model.TaxRule
	err := a.withRetry(ctx, func(ctx context.Context) error {
		var rulesErr error
		rules, rulesErr = a.knowledge.TaxRulesFor(ctx, code)
		return rulesErr
	})
	if err != nil {
		return a.degrade(in, err)
	}

	res := &Result{}
	description := aggregate.Normalize(in.Description)
	keywords := aggregate.Keywords(in.Description)
	segments := make(map[string]*model.TaxSegment)
	var vocabulary []string
	if len(rules) > 0 && a.floor > 0 {
		if vocabulary, err = a.consistencyContext(ctx, code, keywords); err != nil {
			return a.degrade(in, err)
		}
	}

	var survivors []survivor
	for _, rule := range rules {
		kind := rule.Match(code)
		if kind == model.MatchNone {
			continue
		}
		if term, ok := excludedTerm(description, rule.ExcludedTerms); ok {
			res.exclude(rule, fmt.Sprintf("description mentions excluded term %q", term))
			continue
		}

		segment, err := a.segment(ctx, segments, rule.Segment())
		if err != nil {
			return a.degrade(in, err)
		}
		if segment != nil && segment.RequiredActivity != "" && !in.Company.Activities.Has(segment.RequiredActivity) {
			res.exclude(rule, fmt.Sprintf("segment %s requires activity %s", segment.Code, segment.RequiredActivity))
			continue
		}
		if !rule.EffectiveAt(at) {
			res.exclude(rule, fmt.Sprintf("not in force on %s", at.Format(time.DateOnly)))
			continue
		}

		survivors = append(survivors, survivor{
			rule:       rule,
			segment:    segment,
			kind:       kind,
			similarity: aggregate.Dice(keywords, aggregate.Keywords(rule.Description)),
			consistent: a.floor <= 0 || consistency(rule.Description, vocabulary) >= a.floor,
		})
	}

	if len(survivors) == 0 {
		a.logger.Debug("no tax rule applies",
			"group_id", in.GroupID,
			"commodity_code", code,
			"excluded", len(res.Excluded))
		res.State = model.TaxNotApplicable
		return res
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].kind != survivors[j].kind {
			return survivors[i].kind > survivors[j].kind
		}
		if survivors[i].similarity != survivors[j].similarity {
			return survivors[i].similarity > survivors[j].similarity
		}
		return survivors[i].rule.Code < survivors[j].rule.Code
	})

	candidates := make(model.Candidates, 0, len(survivors))
	for _, s := range survivors {
		candidates = append(candidates, candidateFor(s))
	}
	candidates.Sort()

	if existing := model.NormalizeTaxCode(in.ExistingTaxCode); existing != "" {
		candidates.Boost(existing, existingBoost)
	}
	applyFeedback(candidates, in.Feedback, code)
	holdInconsistent(candidates, strategy.AutoApplyThreshold)

	res.State = model.TaxApplied
	res.Candidates = candidates.TopN(max(strategy.MaxCandidates, 1))
	res.Refs = append(res.Candidates.Refs(), res.Refs...)
	return res
}

func candidateFor(s survivor) model.Candidate {
	refs := []model.KnowledgeRef{s.rule.Source}
	applied := []string{"match:" + s.kind.String()}
	justification := fmt.Sprintf("%s match of %s", s.kind, s.rule.Code)
	if s.segment != nil {
		if s.segment.Source.File != "" {
			refs = append(refs, s.segment.Source)
		}
		applied = append(applied, "segment:"+s.segment.Code)
		justification += fmt.Sprintf(" in segment %s (%s)", s.segment.Code, s.segment.Name)
	}
	if !s.consistent {
		applied = append(applied, lowConsistencyMarker)
		justification += "; rule text does not describe the product"
	}
	return model.Candidate{
		Code:          s.rule.Code,
		Label:         s.rule.Description,
		Justification: justification,
		Source:        model.SourceKnowledge,
		KnowledgeRefs: refs,
		RulesApplied:  applied,
		Confidence:    baseConfidence[s.kind] + similarityWeight*s.similarity,
	}
}

// applyFeedback moves a reviewer-confirmed tax code to the front when it survived filtering.
func applyFeedback(candidates model.Candidates, entry *model.FeedbackEntry, commodityCode string) {
	if entry == nil || entry.TaxCode == "" || model.NormalizeCommodityCode(entry.CommodityCode) != commodityCode {
		return
	}
	want := model.NormalizeTaxCode(entry.TaxCode)
	top := candidates[0].Confidence
	for i := range candidates {
		if candidates[i].Code != want {
			continue
		}
		candidates[i].Source = model.SourceFeedback
		candidates[i].Confidence = min(max(entry.Confidence, top+0.01), 1.0)
		candidates[i].Justification = fmt.Sprintf("confirmed by reviewer %s; %s", entry.ReviewerID, candidates[i].Justification)
		candidates.Sort()
		return
	}
}

// holdInconsistent keeps rules whose text does not fit the product below the
// auto-apply threshold unless a reviewer confirmed them.
func holdInconsistent(candidates model.Candidates, threshold float64) {
	held := false
	for i := range candidates {
		c := &candidates[i]
		if c.Source == model.SourceFeedback || !slices.Contains(c.RulesApplied, lowConsistencyMarker) {
			continue
		}
		if ceiling := max(threshold-0.01, 0); c.Confidence > ceiling {
			c.Confidence = ceiling
			held = true
		}
	}
	if held {
		candidates.Sort()
	}
}

// consistencyContext gathers the product keywords plus the keywords of every
// commodity node on the code's path.
func (a *Agent) consistencyContext(ctx context.Context, code string, keywords []string) ([]string, error) {
	vocabulary := append([]string(nil), keywords...)
	for n := int(model.LevelChapter); n <= len(code); n += 2 {
		var node *model.CommodityNode
		err := a.withRetry(ctx, func(ctx context.Context) error {
			var nodeErr error
			node, nodeErr = a.knowledge.Node(ctx, code[:n])
			return nodeErr
		})
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		vocabulary = append(vocabulary, aggregate.Keywords(node.Description)...)
	}
	return vocabulary, nil
}

// consistency is the share of the rule's keywords found in vocabulary. Tokens
// of four or more characters match on a shared prefix so plurals agree.
func consistency(ruleText string, vocabulary []string) float64 {
	ruleKeywords := aggregate.Keywords(ruleText)
	if len(ruleKeywords) == 0 {
		return 1
	}
	found := 0
	for _, kw := range ruleKeywords {
		if slices.ContainsFunc(vocabulary, func(tok string) bool { return sameStem(kw, tok) }) {
			found++
		}
	}
	return float64(found) / float64(len(ruleKeywords))
}

func sameStem(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) < 4 || len(b) < 4 {
		return false
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

func excludedTerm(description string, terms []string) (string, bool) {
	for _, term := range terms {
		normalized := aggregate.Normalize(term)
		if normalized != "" && common.ContainsWord(description, normalized) {
			return term, true
		}
	}
	return "", false
}

func (r *Result) exclude(rule model.TaxRule, reason string) {
	r.Excluded = append(r.Excluded, Exclusion{Code: rule.Code, Reason: reason})
	r.Refs = append(r.Refs, rule.Source)
}

// segment looks a segment up once per resolution. An undeclared segment
// carries no activity condition.
func (a *Agent) segment(ctx context.Context, cache map[string]*model.TaxSegment, code string) (*model.TaxSegment, error) {
	if seg, ok := cache[code]; ok {
		return seg, nil
	}
	var seg *model.TaxSegment
	err := a.withRetry(ctx, func(ctx context.Context) error {
		var segErr error
		seg, segErr = a.knowledge.Segment(ctx, code)
		return segErr
	})
	if errors.Is(err, common.ErrNotFound) {
		cache[code] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cache[code] = seg
	return seg, nil
}

func (a *Agent) degrade(in Input, err error) *Result {
	a.logger.Warn("tax code resolution degraded",
		"group_id", in.GroupID,
		"error", err)
	return &Result{
		Err:        common.DependencyError("tax code could not be resolved automatically", err),
		State:      model.TaxUnevaluated,
		Candidates: model.Candidates{model.NoMatchCandidate(err.Error(), true)},
		Degraded:   true,
	}
}

// withRetry retries knowledge calls; a missing entry is an answer, not a failure.
func (a *Agent) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	return common.WithRetry(ctx, func(ctx context.Context) error {
		err := op(ctx)
		if errors.Is(err, common.ErrNotFound) {
			return &common.RetryableError{Err: err, Retryable: false}
		}
		return err
	}, a.retry)
}
