// Package commodity resolves the commodity code of an aggregate group, either
// confirming the code already on the record or determining a new one through
// the general rules of interpretation.
package commodity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/aggregate"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/llm"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

// Action is what the agent concluded about the record's code.
type Action string

// Agent actions.
const (
	ActionConfirmExisting Action = "confirm_existing"
	ActionDetermineNew    Action = "determine_new"
)

const searchLimit = 200

// FeedbackSource looks up curated reviewer decisions. Both methods return an
// error wrapping common.ErrNotFound when nothing is stored.
type FeedbackSource interface {
	Lookup(ctx context.Context, signature string) (*model.FeedbackEntry, error)
	LookupDescription(ctx context.Context, normalizedDescription string) (*model.FeedbackEntry, error)
}

// Input is one resolution request.
type Input struct {
	Company      model.CompanyContext
	Strategy     model.Strategy
	GroupID      string
	Description  string
	ExistingCode string
}

// Result is the agent's answer. Candidates is never empty.
type Result struct {
	// Err is the dependency failure that forced a degraded result, if any.
	Err        error
	Feedback   *model.FeedbackEntry
	Action     Action
	Candidates model.Candidates
	Refs       []model.KnowledgeRef
	Degraded   bool
}

// Top returns the best candidate.
func (r *Result) Top() *model.Candidate {
	return r.Candidates.Top()
}

// Agent resolves commodity codes against the knowledge store.
type Agent struct {
	knowledge service.KnowledgeStore
	client    llm.Client
	feedback  FeedbackSource
	logger    *slog.Logger
	retry     common.RetryOptions
}

// Option configures an Agent.
type Option func(*Agent)

// WithRetryOptions overrides the retry policy for knowledge lookups.
func WithRetryOptions(opts common.RetryOptions) Option {
	return func(a *Agent) {
		a.retry = opts
	}
}

// NewAgent creates a commodity agent. client and feedback may be nil, in
// which case the agent works from the rule chain alone.
func NewAgent(knowledge service.KnowledgeStore, client llm.Client, feedback FeedbackSource, logger *slog.Logger, opts ...Option) *Agent {
	logger = common.Component(logger, "commodity")
	a := &Agent{
		knowledge: knowledge,
		client:    client,
		feedback:  feedback,
		logger:    logger,
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

// Resolve never fails: dependency failures after retries are reported on the
// result as a zero-confidence candidate with ResolutionError set.
func (a *Agent) Resolve(ctx context.Context, in Input) *Result {
	strategy := in.Strategy
	if strategy.Name == "" {
		strategy = model.DefaultStrategy()
	}
	in.ExistingCode = model.NormalizeCommodityCode(in.ExistingCode)
	normalized := aggregate.Normalize(in.Description)

	prior := a.feedbackPrior(ctx, normalized, in.ExistingCode)
	if prior != nil && prior.Confidence >= strategy.FeedbackThreshold {
		a.logger.Debug("using curated feedback",
			"group_id", in.GroupID,
			"code", prior.CommodityCode,
			"confidence", prior.Confidence)
		action := ActionDetermineNew
		if prior.CommodityCode == in.ExistingCode {
			action = ActionConfirmExisting
		}
		return &Result{
			Action:     action,
			Candidates: model.Candidates{feedbackCandidate(prior)},
			Feedback:   prior,
		}
	}

	res := &Result{Action: ActionDetermineNew, Feedback: prior}
	var extra model.Candidates
	if prior != nil {
		extra = append(extra, feedbackCandidate(prior))
	}

	if in.ExistingCode != "" {
		existing, err := a.confirm(ctx, in, strategy)
		if err != nil {
			return a.degrade(res, in, err, extra)
		}
		if existing != nil {
			if existing.Confidence >= strategy.ConfirmThreshold {
				res.Action = ActionConfirmExisting
				res.Candidates = model.Candidates{*existing}
				res.Refs = res.Candidates.Refs()
				return res
			}
			extra = append(extra, *existing)
		}
	}

	determined, err := a.determine(ctx, in, strategy)
	if err != nil {
		return a.degrade(res, in, err, append(determined, extra...))
	}

	candidates := mergeCandidates(append(determined, extra...))
	if len(candidates) == 0 {
		candidates = model.Candidates{model.NoMatchCandidate("no heading of the nomenclature matches the description", false)}
	}
	res.Candidates = candidates.TopN(max(strategy.MaxCandidates, 1))
	res.Refs = res.Candidates.Refs()
	return res
}

func (a *Agent) feedbackPrior(ctx context.Context, normalized, existing string) *model.FeedbackEntry {
	if a.feedback == nil || normalized == "" {
		return nil
	}
	if existing != "" {
		entry, err := a.feedback.Lookup(ctx, model.Signature(normalized, existing))
		if err == nil {
			return entry
		}
		if !errors.Is(err, common.ErrNotFound) {
			a.logger.Warn("feedback lookup failed", "error", err)
			return nil
		}
	}
	entry, err := a.feedback.LookupDescription(ctx, normalized)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			a.logger.Warn("feedback lookup failed", "error", err)
		}
		return nil
	}
	return entry
}

func feedbackCandidate(entry *model.FeedbackEntry) model.Candidate {
	return model.Candidate{
		Code:          entry.CommodityCode,
		Justification: fmt.Sprintf("confirmed by reviewer %s", entry.ReviewerID),
		Source:        model.SourceFeedback,
		Confidence:    entry.Confidence,
	}
}

// confirm checks the existing code. It returns nil when the code fails the
// structural check.
func (a *Agent) confirm(ctx context.Context, in Input, strategy model.Strategy) (*model.Candidate, error) {
	path, err := a.path(ctx, in.ExistingCode)
	if isStructural(err) {
		a.logger.Info("existing code failed the structural check",
			"group_id", in.GroupID,
			"code", in.ExistingCode,
			"error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	item := path[len(path)-1]
	candidate := &model.Candidate{
		Code:          item.Code,
		Label:         item.Description,
		Source:        model.SourceExisting,
		KnowledgeRefs: pathRefs(path),
		RulesApplied:  []string{RuleStructuralCheck},
	}

	if strategy.RulesOnly || a.client == nil {
		product := aggregate.Keywords(in.Description)
		coverage := fraction(product, pathTokens(path))
		candidate.Confidence = 0.2
		if coverage > 0 {
			candidate.Confidence = 0.5 + 0.5*coverage
		}
		candidate.Justification = fmt.Sprintf("%.0f%% of the description terms appear along the code's hierarchy path", coverage*100)
		return candidate, nil
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		Prompt: buildJudgmentPrompt(in, item.Code, path),
		Schema: judgmentSchema,
	})
	if err != nil {
		return nil, err
	}
	judgment, err := llm.ParseJudgment(resp)
	if err != nil {
		return nil, common.DependencyError("language model returned an unreadable judgment", err)
	}

	candidate.Confidence = judgment.Confidence
	if !judgment.Consistent {
		candidate.Confidence = 1 - judgment.Confidence
	}
	candidate.Justification = judgment.Justification
	candidate.RulesApplied = append(candidate.RulesApplied, "llm-judgment")
	return candidate, nil
}

// determine walks the hierarchy with the rule chain and, unless the strategy
// is rules-only, asks the model to rank the shortlist.
func (a *Agent) determine(ctx context.Context, in Input, strategy model.Strategy) (model.Candidates, error) {
	product := aggregate.Keywords(in.Description)
	if len(product) == 0 {
		return nil, nil
	}

	rules, err := a.interpretationRules(ctx)
	if err != nil {
		return nil, err
	}

	var hits []model.CommodityNode
	err = a.withRetry(ctx, func(ctx context.Context) error {
		var searchErr error
		hits, searchErr = a.knowledge.SearchNodes(ctx, service.NodeQuery{Terms: product, Limit: searchLimit})
		return searchErr
	})
	if err != nil {
		return nil, err
	}

	evidence := collectEvidence(hits)
	headings, err := a.headings(ctx, product, hits, evidence)
	if err != nil || len(headings) == 0 {
		return nil, err
	}

	limit := max(strategy.MaxCandidates, 1)
	ceiling := max(strategy.AutoApplyThreshold-0.01, 0)

	var candidates model.Candidates
	var shortlist []shortlistEntry
	remaining := headings
	for len(remaining) > 0 && len(candidates) < limit {
		heading, rule := applyChain(product, remaining)
		remaining = without(remaining, heading.node.Code)

		path, applied, qualities, err := a.descend(ctx, product, heading, rule, evidence)
		if err != nil {
			return candidates, err
		}
		if path == nil {
			continue
		}

		item := path[len(path)-1]
		chainScore := 0.5*fraction(product, pathTokens(path)) + 0.5*mean(qualities)
		candidates = append(candidates, model.Candidate{
			Code:          item.Code,
			Label:         item.Description,
			Justification: fmt.Sprintf("heading %s chosen by %s", heading.node.Code, strings.ToUpper(rule.id)),
			Source:        model.SourceRules,
			KnowledgeRefs: append(pathRefs(path), ruleRefs(applied, rules)...),
			RulesApplied:  applied,
			Confidence:    chainScore * ceiling,
		})
		shortlist = append(shortlist, shortlistEntry{code: item.Code, path: path})
	}

	if strategy.RulesOnly || a.client == nil || len(shortlist) == 0 {
		return candidates, nil
	}
	return a.rank(ctx, in, shortlist, candidates, rules)
}

// headings maps search hits onto their headings and scores each heading.
func (a *Agent) headings(ctx context.Context, product []string, hits []model.CommodityNode, evidence map[string][]string) ([]scoredNode, error) {
	var headings []scoredNode
	seen := make(map[string]bool)
	for _, hit := range hits {
		if len(hit.Code) < int(model.LevelHeading) {
			continue
		}
		code := hit.Code[:model.LevelHeading]
		if seen[code] {
			continue
		}
		seen[code] = true

		node, err := a.node(ctx, code)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		headings = append(headings, score(product, *node, evidence[code]))
	}
	return headings, nil
}

// descend applies the chain again at each lower level of the heading.
// It returns a nil path when the heading has no complete item branch.
func (a *Agent) descend(ctx context.Context, product []string, heading scoredNode, rule interpretationRule, evidence map[string][]string) ([]model.CommodityNode, []string, []float64, error) {
	chapter, err := a.node(ctx, heading.node.Code[:model.LevelChapter])
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, err
	}

	path := []model.CommodityNode{*chapter, heading.node}
	applied := []string{rule.id}
	qualities := []float64{rule.quality}

	current := heading.node
	for len(current.Code) < int(model.LevelItem) {
		var children []model.CommodityNode
		err := a.withRetry(ctx, func(ctx context.Context) error {
			var childErr error
			children, childErr = a.knowledge.Children(ctx, current.Code)
			return childErr
		})
		if err != nil {
			return nil, nil, nil, err
		}
		if len(children) == 0 {
			return nil, nil, nil, nil
		}

		scored := make([]scoredNode, 0, len(children))
		for _, child := range children {
			scored = append(scored, score(product, child, evidence[child.Code]))
		}
		chosen, childRule := applyChain(product, scored)

		applied = append(applied, RuleSubdivisions+":"+childRule.id)
		qualities = append(qualities, childRule.quality)
		path = append(path, chosen.node)
		current = chosen.node
	}
	return path, applied, qualities, nil
}

// rank asks the model to order the shortlist. Proposed codes outside the
// shortlist are kept only when they pass the structural check.
func (a *Agent) rank(ctx context.Context, in Input, shortlist []shortlistEntry, chain model.Candidates, rules []model.InterpretationRule) (model.Candidates, error) {
	resp, err := a.client.Complete(ctx, llm.Request{
		Prompt: buildRankingPrompt(in, shortlist, rules),
		Schema: rankingSchema,
	})
	if err != nil {
		return chain, err
	}
	rankings, err := llm.ParseRankings(resp)
	if err != nil {
		return chain, common.DependencyError("language model returned unreadable rankings", err)
	}

	byCode := make(map[string]model.Candidate, len(chain))
	for _, c := range chain {
		byCode[c.Code] = c
	}

	seen := make(map[string]bool)
	var ranked model.Candidates
	for _, r := range rankings {
		code := model.NormalizeCommodityCode(r.Code)
		if seen[code] {
			continue
		}

		candidate, ok := byCode[code]
		if !ok {
			path, err := a.path(ctx, code)
			if isStructural(err) {
				a.logger.Warn("dropping proposed code that failed the structural check",
					"group_id", in.GroupID,
					"code", r.Code)
				continue
			}
			if err != nil {
				return chain, err
			}
			item := path[len(path)-1]
			candidate = model.Candidate{
				Code:          item.Code,
				Label:         item.Description,
				KnowledgeRefs: pathRefs(path),
				RulesApplied:  []string{RuleModelProposed, RuleStructuralCheck},
			}
		}

		seen[code] = true
		candidate.Source = model.SourceLLM
		candidate.Confidence = r.Confidence
		candidate.Justification = r.Justification
		ranked = append(ranked, candidate)
	}

	for _, c := range chain {
		if !seen[c.Code] {
			ranked = append(ranked, c)
		}
	}
	return ranked, nil
}

func (a *Agent) degrade(res *Result, in Input, err error, partial model.Candidates) *Result {
	a.logger.Warn("commodity resolution degraded",
		"group_id", in.GroupID,
		"error", err)

	res.Err = common.DependencyError("commodity code could not be resolved automatically", err)
	res.Degraded = true
	res.Action = ActionDetermineNew

	candidates := model.Candidates{model.NoMatchCandidate(err.Error(), true)}
	for _, c := range mergeCandidates(partial) {
		c.Confidence = 0
		candidates = append(candidates, c)
	}
	res.Candidates = candidates
	res.Refs = candidates.Refs()
	return res
}

// path returns the chapter-to-item nodes of an 8-digit code.
func (a *Agent) path(ctx context.Context, code string) ([]model.CommodityNode, error) {
	prefixes, err := model.CommodityPrefixes(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrUnknownCode, err)
	}
	path := make([]model.CommodityNode, 0, len(prefixes))
	for _, prefix := range prefixes {
		node, err := a.node(ctx, prefix)
		if err != nil {
			return nil, err
		}
		path = append(path, *node)
	}
	return path, nil
}

func (a *Agent) node(ctx context.Context, code string) (*model.CommodityNode, error) {
	var node *model.CommodityNode
	err := a.withRetry(ctx, func(ctx context.Context) error {
		var nodeErr error
		node, nodeErr = a.knowledge.Node(ctx, code)
		return nodeErr
	})
	return node, err
}

func (a *Agent) interpretationRules(ctx context.Context) ([]model.InterpretationRule, error) {
	var rules []model.InterpretationRule
	err := a.withRetry(ctx, func(ctx context.Context) error {
		var rulesErr error
		rules, rulesErr = a.knowledge.InterpretationRules(ctx)
		return rulesErr
	})
	return rules, err
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

func isStructural(err error) bool {
	return errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrUnknownCode)
}

// collectEvidence credits every ancestor of a hit with the hit's keywords.
func collectEvidence(hits []model.CommodityNode) map[string][]string {
	evidence := make(map[string][]string)
	for _, hit := range hits {
		tokens := aggregate.Keywords(hit.Description)
		for _, level := range model.CommodityLevels {
			if int(level) >= len(hit.Code) {
				break
			}
			prefix := hit.Code[:level]
			evidence[prefix] = append(evidence[prefix], tokens...)
		}
	}
	return evidence
}

func pathTokens(path []model.CommodityNode) []string {
	var tokens []string
	for _, node := range path {
		tokens = append(tokens, aggregate.Keywords(node.Description)...)
	}
	return tokens
}

func pathRefs(path []model.CommodityNode) []model.KnowledgeRef {
	refs := make([]model.KnowledgeRef, 0, len(path))
	for _, node := range path {
		if node.Source.File != "" {
			refs = append(refs, node.Source)
		}
	}
	return refs
}

// ruleRefs resolves applied rule tags such as "gri-6:gri-3a" to their sources.
func ruleRefs(applied []string, rules []model.InterpretationRule) []model.KnowledgeRef {
	byID := make(map[string]model.KnowledgeRef, len(rules))
	for _, rule := range rules {
		byID[rule.ID] = rule.Source
	}
	var refs []model.KnowledgeRef
	seen := make(map[string]bool)
	for _, tag := range applied {
		for _, id := range strings.Split(tag, ":") {
			ref, ok := byID[id]
			if !ok || seen[id] || ref.File == "" {
				continue
			}
			seen[id] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

// mergeCandidates keeps the most confident candidate per code.
func mergeCandidates(candidates model.Candidates) model.Candidates {
	index := make(map[string]int, len(candidates))
	merged := make(model.Candidates, 0, len(candidates))
	for _, c := range candidates {
		if i, ok := index[c.Code]; ok {
			if c.Confidence > merged[i].Confidence {
				merged[i] = c
			}
			continue
		}
		index[c.Code] = len(merged)
		merged = append(merged, c)
	}
	merged.Sort()
	return merged
}

func without(nodes []scoredNode, code string) []scoredNode {
	out := make([]scoredNode, 0, len(nodes))
	for _, n := range nodes {
		if n.node.Code != code {
			out = append(out, n)
		}
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
