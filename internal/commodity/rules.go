package commodity

import (
	"strings"

	"github.com/Veraticus/taxflow/internal/aggregate"
	"github.com/Veraticus/taxflow/internal/model"
)

// Interpretation rule identifiers recorded on candidates.
const (
	RuleDirectHeading      = "gri-1"
	RuleBroadest           = "gri-2"
	RuleMostSpecific       = "gri-3a"
	RuleEssentialCharacter = "gri-3b"
	RuleLatestNumbered     = "gri-3c"
	RuleSubdivisions       = "gri-6"
	RuleStructuralCheck    = "structural-check"
	RuleModelProposed      = "llm-proposed"
)

type ruleOutcome int

const (
	notApplicable ruleOutcome = iota
	matched
)

// scoredNode is a hierarchy node measured against the product description.
type scoredNode struct {
	node model.CommodityNode
	// tokens are the node's own keywords plus those of matching descendants.
	tokens      []string
	coverage    float64
	specificity float64
}

// interpretationRule either settles on a single node or narrows the field for the next rule.
type interpretationRule struct {
	apply func(product []string, nodes []scoredNode) (ruleOutcome, []scoredNode)
	id    string
	// quality is how strongly a match under this rule supports the result.
	quality float64
}

var ruleChain = []interpretationRule{
	{id: RuleDirectHeading, quality: 1.0, apply: directMatch},
	{id: RuleBroadest, quality: 0.8, apply: broadestDescription},
	{id: RuleMostSpecific, quality: 0.65, apply: mostSpecificDescription},
	{id: RuleEssentialCharacter, quality: 0.5, apply: essentialCharacter},
	{id: RuleLatestNumbered, quality: 0.3, apply: latestNumbered},
}

// applyChain runs the rules in precedence order and returns the chosen node
// and the rule that chose it. nodes must not be empty.
func applyChain(product []string, nodes []scoredNode) (scoredNode, interpretationRule) {
	remaining := nodes
	for _, rule := range ruleChain {
		outcome, narrowed := rule.apply(product, remaining)
		if len(narrowed) > 0 {
			remaining = narrowed
		}
		if outcome == matched {
			return remaining[0], rule
		}
	}
	return remaining[len(remaining)-1], ruleChain[len(ruleChain)-1]
}

// directMatch settles when exactly one node shares any term with the product.
func directMatch(_ []string, nodes []scoredNode) (ruleOutcome, []scoredNode) {
	var hits []scoredNode
	for _, n := range nodes {
		if n.coverage > 0 {
			hits = append(hits, n)
		}
	}
	if len(hits) == 1 {
		return matched, hits
	}
	return notApplicable, hits
}

// broadestDescription keeps the nodes covering most of the product text.
func broadestDescription(_ []string, nodes []scoredNode) (ruleOutcome, []scoredNode) {
	return settleOnMax(nodes, func(n scoredNode) float64 { return n.coverage })
}

// mostSpecificDescription prefers the node whose text is most about the product.
func mostSpecificDescription(_ []string, nodes []scoredNode) (ruleOutcome, []scoredNode) {
	return settleOnMax(nodes, func(n scoredNode) float64 { return n.specificity })
}

// essentialCharacter prefers nodes naming the product's leading term.
func essentialCharacter(product []string, nodes []scoredNode) (ruleOutcome, []scoredNode) {
	if len(product) == 0 {
		return notApplicable, nil
	}
	var hits []scoredNode
	for _, n := range nodes {
		if containsToken(n.tokens, product[0]) {
			hits = append(hits, n)
		}
	}
	if len(hits) == 1 {
		return matched, hits
	}
	return notApplicable, hits
}

// latestNumbered breaks any remaining tie with the highest code.
func latestNumbered(_ []string, nodes []scoredNode) (ruleOutcome, []scoredNode) {
	if len(nodes) == 0 {
		return notApplicable, nil
	}
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.node.Code > best.node.Code {
			best = n
		}
	}
	return matched, []scoredNode{best}
}

func settleOnMax(nodes []scoredNode, score func(scoredNode) float64) (ruleOutcome, []scoredNode) {
	if len(nodes) == 0 {
		return notApplicable, nil
	}
	top := score(nodes[0])
	for _, n := range nodes[1:] {
		top = max(top, score(n))
	}
	if top == 0 {
		return notApplicable, nil
	}
	var best []scoredNode
	for _, n := range nodes {
		if score(n) == top {
			best = append(best, n)
		}
	}
	if len(best) == 1 {
		return matched, best
	}
	return notApplicable, best
}

// score measures a node and its descendant evidence against the product keywords.
func score(product []string, node model.CommodityNode, evidence []string) scoredNode {
	tokens := append(aggregate.Keywords(node.Description), evidence...)
	return scoredNode{
		node:        node,
		tokens:      tokens,
		coverage:    fraction(product, tokens),
		specificity: fraction(dedupe(tokens), product),
	}
}

// fraction returns the share of a's tokens that match some token of b.
func fraction(a, b []string) float64 {
	if len(a) == 0 {
		return 0
	}
	hits := 0
	for _, tok := range a {
		if containsToken(b, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(a))
}

func containsToken(tokens []string, want string) bool {
	for _, tok := range tokens {
		if tokenMatch(tok, want) {
			return true
		}
	}
	return false
}

// tokenMatch treats a shared stem of at least four letters as a match
// ("medicamento" and "medicamentos").
func tokenMatch(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) < 4 || len(b) < 4 {
		return false
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
