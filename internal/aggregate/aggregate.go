package aggregate

import (
	"log/slog"
	"strings"

	"github.com/Veraticus/taxflow/internal/model"
	"github.com/google/uuid"
)

// Default similarity thresholds.
const (
	DefaultCodeThreshold   = 0.6
	DefaultStrictThreshold = 0.85
)

var groupNamespace = uuid.MustParse("6f1c2a9e-3b7d-4f0a-9a51-2d8e4c6b1f03")

// Config holds the similarity thresholds used for merging.
type Config struct {
	// CodeThreshold applies when two groups share a product code.
	CodeThreshold float64
	// StrictThreshold applies when they do not.
	StrictThreshold float64
}

// Engine groups product records. It holds no state between calls.
type Engine struct {
	logger *slog.Logger
	cfg    Config
}

// NewEngine creates an aggregation engine, filling zero thresholds with defaults.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.CodeThreshold <= 0 {
		cfg.CodeThreshold = DefaultCodeThreshold
	}
	if cfg.StrictThreshold <= 0 {
		cfg.StrictThreshold = DefaultStrictThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// cluster is one exact-description group while merging is in progress.
type cluster struct {
	anchor       string
	method       model.AggregationMethod
	members      []model.ProductRecord
	productCodes map[string]bool
	mergedInto   int
}

// Aggregate groups records. Every record lands in exactly one group; records
// whose normalized descriptions are identical always share a group; records
// without a description become singleton manual groups. The output depends
// only on the input order and content.
func (e *Engine) Aggregate(records []model.ProductRecord) []model.AggregateGroup {
	var clusters []*cluster
	var manual []model.AggregateGroup
	byDescription := make(map[string]int)

	for _, record := range records {
		normalized := Normalize(record.Description)
		if normalized == "" {
			manual = append(manual, manualGroup(record))
			continue
		}

		idx, ok := byDescription[normalized]
		if !ok {
			idx = len(clusters)
			byDescription[normalized] = idx
			clusters = append(clusters, &cluster{
				anchor:       normalized,
				method:       model.MethodExactDescription,
				productCodes: make(map[string]bool),
				mergedInto:   -1,
			})
		}
		c := clusters[idx]
		c.members = append(c.members, record)
		if code := strings.TrimSpace(record.ProductCode); code != "" {
			c.productCodes[code] = true
		}
	}

	for i := 1; i < len(clusters); i++ {
		target, method := e.mergeTarget(clusters, i)
		if target < 0 {
			continue
		}
		clusters[i].mergedInto = target
		root := clusters[target]
		root.members = append(root.members, clusters[i].members...)
		for code := range clusters[i].productCodes {
			root.productCodes[code] = true
		}
		if method.Rank() > root.method.Rank() {
			root.method = method
		}
		e.logger.Debug("merged description group",
			"anchor", root.anchor,
			"merged", clusters[i].anchor,
			"method", method)
	}

	groups := make([]model.AggregateGroup, 0, len(clusters)+len(manual))
	for _, c := range clusters {
		if c.mergedInto >= 0 {
			continue
		}
		groups = append(groups, buildGroup(c))
	}
	return append(groups, manual...)
}

// mergeTarget finds the earliest root cluster that cluster i should join.
// A shared product code with the looser threshold wins over a description-only
// match with the strict threshold.
func (e *Engine) mergeTarget(clusters []*cluster, i int) (int, model.AggregationMethod) {
	candidate := clusters[i]
	strictTarget := -1

	for j := 0; j < i; j++ {
		root := clusters[j]
		if root.mergedInto >= 0 {
			continue
		}
		score := Similarity(candidate.anchor, root.anchor)
		if sharesCode(candidate.productCodes, root.productCodes) {
			if score >= e.cfg.CodeThreshold {
				return j, model.MethodSameCodeSimilar
			}
			continue
		}
		if strictTarget < 0 && score >= e.cfg.StrictThreshold {
			strictTarget = j
		}
	}

	if strictTarget >= 0 {
		return strictTarget, model.MethodSimilarDescription
	}
	return -1, ""
}

func sharesCode(a, b map[string]bool) bool {
	for code := range a {
		if b[code] {
			return true
		}
	}
	return false
}

func buildGroup(c *cluster) model.AggregateGroup {
	ids := make([]string, 0, len(c.members))
	descriptions := make([]string, 0, len(c.members))
	commodityCodes := make([]string, 0, len(c.members))
	taxCodes := make([]string, 0, len(c.members))
	for _, m := range c.members {
		ids = append(ids, m.SourceID)
		descriptions = append(descriptions, strings.TrimSpace(m.Description))
		commodityCodes = append(commodityCodes, model.NormalizeCommodityCode(m.CommodityCode))
		taxCodes = append(taxCodes, model.NormalizeTaxCode(m.TaxCode))
	}

	tenant := c.members[0].TenantID
	return model.AggregateGroup{
		ID:                    groupID(tenant, c.anchor),
		TenantID:              tenant,
		Representative:        mostFrequent(descriptions),
		Method:                c.method,
		MemberIDs:             ids,
		MemberCount:           len(ids),
		ExistingCommodityCode: mostFrequent(commodityCodes),
		ExistingTaxCode:       mostFrequent(taxCodes),
	}
}

func manualGroup(record model.ProductRecord) model.AggregateGroup {
	return model.AggregateGroup{
		ID:                    groupID(record.TenantID, "manual:"+record.SourceID),
		TenantID:              record.TenantID,
		Representative:        strings.TrimSpace(record.Description),
		Method:                model.MethodManual,
		MemberIDs:             []string{record.SourceID},
		MemberCount:           1,
		ExistingCommodityCode: model.NormalizeCommodityCode(record.CommodityCode),
		ExistingTaxCode:       model.NormalizeTaxCode(record.TaxCode),
	}
}

// mostFrequent returns the most common non-empty value, breaking ties by first appearance.
func mostFrequent(values []string) string {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		if v != "" {
			counts[v]++
		}
	}
	best, bestCount := "", 0
	for _, v := range values {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best
}

func groupID(tenantID, anchor string) string {
	return uuid.NewSHA1(groupNamespace, []byte(tenantID+"|"+anchor)).String()
}

// ScopeToBatch rewrites group ids so they are unique across batches while
// staying stable for a given batch and input.
func ScopeToBatch(groups []model.AggregateGroup, batchID string) []model.AggregateGroup {
	scoped := make([]model.AggregateGroup, len(groups))
	for i, g := range groups {
		g.ID = uuid.NewSHA1(groupNamespace, []byte(batchID+"|"+g.ID)).String()
		g.BatchID = batchID
		g.MemberIDs = append([]string(nil), g.MemberIDs...)
		scoped[i] = g
	}
	return scoped
}
