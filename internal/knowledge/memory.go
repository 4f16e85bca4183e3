// Package knowledge loads the commodity nomenclature, tax rules, and
// interpretation-rule text, and serves them from memory.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Veraticus/taxflow/internal/aggregate"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

// MemoryStore is a concurrency-safe in-memory KnowledgeStore.
type MemoryStore struct {
	nodes    map[string]model.CommodityNode
	children map[string][]string
	segments map[string]model.TaxSegment
	rules    []model.TaxRule
	gri      []model.InterpretationRule
	mu       sync.RWMutex
}

// NewMemoryStore creates a store holding bundle.
func NewMemoryStore(bundle model.KnowledgeBundle) *MemoryStore {
	s := &MemoryStore{}
	_ = s.LoadKnowledge(context.Background(), bundle)
	return s
}

// LoadKnowledge replaces the store's contents.
func (s *MemoryStore) LoadKnowledge(_ context.Context, bundle model.KnowledgeBundle) error {
	nodes := make(map[string]model.CommodityNode, len(bundle.Nodes))
	children := make(map[string][]string)
	for _, n := range bundle.Nodes {
		n.Code = model.NormalizeCommodityCode(n.Code)
		if level, ok := model.LevelOf(n.Code); ok {
			n.Level = level
		}
		if _, dup := nodes[n.Code]; !dup {
			parent := model.ParentCode(n.Code)
			children[parent] = append(children[parent], n.Code)
		}
		nodes[n.Code] = n
	}
	for parent := range children {
		sort.Strings(children[parent])
	}

	segments := make(map[string]model.TaxSegment, len(bundle.Segments))
	for _, seg := range bundle.Segments {
		segments[seg.Code] = seg
	}

	rules := make([]model.TaxRule, len(bundle.TaxRules))
	for i, r := range bundle.TaxRules {
		r.Code = model.NormalizeTaxCode(r.Code)
		rules[i] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nodes
	s.children = children
	s.segments = segments
	s.rules = rules
	s.gri = append([]model.InterpretationRule(nil), bundle.InterpretationRules...)
	return nil
}

// Node returns the node with the given code.
func (s *MemoryStore) Node(_ context.Context, code string) (*model.CommodityNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[model.NormalizeCommodityCode(code)]
	if !ok {
		return nil, fmt.Errorf("commodity node %s: %w", code, common.ErrNotFound)
	}
	return &n, nil
}

// Children returns the direct children of parent in code order. An empty parent lists the chapters.
func (s *MemoryStore) Children(_ context.Context, parent string) ([]model.CommodityNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	codes := s.children[model.NormalizeCommodityCode(parent)]
	nodes := make([]model.CommodityNode, 0, len(codes))
	for _, code := range codes {
		nodes = append(nodes, s.nodes[code])
	}
	return nodes, nil
}

// SearchNodes returns nodes at the requested level whose description contains
// any query term, most matched terms first, then by code.
func (s *MemoryStore) SearchNodes(_ context.Context, query service.NodeQuery) ([]model.CommodityNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type match struct {
		node model.CommodityNode
		hits int
	}

	prefix := model.NormalizeCommodityCode(query.Prefix)
	var matches []match
	for code, n := range s.nodes {
		if query.Level != 0 && n.Level != query.Level {
			continue
		}
		if !strings.HasPrefix(code, prefix) {
			continue
		}
		hits := termHits(aggregate.Normalize(n.Description), query.Terms)
		if hits == 0 {
			continue
		}
		matches = append(matches, match{node: n, hits: hits})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].hits != matches[j].hits {
			return matches[i].hits > matches[j].hits
		}
		return matches[i].node.Code < matches[j].node.Code
	})
	if query.Limit > 0 && len(matches) > query.Limit {
		matches = matches[:query.Limit]
	}
	nodes := make([]model.CommodityNode, len(matches))
	for i, m := range matches {
		nodes[i] = m.node
	}
	return nodes, nil
}

// TaxRulesFor returns every rule with an association pattern covering the commodity code.
// Validity windows and activity conditions are left to the caller.
func (s *MemoryStore) TaxRulesFor(_ context.Context, commodityCode string) ([]model.TaxRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []model.TaxRule
	for _, r := range s.rules {
		if r.Match(commodityCode) != model.MatchNone {
			matches = append(matches, r)
		}
	}
	return matches, nil
}

// Segment returns the tax segment with the given two-digit code.
func (s *MemoryStore) Segment(_ context.Context, code string) (*model.TaxSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, ok := s.segments[code]
	if !ok {
		return nil, fmt.Errorf("tax segment %s: %w", code, common.ErrNotFound)
	}
	return &seg, nil
}

// InterpretationRules returns the interpretation-rule texts in load order.
func (s *MemoryStore) InterpretationRules(_ context.Context) ([]model.InterpretationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.InterpretationRule(nil), s.gri...), nil
}

// termHits counts the query terms that start a word of normalized. With no
// terms every node counts as one hit.
func termHits(normalized string, terms []string) int {
	if len(terms) == 0 {
		return 1
	}
	padded := " " + normalized + " "
	hits := 0
	for _, term := range terms {
		term = aggregate.Normalize(term)
		if term != "" && strings.Contains(padded, " "+term) {
			hits++
		}
	}
	return hits
}
