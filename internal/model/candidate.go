package model

import (
	"fmt"
	"sort"
)

// CandidateSource identifies where a candidate came from, in decreasing trust.
type CandidateSource string

// Candidate sources.
const (
	SourceFeedback  CandidateSource = "feedback"
	SourceExisting  CandidateSource = "existing"
	SourceRules     CandidateSource = "rules"
	SourceLLM       CandidateSource = "llm"
	SourceKnowledge CandidateSource = "knowledge"
	SourceNone      CandidateSource = "none"
)

// Candidate is one proposed commodity or tax code.
type Candidate struct {
	Code            string          `json:"code"`
	Label           string          `json:"label"`
	Justification   string          `json:"justification"`
	Source          CandidateSource `json:"source"`
	KnowledgeRefs   []KnowledgeRef  `json:"knowledge_refs,omitempty"`
	RulesApplied    []string        `json:"rules_applied,omitempty"`
	Confidence      float64         `json:"confidence"`
	ResolutionError bool            `json:"resolution_error,omitempty"`
}

// Validate ensures the Candidate has valid data.
func (c *Candidate) Validate() error {
	if c.Confidence < 0.0 || c.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %.2f", c.Confidence)
	}
	if c.Code == "" && c.Confidence > 0 {
		return fmt.Errorf("a candidate without a code must have zero confidence")
	}
	return nil
}

// NoMatchCandidate returns the zero-confidence placeholder used when nothing matched.
func NoMatchCandidate(justification string, resolutionError bool) Candidate {
	return Candidate{
		Justification:   justification,
		Source:          SourceNone,
		ResolutionError: resolutionError,
	}
}

// Candidates is a slice of Candidate that supports sorting and utility methods.
type Candidates []Candidate

// Len implements sort.Interface.
func (c Candidates) Len() int {
	return len(c)
}

// Less implements sort.Interface - higher confidence comes first.
func (c Candidates) Less(i, j int) bool {
	if c[i].Confidence != c[j].Confidence {
		return c[i].Confidence > c[j].Confidence
	}
	return c[i].Code < c[j].Code
}

// Swap implements sort.Interface.
func (c Candidates) Swap(i, j int) {
	c[i], c[j] = c[j], c[i]
}

// Sort sorts the candidates by confidence in descending order.
func (c Candidates) Sort() {
	sort.Stable(c)
}

// Top returns the highest-confidence candidate, or nil if empty.
func (c Candidates) Top() *Candidate {
	if len(c) == 0 {
		return nil
	}
	c.Sort()
	return &c[0]
}

// TopN returns the N highest-confidence candidates.
func (c Candidates) TopN(n int) Candidates {
	if n <= 0 {
		return Candidates{}
	}

	c.Sort()

	if n > len(c) {
		n = len(c)
	}

	result := make(Candidates, n)
	copy(result, c[:n])
	return result
}

// Validate ensures all candidates in the slice are valid and not duplicated.
func (c Candidates) Validate() error {
	seen := make(map[string]bool)

	for i, candidate := range c {
		if err := candidate.Validate(); err != nil {
			return fmt.Errorf("invalid candidate at index %d: %w", i, err)
		}
		if candidate.Code == "" {
			continue
		}
		if seen[candidate.Code] {
			return fmt.Errorf("duplicate code %q in candidates", candidate.Code)
		}
		seen[candidate.Code] = true
	}

	return nil
}

// Refs returns the knowledge references of every candidate, deduplicated, in order.
func (c Candidates) Refs() []KnowledgeRef {
	var refs []KnowledgeRef
	seen := make(map[string]bool)
	for _, candidate := range c {
		for _, ref := range candidate.KnowledgeRefs {
			key := ref.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

// Boost raises the confidence of the candidate with the given code, capped at 1.0.
func (c Candidates) Boost(code string, boost float64) {
	for i := range c {
		if c[i].Code == code {
			c[i].Confidence = minFloat(c[i].Confidence+boost, 1.0)
		}
	}
	c.Sort()
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
