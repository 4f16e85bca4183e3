package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidates_SortAndTop(t *testing.T) {
	candidates := Candidates{
		{Code: "84714900", Confidence: 0.4},
		{Code: "84713012", Confidence: 0.9},
		{Code: "84713019", Confidence: 0.9},
	}

	top := candidates.Top()
	require.NotNil(t, top)
	assert.Equal(t, "84713012", top.Code, "ties break on code")
	assert.Equal(t, "84713019", candidates[1].Code)

	assert.Nil(t, Candidates{}.Top())
}

func TestCandidates_TopN(t *testing.T) {
	candidates := Candidates{
		{Code: "a", Confidence: 0.1},
		{Code: "b", Confidence: 0.5},
		{Code: "c", Confidence: 0.3},
	}

	tests := []struct {
		name string
		want []string
		n    int
	}{
		{name: "zero", n: 0, want: []string{}},
		{name: "two", n: 2, want: []string{"b", "c"}},
		{name: "more than available", n: 10, want: []string{"b", "c", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := candidates.TopN(tt.n)
			codes := make([]string, 0, len(got))
			for _, c := range got {
				codes = append(codes, c.Code)
			}
			assert.Equal(t, tt.want, codes)
		})
	}
}

func TestCandidates_Validate(t *testing.T) {
	tests := []struct {
		name       string
		candidates Candidates
		wantErr    bool
	}{
		{name: "valid", candidates: Candidates{{Code: "1", Confidence: 0.5}, {Code: "2", Confidence: 1}}},
		{name: "confidence out of range", candidates: Candidates{{Code: "1", Confidence: 1.2}}, wantErr: true},
		{name: "duplicate code", candidates: Candidates{{Code: "1", Confidence: 0.2}, {Code: "1", Confidence: 0.3}}, wantErr: true},
		{name: "no match placeholder", candidates: Candidates{NoMatchCandidate("nothing matched", false)}},
		{name: "codeless with confidence", candidates: Candidates{{Confidence: 0.3}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.candidates.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCandidates_BoostCapsAtOne(t *testing.T) {
	candidates := Candidates{
		{Code: "a", Confidence: 0.8},
		{Code: "b", Confidence: 0.85},
	}
	candidates.Boost("a", 0.5)

	assert.Equal(t, "a", candidates[0].Code)
	assert.InDelta(t, 1.0, candidates[0].Confidence, 1e-9)
}

func TestCandidates_RefsDeduplicated(t *testing.T) {
	ref := KnowledgeRef{File: "ncm.yaml", Section: "30", Field: "description"}
	candidates := Candidates{
		{Code: "a", KnowledgeRefs: []KnowledgeRef{ref}},
		{Code: "b", KnowledgeRefs: []KnowledgeRef{ref, {File: "cest.yaml", Section: "13"}}},
	}

	refs := candidates.Refs()
	require.Len(t, refs, 2)
	assert.Equal(t, "ncm.yaml/30.description", refs[0].String())
}
