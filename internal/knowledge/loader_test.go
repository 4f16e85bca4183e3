package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/taxflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	bundle, err := LoadYAML(filepath.Join("testdata", "nomenclature.yaml"))
	require.NoError(t, err)

	require.Len(t, bundle.Nodes, 4)
	item := bundle.Nodes[3]
	assert.Equal(t, "30049069", item.Code)
	assert.Equal(t, model.LevelItem, item.Level)
	assert.Equal(t, model.KnowledgeRef{File: "tipi-2022.pdf", Section: "Capítulo 30", Field: "description", Page: 212}, item.Source)
	assert.Equal(t, model.KnowledgeRef{File: "nomenclature.yaml", Section: "3004", Field: "description"}, bundle.Nodes[1].Source)

	require.Len(t, bundle.Segments, 2)
	assert.Equal(t, model.ActivityDoorToDoor, bundle.Segments[1].RequiredActivity)

	require.Len(t, bundle.TaxRules, 2)
	assert.Equal(t, "1300100", bundle.TaxRules[0].Code)
	assert.Equal(t, []string{"veterinario"}, bundle.TaxRules[0].ExcludedTerms)
	require.NotNil(t, bundle.TaxRules[1].ValidFrom)
	assert.True(t, bundle.TaxRules[1].ValidFrom.Equal(time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)))

	require.Len(t, bundle.InterpretationRules, 1)
	assert.Equal(t, "gri-1", bundle.InterpretationRules[0].Source.Section)

	assert.NoError(t, Validate(bundle))
}

func TestParseYAML_Malformed(t *testing.T) {
	_, err := ParseYAML([]byte("nodes: [unterminated"), "broken.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestLoadHTML(t *testing.T) {
	bundle, err := LoadHTML(filepath.Join("testdata", "tax-rules.html"))
	require.NoError(t, err)

	codes := make([]string, 0, len(bundle.Nodes))
	for _, n := range bundle.Nodes {
		codes = append(codes, n.Code)
	}
	assert.Equal(t, []string{"84", "8471", "847130", "84713012"}, codes)
	assert.Equal(t, "Notebook", bundle.Nodes[3].Description, "indentation dashes are stripped")

	require.Len(t, bundle.TaxRules, 2, "rules without patterns are skipped")
	assert.Equal(t, "2100100", bundle.TaxRules[0].Code)
	assert.Equal(t, []string{"84713012"}, bundle.TaxRules[0].Patterns)
	assert.Equal(t, []string{"8471", "8473"}, bundle.TaxRules[1].Patterns)
	assert.Equal(t, model.KnowledgeRef{File: "tax-rules.html", Section: "2100200", Field: "patterns"}, bundle.TaxRules[1].Source)
}

func TestParseHTML_NoTables(t *testing.T) {
	_, err := ParseHTML(strings.NewReader("<html><body><p>nothing</p></body></html>"), "empty.html")
	assert.Error(t, err)
}

func TestLoadFiles(t *testing.T) {
	bundle, err := LoadFiles(
		filepath.Join("testdata", "nomenclature.yaml"),
		filepath.Join("testdata", "tax-rules.html"),
	)
	require.NoError(t, err)
	assert.Len(t, bundle.Nodes, 8)
	assert.Len(t, bundle.TaxRules, 4)

	_, err = LoadFiles(filepath.Join(t.TempDir(), "rules.docx"))
	assert.ErrorContains(t, err, "unsupported knowledge file type")
}

func TestLoadFiles_MissingFile(t *testing.T) {
	_, err := LoadFiles(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*model.KnowledgeBundle)
		wantErr string
	}{
		{
			name:   "valid bundle",
			mutate: func(*model.KnowledgeBundle) {},
		},
		{
			name: "orphan node",
			mutate: func(b *model.KnowledgeBundle) {
				b.Nodes = append(b.Nodes, model.CommodityNode{Code: "85176255", Description: "Router"})
			},
			wantErr: "parent 851762 is missing",
		},
		{
			name: "malformed node code",
			mutate: func(b *model.KnowledgeBundle) {
				b.Nodes = append(b.Nodes, model.CommodityNode{Code: "300", Description: "Three digits"})
			},
			wantErr: "2, 4, 6 or 8 digits",
		},
		{
			name: "rule in undeclared segment",
			mutate: func(b *model.KnowledgeBundle) {
				b.TaxRules = append(b.TaxRules, model.TaxRule{Code: "9900100", Patterns: []string{"30"}})
			},
			wantErr: "segment 99 is not declared",
		},
		{
			name: "rule without patterns",
			mutate: func(b *model.KnowledgeBundle) {
				b.TaxRules = append(b.TaxRules, model.TaxRule{Code: "1300200"})
			},
			wantErr: "no association patterns",
		},
		{
			name: "inverted validity window",
			mutate: func(b *model.KnowledgeBundle) {
				from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
				to := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
				b.TaxRules = append(b.TaxRules, model.TaxRule{Code: "1300300", Patterns: []string{"30"}, ValidFrom: &from, ValidTo: &to})
			},
			wantErr: "validity ends before it starts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bundle, err := LoadYAML(filepath.Join("testdata", "nomenclature.yaml"))
			require.NoError(t, err)
			tt.mutate(&bundle)

			err = Validate(bundle)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseInterpretationText(t *testing.T) {
	pages := []string{
		"General Rules for the Interpretation\nRule 1. Classification by the terms of the headings\nThe titles of sections are for ease of reference only.\n",
		"Rule 3 (a) The most specific description\nshall be preferred.\nRGI 3b: Essential character\nMixtures are classified by their essential character.\n",
		"GRI 6 Subheadings\nClassification in subheadings mutatis mutandis.",
	}

	rules := ParseInterpretationText(pages, "rules.pdf")

	require.Len(t, rules, 4)
	assert.Equal(t, "gri-1", rules[0].ID)
	assert.Equal(t, "Classification by the terms of the headings", rules[0].Title)
	assert.Equal(t, "The titles of sections are for ease of reference only.", rules[0].Text)
	assert.Equal(t, 1, rules[0].Source.Page)

	assert.Equal(t, "gri-3a", rules[1].ID)
	assert.Equal(t, "The most specific description", rules[1].Title)
	assert.Equal(t, "shall be preferred.", rules[1].Text)
	assert.Equal(t, 2, rules[1].Source.Page)

	assert.Equal(t, "gri-3b", rules[2].ID)
	assert.Equal(t, "Essential character", rules[2].Title)

	assert.Equal(t, "gri-6", rules[3].ID)
	assert.Equal(t, model.KnowledgeRef{File: "rules.pdf", Section: "gri-6", Field: "text", Page: 3}, rules[3].Source)
}

func TestLoadPDF_NotAPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.pdf")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o600))

	_, err := LoadPDF(path)
	assert.Error(t, err)
}
