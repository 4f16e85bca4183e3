package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnricher_ExpandsAbbreviations(t *testing.T) {
	e := NewEnricher(map[string]string{"PARAC": "paracetamol", "blank": " "})

	tests := []struct {
		name     string
		input    string
		want     string
		expanded map[string]string
	}{
		{
			name:     "default abbreviations",
			input:    "Parac 500mg cx 20 comp.",
			want:     "paracetamol 500mg caixa 20 comprimidos",
			expanded: map[string]string{"parac": "paracetamol", "cx": "caixa", "comp": "comprimidos"},
		},
		{
			name:     "nothing to expand",
			input:    "Cafe torrado moido 500g",
			want:     "Cafe torrado moido 500g",
			expanded: nil,
		},
		{
			name:     "blank expansions are ignored",
			input:    "NB Dell blank",
			want:     "notebook Dell blank",
			expanded: map[string]string{"nb": "notebook"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Enrich(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Description)
			assert.Equal(t, tt.expanded, got.Expanded)
		})
	}
}

func TestEnricher_InfersAttributes(t *testing.T) {
	e := NewEnricher(nil)

	tests := []struct {
		input string
		want  []Attribute
	}{
		{"Paracetamol 500mg", []Attribute{{Kind: "mass", Unit: "mg", Raw: "500mg", Value: 500}}},
		{"Notebook i5 8GB", []Attribute{{Kind: "memory", Unit: "gb", Raw: "8GB", Value: 8}}},
		{"Refrigerante 1,5 l x12", []Attribute{
			{Kind: "volume", Unit: "l", Raw: "1,5 l", Value: 1.5},
			{Kind: "count", Unit: "x", Raw: "x12", Value: 12},
		}},
		{"Mouse optico", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := e.Enrich(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Attributes)
		})
	}
}

func TestEnricher_EmptyDescription(t *testing.T) {
	_, err := NewEnricher(nil).Enrich("   ")
	assert.ErrorIs(t, err, errEmptyEnrichment)
}
