package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "Notebook Dell i5 8GB", want: "notebook dell i5 8gb"},
		{input: "  NOTEBOOK   DELL I5 8GB ", want: "notebook dell i5 8gb"},
		{input: "Café Torrado & Moído (500g)", want: "cafe torrado moido 500g"},
		{input: "Sabão-em-pó, 1kg.", want: "sabao em po 1kg"},
		{input: "!!!", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.input))
		})
	}
}

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"caixa", "papelao", "10kg"}, Keywords("Caixa de papelão 10kg x caixa"))
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity("Notebook Dell", "NOTEBOOK  dell"), 1e-9)
	assert.InDelta(t, 0.0, Similarity("", "notebook"), 1e-9)
	assert.InDelta(t, Similarity("cafe torrado", "cafe moido"), Similarity("cafe moido", "cafe torrado"), 1e-9)

	dice := Dice([]string{"cafe", "torrado", "moido", "500g"}, []string{"cafe", "torrado", "500g", "pacote"})
	assert.InDelta(t, 0.75, dice, 1e-9)

	assert.Greater(t, Similarity("Paracetamol 500mg 20 comprimidos", "Paracetamol 500mg 20 comprimido"), 0.95)
	assert.Less(t, Similarity("Notebook Dell i5", "Mouse Logitech"), 0.5)
}

func TestOverlap(t *testing.T) {
	assert.InDelta(t, 0.5, Overlap([]string{"a", "b"}, []string{"a", "c", "d"}), 1e-9)
	assert.InDelta(t, 0.0, Overlap(nil, []string{"a"}), 1e-9)
}

func TestEditSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, EditSimilarity("", ""), 1e-9)
	assert.InDelta(t, 0.75, EditSimilarity("abcd", "abed"), 1e-9)
	assert.InDelta(t, 0.0, EditSimilarity("abc", "xyz"), 1e-9)
}
