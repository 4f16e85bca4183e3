package aggregate

import (
	"fmt"
	"testing"

	"github.com/Veraticus/taxflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id, description, productCode string) model.ProductRecord {
	return model.ProductRecord{
		SourceID:    id,
		TenantID:    "tenant-1",
		Description: description,
		ProductCode: productCode,
	}
}

func groupOf(t *testing.T, groups []model.AggregateGroup, sourceID string) model.AggregateGroup {
	t.Helper()
	for _, g := range groups {
		for _, id := range g.MemberIDs {
			if id == sourceID {
				return g
			}
		}
	}
	t.Fatalf("record %s not in any group", sourceID)
	return model.AggregateGroup{}
}

func TestAggregate_CaseAndSpacingOnlyDifferences(t *testing.T) {
	engine := NewEngine(Config{}, nil)

	groups := engine.Aggregate([]model.ProductRecord{
		record("r1", "Notebook Dell i5 8GB", "A1"),
		record("r2", "NOTEBOOK  DELL I5 8GB", "B2"),
	})

	require.Len(t, groups, 1)
	assert.Equal(t, model.MethodExactDescription, groups[0].Method)
	assert.ElementsMatch(t, []string{"r1", "r2"}, groups[0].MemberIDs)
	assert.Equal(t, 2, groups[0].MemberCount)
}

func TestAggregate_Methods(t *testing.T) {
	tests := []struct {
		name       string
		records    []model.ProductRecord
		wantGroups int
		wantMethod model.AggregationMethod
	}{
		{
			name: "same product code with moderate similarity",
			records: []model.ProductRecord{
				record("r1", "Cafe torrado moido 500g", "CF1"),
				record("r2", "Cafe torrado 500g pacote", "CF1"),
			},
			wantGroups: 1,
			wantMethod: model.MethodSameCodeSimilar,
		},
		{
			name: "moderate similarity without shared code stays apart",
			records: []model.ProductRecord{
				record("r1", "Cafe torrado moido 500g", "CF1"),
				record("r2", "Cafe torrado 500g pacote", "CF2"),
			},
			wantGroups: 2,
			wantMethod: model.MethodExactDescription,
		},
		{
			name: "near-identical descriptions with different codes",
			records: []model.ProductRecord{
				record("r1", "Paracetamol 500mg 20 comprimidos", "P1"),
				record("r2", "Paracetamol 500mg 20 comprimido", "P2"),
			},
			wantGroups: 1,
			wantMethod: model.MethodSimilarDescription,
		},
		{
			name: "unrelated products",
			records: []model.ProductRecord{
				record("r1", "Notebook Dell i5 8GB", "A1"),
				record("r2", "Mouse Logitech M170", "A1"),
			},
			wantGroups: 2,
			wantMethod: model.MethodExactDescription,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := NewEngine(Config{}, nil).Aggregate(tt.records)
			require.Len(t, groups, tt.wantGroups)
			assert.Equal(t, tt.wantMethod, groupOf(t, groups, "r1").Method)
		})
	}
}

func TestAggregate_EmptyDescriptionsAreManualSingletons(t *testing.T) {
	groups := NewEngine(Config{}, nil).Aggregate([]model.ProductRecord{
		record("r1", "", "X"),
		record("r2", "   ", "X"),
		record("r3", "Notebook Dell i5 8GB", "X"),
	})

	require.Len(t, groups, 3)
	for _, id := range []string{"r1", "r2"} {
		g := groupOf(t, groups, id)
		assert.Equal(t, model.MethodManual, g.Method)
		assert.Equal(t, 1, g.MemberCount)
	}
	assert.NotEqual(t, groupOf(t, groups, "r1").ID, groupOf(t, groups, "r2").ID)
}

func TestAggregate_RepresentativeAndExistingCodes(t *testing.T) {
	records := []model.ProductRecord{
		{SourceID: "r1", TenantID: "t", Description: "Dipirona 1g", CommodityCode: "3004.90.99"},
		{SourceID: "r2", TenantID: "t", Description: "DIPIRONA 1G", CommodityCode: "30049069", TaxCode: "13.001.00"},
		{SourceID: "r3", TenantID: "t", Description: "DIPIRONA 1G", CommodityCode: "30049069"},
	}

	groups := NewEngine(Config{}, nil).Aggregate(records)
	require.Len(t, groups, 1)
	assert.Equal(t, "DIPIRONA 1G", groups[0].Representative)
	assert.Equal(t, "30049069", groups[0].ExistingCommodityCode)
	assert.Equal(t, "1300100", groups[0].ExistingTaxCode)
}

func TestMostFrequent_TiesGoToFirstSeen(t *testing.T) {
	assert.Equal(t, "a", mostFrequent([]string{"a", "b", "b", "a"}))
	assert.Equal(t, "b", mostFrequent([]string{"", "b", "c"}))
	assert.Equal(t, "", mostFrequent([]string{"", ""}))
}

func TestAggregate_Idempotent(t *testing.T) {
	var records []model.ProductRecord
	descriptions := []string{
		"Notebook Dell i5 8GB", "NOTEBOOK DELL I5 8GB", "Notebook Dell Inspiron i5 8GB",
		"Cafe torrado moido 500g", "Café torrado moído 500g", "Cafe torrado 500g pacote",
		"Paracetamol 500mg 20 comprimidos", "", "Mouse Logitech M170",
	}
	for i, d := range descriptions {
		records = append(records, record(fmt.Sprintf("r%d", i), d, fmt.Sprintf("P%d", i%3)))
	}

	engine := NewEngine(Config{}, nil)
	first := engine.Aggregate(records)
	second := engine.Aggregate(records)
	assert.Equal(t, first, second)

	seen := make(map[string]bool)
	for _, g := range first {
		for _, id := range g.MemberIDs {
			assert.False(t, seen[id], "record %s in more than one group", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, len(records))
}

func TestAggregate_ExactDescriptionInvariant(t *testing.T) {
	records := []model.ProductRecord{
		record("r1", "Sabão em pó 1kg", "S1"),
		record("r2", "Detergente liquido 500ml", "S1"),
		record("r3", "SABAO EM PO 1KG", "S9"),
		record("r4", "sabao-em-po 1kg", ""),
	}

	groups := NewEngine(Config{}, nil).Aggregate(records)
	g1 := groupOf(t, groups, "r1")
	assert.Equal(t, g1.ID, groupOf(t, groups, "r3").ID)
	assert.Equal(t, g1.ID, groupOf(t, groups, "r4").ID)
}

func TestScopeToBatch(t *testing.T) {
	groups := NewEngine(Config{}, nil).Aggregate([]model.ProductRecord{record("r1", "Notebook", "")})

	a := ScopeToBatch(groups, "batch-a")
	b := ScopeToBatch(groups, "batch-b")
	again := ScopeToBatch(groups, "batch-a")

	assert.NotEqual(t, a[0].ID, b[0].ID)
	assert.Equal(t, a[0].ID, again[0].ID)
	assert.Equal(t, "batch-a", a[0].BatchID)
	assert.Empty(t, groups[0].BatchID)
}
