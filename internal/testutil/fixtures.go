package testutil

import (
	"testing"
	"time"

	"github.com/Veraticus/taxflow/internal/knowledge"
	"github.com/Veraticus/taxflow/internal/model"
)

// Fixture tenants and codes used across package tests.
const (
	TenantPharmacy   = "tenant-pharmacy"
	TenantDoorToDoor = "tenant-door-to-door"
	TenantRetail     = "tenant-retail"

	CodeNotebook    = "84713012"
	CodeMedicine    = "30049069"
	CodeMedicineAlt = "30049099"
	CodeCoffee      = "09012100"
	CodeMouse       = "84716053"
)

const (
	nomenclatureFile = "nomenclature.yaml"
	taxRulesFile     = "tax-substitution.html"
	rulesFile        = "interpretation-rules.pdf"
)

func node(code, description string) model.CommodityNode {
	level, _ := model.LevelOf(code)
	return model.CommodityNode{
		Code:        code,
		Description: description,
		Level:       level,
		Source:      model.KnowledgeRef{File: nomenclatureFile, Section: code, Field: "description"},
	}
}

func rule(code, description string, patterns ...string) model.TaxRule {
	return model.TaxRule{
		Code:        code,
		Description: description,
		Patterns:    patterns,
		Source:      model.KnowledgeRef{File: taxRulesFile, Section: code, Field: "patterns"},
	}
}

func date(year int, month time.Month, day int) *time.Time {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &t
}

// Nodes returns a small commodity hierarchy covering pharmaceuticals,
// data-processing machines, and coffee.
func Nodes() []model.CommodityNode {
	return []model.CommodityNode{
		node("09", "Cafe, cha, mate e especiarias"),
		node("0901", "Cafe, mesmo torrado ou descafeinado"),
		node("090121", "Cafe torrado, nao descafeinado"),
		node("09012100", "Cafe torrado em grao ou moido"),

		node("30", "Produtos farmaceuticos"),
		node("3003", "Medicamentos nao apresentados em doses nem acondicionados para venda a retalho"),
		node("300390", "Outros medicamentos a granel"),
		node("30039099", "Outros medicamentos a granel"),
		node("3004", "Medicamentos apresentados em doses, comprimidos ou acondicionados para venda a retalho"),
		node("300490", "Outros medicamentos em doses"),
		node("30049069", "Medicamentos analgesicos contendo paracetamol ou dipirona"),
		node("30049099", "Outros medicamentos em doses"),

		node("84", "Reatores nucleares, caldeiras, maquinas e aparelhos mecanicos"),
		node("8471", "Maquinas automaticas para processamento de dados"),
		node("847130", "Maquinas portateis de peso inferior a 10 kg, notebook"),
		node("84713012", "Notebook portatil com tela, teclado e processador"),
		node("84713019", "Outras maquinas portateis"),
		node("847160", "Unidades de entrada ou de saida, teclado, mouse"),
		node("84716053", "Mouse optico"),
	}
}

// Segments returns tax segments, including one restricted to door-to-door sellers.
func Segments() []model.TaxSegment {
	return []model.TaxSegment{
		{Code: "13", Name: "Medicamentos de uso humano", Source: model.KnowledgeRef{File: taxRulesFile, Section: "segment 13", Field: "name"}},
		{Code: "17", Name: "Produtos alimenticios", Source: model.KnowledgeRef{File: taxRulesFile, Section: "segment 17", Field: "name"}},
		{Code: "21", Name: "Produtos eletronicos", Source: model.KnowledgeRef{File: taxRulesFile, Section: "segment 21", Field: "name"}},
		{
			Code:             "28",
			Name:             "Vendas porta a porta",
			RequiredActivity: model.ActivityDoorToDoor,
			Source:           model.KnowledgeRef{File: taxRulesFile, Section: "segment 28", Field: "required_activity"},
		},
	}
}

// TaxRules returns rules that exercise every match kind and both validity bounds.
func TaxRules() []model.TaxRule {
	medicine := rule("1300100", "Medicamentos de uso humano em doses", "3004")
	medicine.ExcludedTerms = []string{"veterinario"}

	expired := rule("2100200", "Maquinas automaticas para processamento de dados", "8471")
	expired.ValidTo = date(2020, time.December, 31)

	future := rule("1709600", "Cafe torrado e moido", "09012100")
	future.ValidFrom = date(2999, time.January, 1)

	return []model.TaxRule{
		medicine,
		rule("2803800", "Medicamentos vendidos porta a porta", "3003", "3004"),
		rule("2100100", "Notebooks e computadores portateis", "84713012"),
		expired,
		future,
	}
}

// InterpretationRules returns the general rules of interpretation.
func InterpretationRules() []model.InterpretationRule {
	rules := []model.InterpretationRule{
		{ID: "gri-1", Title: "Classification by the terms of the headings"},
		{ID: "gri-2a", Title: "Incomplete or unassembled articles"},
		{ID: "gri-3a", Title: "The most specific description is preferred"},
		{ID: "gri-3b", Title: "Essential character"},
		{ID: "gri-3c", Title: "Heading which occurs last in numerical order"},
		{ID: "gri-6", Title: "Classification in subheadings mutatis mutandis"},
	}
	for i := range rules {
		rules[i].Source = model.KnowledgeRef{File: rulesFile, Page: i + 1, Section: rules[i].ID, Field: "text"}
	}
	return rules
}

// Knowledge returns the complete fixture bundle.
func Knowledge() model.KnowledgeBundle {
	return model.KnowledgeBundle{
		Nodes:               Nodes(),
		Segments:            Segments(),
		TaxRules:            TaxRules(),
		InterpretationRules: InterpretationRules(),
	}
}

// KnowledgeStore returns an in-memory store loaded with the fixture bundle.
func KnowledgeStore(t *testing.T) *knowledge.MemoryStore {
	t.Helper()
	if err := knowledge.Validate(Knowledge()); err != nil {
		t.Fatalf("fixture knowledge is invalid: %v", err)
	}
	return knowledge.NewMemoryStore(Knowledge())
}

// Records returns product records for one tenant, including near-duplicate
// descriptions and a blank one.
func Records(tenantID string) []model.ProductRecord {
	return []model.ProductRecord{
		{SourceID: "r1", TenantID: tenantID, ProductCode: "NB-01", Description: "Notebook Dell i5 8GB", CommodityCode: CodeNotebook},
		{SourceID: "r2", TenantID: tenantID, ProductCode: "NB-01", Description: "Notebook Dell i5 8GB RAM", CommodityCode: CodeNotebook},
		{SourceID: "r3", TenantID: tenantID, ProductCode: "NB-02", Description: "NOTEBOOK DELL I5 8GB"},
		{SourceID: "r4", TenantID: tenantID, ProductCode: "MED-7", Description: "Paracetamol 500mg comprimidos", CommodityCode: CodeMedicine},
		{SourceID: "r5", TenantID: tenantID, ProductCode: "CAF-1", Description: "Cafe torrado moido 500g"},
		{SourceID: "r6", TenantID: tenantID, ProductCode: "X-1", Description: "   "},
	}
}
