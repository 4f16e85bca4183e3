package knowledge

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Veraticus/taxflow/internal/model"
	"gopkg.in/yaml.v3"
)

// LoadYAML reads a knowledge bundle from a YAML document with top-level
// nodes, segments, tax_rules and interpretation_rules lists. Entries without
// an explicit source are attributed to the file itself.
func LoadYAML(path string) (model.KnowledgeBundle, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return model.KnowledgeBundle{}, fmt.Errorf("failed to read knowledge file: %w", err)
	}
	return ParseYAML(data, filepath.Base(path))
}

// ParseYAML decodes a YAML knowledge bundle attributed to file.
func ParseYAML(data []byte, file string) (model.KnowledgeBundle, error) {
	var bundle model.KnowledgeBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return model.KnowledgeBundle{}, fmt.Errorf("failed to parse knowledge YAML %s: %w", file, err)
	}

	for i := range bundle.Nodes {
		n := &bundle.Nodes[i]
		n.Code = model.NormalizeCommodityCode(n.Code)
		if level, ok := model.LevelOf(n.Code); ok {
			n.Level = level
		}
		attribute(&n.Source, file, n.Code, "description")
	}
	for i := range bundle.Segments {
		attribute(&bundle.Segments[i].Source, file, "segment "+bundle.Segments[i].Code, "required_activity")
	}
	for i := range bundle.TaxRules {
		r := &bundle.TaxRules[i]
		r.Code = model.NormalizeTaxCode(r.Code)
		attribute(&r.Source, file, r.Code, "patterns")
	}
	for i := range bundle.InterpretationRules {
		attribute(&bundle.InterpretationRules[i].Source, file, bundle.InterpretationRules[i].ID, "text")
	}

	return bundle, nil
}

func attribute(ref *model.KnowledgeRef, file, section, field string) {
	if ref.File == "" {
		ref.File = file
	}
	if ref.Section == "" {
		ref.Section = section
	}
	if ref.Field == "" {
		ref.Field = field
	}
}
