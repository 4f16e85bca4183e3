package knowledge

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Veraticus/taxflow/internal/model"
)

// LoadFiles reads and merges knowledge from YAML, HTML, and PDF sources.
func LoadFiles(paths ...string) (model.KnowledgeBundle, error) {
	var bundle model.KnowledgeBundle
	for _, path := range paths {
		var part model.KnowledgeBundle
		var err error

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			part, err = LoadYAML(path)
		case ".html", ".htm":
			part, err = LoadHTML(path)
		case ".pdf":
			part, err = LoadPDF(path)
		default:
			err = fmt.Errorf("unsupported knowledge file type: %s", path)
		}
		if err != nil {
			return model.KnowledgeBundle{}, err
		}
		bundle.Merge(part)
	}
	return bundle, nil
}

// Validate checks that the hierarchy has no orphan nodes, that codes are
// well formed, and that every rule's segment is declared.
func Validate(bundle model.KnowledgeBundle) error {
	var errs []error

	codes := make(map[string]bool, len(bundle.Nodes))
	for _, n := range bundle.Nodes {
		code := model.NormalizeCommodityCode(n.Code)
		if _, ok := model.LevelOf(code); !ok {
			errs = append(errs, fmt.Errorf("commodity node %q: code must have 2, 4, 6 or 8 digits", n.Code))
			continue
		}
		codes[code] = true
	}
	for code := range codes {
		if parent := model.ParentCode(code); parent != "" && !codes[parent] {
			errs = append(errs, fmt.Errorf("commodity node %s: parent %s is missing", code, parent))
		}
	}

	segments := make(map[string]bool, len(bundle.Segments))
	for _, seg := range bundle.Segments {
		if len(seg.Code) != 2 {
			errs = append(errs, fmt.Errorf("tax segment %q: code must have 2 digits", seg.Code))
		}
		segments[seg.Code] = true
	}
	for _, r := range bundle.TaxRules {
		code := model.NormalizeTaxCode(r.Code)
		if len(code) != 7 {
			errs = append(errs, fmt.Errorf("tax rule %q: code must have 7 digits", r.Code))
			continue
		}
		if len(segments) > 0 && !segments[r.Segment()] {
			errs = append(errs, fmt.Errorf("tax rule %s: segment %s is not declared", code, model.TaxSegmentOf(code)))
		}
		if len(r.Patterns) == 0 {
			errs = append(errs, fmt.Errorf("tax rule %s: no association patterns", code))
		}
		if r.ValidFrom != nil && r.ValidTo != nil && r.ValidTo.Before(*r.ValidFrom) {
			errs = append(errs, fmt.Errorf("tax rule %s: validity ends before it starts", code))
		}
	}

	return errors.Join(errs...)
}
