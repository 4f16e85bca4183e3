package knowledge

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/Veraticus/taxflow/internal/model"
)

var ruleHeading = regexp.MustCompile(`(?i)^\s*(?:rule|regra|rgi|gri)\s*(\d)(?:\s*\(([a-c])\)|([a-c])\b)?\s*[.:)\-]?\s*(.*)$`)

// LoadPDF extracts interpretation-rule text from a PDF, keeping the page each rule starts on.
func LoadPDF(path string) (model.KnowledgeBundle, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return model.KnowledgeBundle{}, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer func() { _ = f.Close() }()

	pages := make([]string, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return model.KnowledgeBundle{}, fmt.Errorf("failed to read page %d of %s: %w", i, path, err)
		}
		pages = append(pages, text)
	}

	rules := ParseInterpretationText(pages, filepath.Base(path))
	if len(rules) == 0 {
		return model.KnowledgeBundle{}, fmt.Errorf("no interpretation rules found in %s", path)
	}
	return model.KnowledgeBundle{InterpretationRules: rules}, nil
}

// ParseInterpretationText splits page texts into rules at lines such as
// "Rule 3 (b)" or "RGI 1". Pages are numbered from 1.
func ParseInterpretationText(pages []string, file string) []model.InterpretationRule {
	var rules []model.InterpretationRule
	var current *model.InterpretationRule
	var body []string

	flush := func() {
		if current == nil {
			return
		}
		current.Text = strings.TrimSpace(strings.Join(body, " "))
		rules = append(rules, *current)
		current, body = nil, nil
	}

	for i, text := range pages {
		for _, line := range strings.Split(text, "\n") {
			if m := ruleHeading.FindStringSubmatch(line); m != nil {
				flush()
				id := "gri-" + m[1] + strings.ToLower(m[2]+m[3])
				current = &model.InterpretationRule{
					ID:     id,
					Title:  strings.TrimSpace(m[4]),
					Source: model.KnowledgeRef{File: file, Section: id, Field: "text", Page: i + 1},
				}
				continue
			}
			if current != nil && strings.TrimSpace(line) != "" {
				body = append(body, strings.TrimSpace(line))
			}
		}
	}
	flush()

	return rules
}
