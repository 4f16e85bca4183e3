package knowledge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Veraticus/taxflow/internal/model"
)

var patternSplit = regexp.MustCompile(`[\s,;]+`)

// LoadHTML reads nomenclature and tax-rule tables from a published HTML page.
func LoadHTML(path string) (model.KnowledgeBundle, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return model.KnowledgeBundle{}, fmt.Errorf("failed to open knowledge file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseHTML(f, filepath.Base(path))
}

// ParseHTML extracts knowledge from every table in the document. Tables marked
// data-kind="tax-rules" hold tax rules as code | patterns | description rows;
// every other table is read as code | description nomenclature rows. Rows whose
// first cell is not a valid code are skipped.
func ParseHTML(r io.Reader, file string) (model.KnowledgeBundle, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return model.KnowledgeBundle{}, fmt.Errorf("parse document: %w", err)
	}

	var bundle model.KnowledgeBundle
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		kind, _ := table.Attr("data-kind")
		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td")
			if cells.Length() < 2 {
				return
			}
			text := func(i int) string {
				return strings.TrimSpace(cells.Eq(i).Text())
			}

			if kind == "tax-rules" {
				if rule, ok := parseRuleRow(text, cells.Length(), file); ok {
					bundle.TaxRules = append(bundle.TaxRules, rule)
				}
				return
			}
			if node, ok := parseNodeRow(text(0), text(1), file); ok {
				bundle.Nodes = append(bundle.Nodes, node)
			}
		})
	})

	if bundle.Size() == 0 {
		return bundle, fmt.Errorf("no knowledge tables found in %s", file)
	}
	return bundle, nil
}

func parseNodeRow(rawCode, description, file string) (model.CommodityNode, bool) {
	code := model.NormalizeCommodityCode(rawCode)
	level, ok := model.LevelOf(code)
	if !ok || description == "" {
		return model.CommodityNode{}, false
	}
	return model.CommodityNode{
		Code:        code,
		Description: strings.TrimLeft(description, "- "),
		Level:       level,
		Source:      model.KnowledgeRef{File: file, Section: code, Field: "description"},
	}, true
}

func parseRuleRow(text func(int) string, columns int, file string) (model.TaxRule, bool) {
	if columns < 3 {
		return model.TaxRule{}, false
	}
	code := model.NormalizeTaxCode(text(0))
	if len(code) != 7 {
		return model.TaxRule{}, false
	}

	var patterns []string
	for _, p := range patternSplit.Split(text(1), -1) {
		if p = model.NormalizeCommodityCode(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return model.TaxRule{}, false
	}

	return model.TaxRule{
		Code:        code,
		Patterns:    patterns,
		Description: text(2),
		Source:      model.KnowledgeRef{File: file, Section: code, Field: "patterns"},
	}, true
}
