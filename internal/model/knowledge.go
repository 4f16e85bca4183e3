package model

import (
	"fmt"
	"strings"
	"time"
)

// KnowledgeRef attributes a lookup to the exact passage a reviewer can open.
type KnowledgeRef struct {
	File    string `json:"file" yaml:"file"`
	Section string `json:"section,omitempty" yaml:"section,omitempty"`
	Field   string `json:"field,omitempty" yaml:"field,omitempty"`
	Page    int    `json:"page,omitempty" yaml:"page,omitempty"`
}

func (r KnowledgeRef) String() string {
	var b strings.Builder
	b.WriteString(r.File)
	if r.Page > 0 {
		fmt.Fprintf(&b, "#p%d", r.Page)
	}
	if r.Section != "" {
		b.WriteString("/" + r.Section)
	}
	if r.Field != "" {
		b.WriteString("." + r.Field)
	}
	return b.String()
}

// CommodityLevel is the depth of a node in the commodity hierarchy.
type CommodityLevel int

// Hierarchy levels; the value is the number of code digits at that level.
const (
	LevelChapter    CommodityLevel = 2
	LevelHeading    CommodityLevel = 4
	LevelSubheading CommodityLevel = 6
	LevelItem       CommodityLevel = 8
)

func (l CommodityLevel) String() string {
	switch l {
	case LevelChapter:
		return "chapter"
	case LevelHeading:
		return "heading"
	case LevelSubheading:
		return "subheading"
	case LevelItem:
		return "item"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// CommodityLevels lists the hierarchy levels from broadest to narrowest.
var CommodityLevels = []CommodityLevel{LevelChapter, LevelHeading, LevelSubheading, LevelItem}

// CommodityNode is one entry of the commodity nomenclature.
type CommodityNode struct {
	Code        string         `json:"code" yaml:"code"`
	Description string         `json:"description" yaml:"description"`
	Source      KnowledgeRef   `json:"source" yaml:"source"`
	Level       CommodityLevel `json:"level" yaml:"-"`
}

// Parent returns the code of the enclosing node, or "" for chapters.
func (n CommodityNode) Parent() string {
	return ParentCode(n.Code)
}

// NormalizeCommodityCode strips dots and spaces from a commodity code ("3004.90.69" -> "30049069").
func NormalizeCommodityCode(code string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, code)
}

// LevelOf returns the hierarchy level implied by a normalized code's length.
func LevelOf(code string) (CommodityLevel, bool) {
	switch len(code) {
	case 2, 4, 6, 8:
		return CommodityLevel(len(code)), true
	default:
		return 0, false
	}
}

// ParentCode returns the parent prefix of a normalized code, or "" at the top.
func ParentCode(code string) string {
	if len(code) <= 2 {
		return ""
	}
	return code[:len(code)-2]
}

// CommodityPrefixes returns the chapter, heading, subheading and item prefixes of an 8-digit code.
func CommodityPrefixes(code string) ([]string, error) {
	code = NormalizeCommodityCode(code)
	if len(code) != int(LevelItem) {
		return nil, fmt.Errorf("commodity code %q must have 8 digits", code)
	}
	prefixes := make([]string, 0, len(CommodityLevels))
	for _, level := range CommodityLevels {
		prefixes = append(prefixes, code[:level])
	}
	return prefixes, nil
}

// FormatCommodityCode renders an 8-digit code as "3004.90.69".
func FormatCommodityCode(code string) string {
	if len(code) != 8 {
		return code
	}
	return code[:4] + "." + code[4:6] + "." + code[6:]
}

// TaxSegment is the first level of the tax-substitution code.
type TaxSegment struct {
	Code             string       `json:"code" yaml:"code"`
	Name             string       `json:"name" yaml:"name"`
	RequiredActivity string       `json:"required_activity,omitempty" yaml:"required_activity,omitempty"`
	Source           KnowledgeRef `json:"source" yaml:"source"`
}

// NormalizeTaxCode strips punctuation from a tax code ("28.038.00" -> "2803800").
func NormalizeTaxCode(code string) string {
	return NormalizeCommodityCode(code)
}

// TaxSegmentOf returns the two-digit segment of a normalized 7-digit tax code.
func TaxSegmentOf(code string) string {
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}

// FormatTaxCode renders a 7-digit code as "28.038.00".
func FormatTaxCode(code string) string {
	if len(code) != 7 {
		return code
	}
	return code[:2] + "." + code[2:5] + "." + code[5:]
}

// MatchKind describes how specifically a tax rule's pattern matched a commodity code.
type MatchKind int

// Match kinds; higher is more specific.
const (
	MatchNone MatchKind = iota
	MatchList
	MatchCategory
	MatchExact
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchCategory:
		return "category"
	case MatchList:
		return "list"
	default:
		return "none"
	}
}

// TaxRule associates a tax-substitution code with the commodity codes it covers.
type TaxRule struct {
	ValidFrom     *time.Time   `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidTo       *time.Time   `json:"valid_to,omitempty" yaml:"valid_to,omitempty"`
	Code          string       `json:"code" yaml:"code"`
	Description   string       `json:"description" yaml:"description"`
	Source        KnowledgeRef `json:"source" yaml:"source"`
	Patterns      []string     `json:"patterns" yaml:"patterns"`
	ExcludedTerms []string     `json:"excluded_terms,omitempty" yaml:"excluded_terms,omitempty"`
}

// Segment returns the rule's segment code.
func (r TaxRule) Segment() string {
	return TaxSegmentOf(r.Code)
}

// Match reports how the rule's association patterns cover a commodity code.
// A rule listing several patterns is a broad list match whichever entry hits.
func (r TaxRule) Match(commodityCode string) MatchKind {
	commodityCode = NormalizeCommodityCode(commodityCode)
	best := MatchNone
	for _, raw := range r.Patterns {
		pattern := NormalizeCommodityCode(raw)
		if pattern == "" || !strings.HasPrefix(commodityCode, pattern) {
			continue
		}
		kind := MatchCategory
		if pattern == commodityCode {
			kind = MatchExact
		}
		if kind > best {
			best = kind
		}
	}
	if best != MatchNone && len(r.Patterns) > 1 {
		return MatchList
	}
	return best
}

// EffectiveAt reports whether the rule's validity window covers t.
func (r TaxRule) EffectiveAt(t time.Time) bool {
	if r.ValidFrom != nil && r.ValidFrom.After(t) {
		return false
	}
	if r.ValidTo != nil && r.ValidTo.Before(t) {
		return false
	}
	return true
}

// InterpretationRule is the text of one general rule of interpretation.
type InterpretationRule struct {
	ID     string       `json:"id" yaml:"id"`
	Title  string       `json:"title" yaml:"title"`
	Text   string       `json:"text" yaml:"text"`
	Source KnowledgeRef `json:"source" yaml:"source"`
}

// KnowledgeBundle is a set of knowledge entries loaded from one or more source files.
type KnowledgeBundle struct {
	Nodes               []CommodityNode      `json:"nodes" yaml:"nodes"`
	Segments            []TaxSegment         `json:"segments" yaml:"segments"`
	TaxRules            []TaxRule            `json:"tax_rules" yaml:"tax_rules"`
	InterpretationRules []InterpretationRule `json:"interpretation_rules" yaml:"interpretation_rules"`
}

// Merge appends other's entries to b.
func (b *KnowledgeBundle) Merge(other KnowledgeBundle) {
	b.Nodes = append(b.Nodes, other.Nodes...)
	b.Segments = append(b.Segments, other.Segments...)
	b.TaxRules = append(b.TaxRules, other.TaxRules...)
	b.InterpretationRules = append(b.InterpretationRules, other.InterpretationRules...)
}

// Size returns the total number of entries in the bundle.
func (b KnowledgeBundle) Size() int {
	return len(b.Nodes) + len(b.Segments) + len(b.TaxRules) + len(b.InterpretationRules)
}
