package engine

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// DefaultAbbreviations are expansions applied before any configured ones.
var DefaultAbbreviations = map[string]string{
	"comp":  "comprimidos",
	"cpr":   "comprimidos",
	"cx":    "caixa",
	"pct":   "pacote",
	"un":    "unidade",
	"und":   "unidade",
	"fr":    "frasco",
	"amp":   "ampola",
	"susp":  "suspensao",
	"sol":   "solucao",
	"nb":    "notebook",
	"ntbk":  "notebook",
	"tecl":  "teclado",
	"torr":  "torrado",
	"refri": "refrigerante",
}

// Attribute is a measurable property found in a description.
type Attribute struct {
	Kind  string  `json:"kind"`
	Unit  string  `json:"unit"`
	Raw   string  `json:"raw"`
	Value float64 `json:"value"`
}

// Enrichment is the enriched form of a representative description.
type Enrichment struct {
	Expanded    map[string]string `json:"expanded,omitempty"`
	Description string            `json:"description"`
	Attributes  []Attribute       `json:"attributes,omitempty"`
}

var errEmptyEnrichment = errors.New("enrichment produced an empty description")

var unitKinds = map[string]string{
	"mg": "mass", "g": "mass", "kg": "mass",
	"ml": "volume", "l": "volume",
	"mb": "memory", "gb": "memory", "tb": "memory",
	"mm": "length", "cm": "length", "m": "length", "pol": "length",
	"w": "power", "v": "voltage",
	"un": "count", "x": "count",
}

// quantityPattern matches "500mg", "1,5 l", "8GB" and pack sizes like "x12".
var quantityPattern = regexp.MustCompile(`(?i)\b(?:x\s?(\d+)|(\d+(?:[.,]\d+)?)\s?(mg|kg|g|ml|l|mb|gb|tb|mm|cm|m|pol|w|v|un))\b`)

// Enricher expands abbreviations and infers unit and size attributes.
type Enricher struct {
	abbreviations map[string]string
}

// NewEnricher merges extra abbreviations over DefaultAbbreviations.
func NewEnricher(extra map[string]string) *Enricher {
	abbreviations := make(map[string]string, len(DefaultAbbreviations)+len(extra))
	for k, v := range DefaultAbbreviations {
		abbreviations[k] = v
	}
	for k, v := range extra {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.TrimSpace(v) != "" {
			abbreviations[k] = strings.TrimSpace(v)
		}
	}
	return &Enricher{abbreviations: abbreviations}
}

// Enrich returns the description with abbreviations expanded and the
// attributes it mentions. Callers fall back to the raw description on error.
func (e *Enricher) Enrich(description string) (Enrichment, error) {
	fields := strings.Fields(description)
	out := make([]string, 0, len(fields))
	res := Enrichment{}

	for _, field := range fields {
		key := strings.ToLower(strings.TrimRight(field, ".:;,"))
		if expansion, ok := e.abbreviations[key]; ok {
			if res.Expanded == nil {
				res.Expanded = make(map[string]string)
			}
			res.Expanded[key] = expansion
			out = append(out, expansion)
			continue
		}
		out = append(out, field)
	}

	res.Description = strings.Join(out, " ")
	if res.Description == "" {
		return Enrichment{}, errEmptyEnrichment
	}
	res.Attributes = inferAttributes(description)
	return res, nil
}

func inferAttributes(description string) []Attribute {
	var attrs []Attribute
	for _, m := range quantityPattern.FindAllStringSubmatch(description, -1) {
		raw := m[0]
		if m[1] != "" {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			attrs = append(attrs, Attribute{Kind: unitKinds["x"], Unit: "x", Raw: raw, Value: float64(n)})
			continue
		}
		value, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", "."), 64)
		if err != nil {
			continue
		}
		unit := strings.ToLower(m[3])
		attrs = append(attrs, Attribute{Kind: unitKinds[unit], Unit: unit, Raw: raw, Value: value})
	}
	return attrs
}
