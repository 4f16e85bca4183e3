package model

import (
	"sort"
	"strings"
)

// Well-known activity facts.
const (
	ActivityDoorToDoor = "door_to_door"
	ActivityPharmacy   = "pharmacy"
	ActivityWholesale  = "wholesale"
	ActivityRetail     = "retail"
	ActivityIndustry   = "industry"
)

// ActivitySet is the set of business-activity facts known for a tenant.
type ActivitySet map[string]bool

// NewActivitySet builds a set from tags, normalizing case and spacing.
func NewActivitySet(tags ...string) ActivitySet {
	set := make(ActivitySet, len(tags))
	for _, tag := range tags {
		if tag = NormalizeActivity(tag); tag != "" {
			set[tag] = true
		}
	}
	return set
}

// NormalizeActivity lower-cases a tag and joins words with underscores.
func NormalizeActivity(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return strings.Join(strings.FieldsFunc(tag, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

// Has reports whether the set contains tag.
func (a ActivitySet) Has(tag string) bool {
	return a[NormalizeActivity(tag)]
}

// Tags returns the facts in sorted order.
func (a ActivitySet) Tags() []string {
	tags := make([]string, 0, len(a))
	for tag := range a {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// CompanyContext is what the agents know about the tenant being classified.
type CompanyContext struct {
	Activities ActivitySet `json:"activities"`
	TenantID   string      `json:"tenant_id"`
}
