package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// FeedbackEntry is a human-validated classification shared across tenants.
// It deliberately carries no tenant identifier.
type FeedbackEntry struct {
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
	Signature             string    `json:"signature"`
	NormalizedDescription string    `json:"normalized_description"`
	CommodityCode         string    `json:"commodity_code"`
	TaxCode               string    `json:"tax_code,omitempty"`
	TaxState              TaxState  `json:"tax_state"`
	ReviewerID            string    `json:"reviewer_id"`
	SourceGroupID         string    `json:"source_group_id,omitempty"`
	SourceAuditID         string    `json:"source_audit_id,omitempty"`
	Confidence            float64   `json:"confidence"`
	UseCount              int       `json:"use_count"`
}

// Signature derives the feedback key from an already-normalized description and a commodity code.
func Signature(normalizedDescription, commodityCode string) string {
	sum := sha256.Sum256([]byte(normalizedDescription + "|" + NormalizeCommodityCode(commodityCode)))
	return hex.EncodeToString(sum[:])
}
