package sheets

import (
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/model"
)

// ReviewRow is one group awaiting human review.
type ReviewRow struct {
	DecidedAt      time.Time
	GroupID        string
	BatchID        string
	TenantID       string
	Representative string
	Disposition    model.Disposition
	Reason         string
	CommodityCode  string
	TaxCode        string
	TaxState       model.TaxState
	Alternatives   []string
	Refs           []string
	MemberCount    int
	Confidence     float64
}

// ReviewRows converts decisions into export rows, looking up each group's
// representative and size in groups.
func ReviewRows(decisions []model.ClassificationDecision, groups map[string]model.AggregateGroup) []ReviewRow {
	rows := make([]ReviewRow, 0, len(decisions))
	for _, d := range decisions {
		g := groups[d.GroupID]
		row := ReviewRow{
			DecidedAt:      d.DecidedAt,
			GroupID:        d.GroupID,
			BatchID:        d.BatchID,
			TenantID:       d.TenantID,
			Representative: g.Representative,
			MemberCount:    g.MemberCount,
			Disposition:    d.Disposition,
			Reason:         d.Reason,
			CommodityCode:  d.CommodityCode,
			TaxCode:        d.TaxCode,
			TaxState:       d.TaxState,
			Confidence:     d.Confidence,
		}
		for i, c := range d.CommodityCandidates {
			if i == 0 || c.Code == "" {
				continue
			}
			row.Alternatives = append(row.Alternatives, fmt.Sprintf("%s (%.2f)", model.FormatCommodityCode(c.Code), c.Confidence))
		}
		for _, ref := range d.CommodityCandidates.Refs() {
			row.Refs = append(row.Refs, ref.String())
		}
		rows = append(rows, row)
	}
	return rows
}

// values renders the row in header order.
func (r ReviewRow) values() []any {
	return []any{
		r.GroupID,
		r.TenantID,
		r.Representative,
		r.MemberCount,
		string(r.Disposition),
		r.Reason,
		model.FormatCommodityCode(r.CommodityCode),
		model.FormatTaxCode(r.TaxCode),
		string(r.TaxState),
		fmt.Sprintf("%.2f", r.Confidence),
		strings.Join(r.Alternatives, "; "),
		strings.Join(r.Refs, "; "),
		r.DecidedAt.Format(time.RFC3339),
	}
}

var header = []any{
	"Group", "Tenant", "Description", "Records", "Disposition", "Reason",
	"Commodity code", "Tax code", "Tax state", "Confidence", "Alternatives", "Sources", "Decided at",
}
