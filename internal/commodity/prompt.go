package commodity

import (
	"fmt"
	"strings"

	"github.com/Veraticus/taxflow/internal/model"
)

const rankingSchema = `{"rankings":[{"code":"84713012","confidence":0.9,"justification":"why this item fits"}]}`

const judgmentSchema = `{"consistent":true,"confidence":0.9,"justification":"why the code does or does not fit"}`

// shortlistEntry is one item offered to the model together with its hierarchy path.
type shortlistEntry struct {
	code string
	path []model.CommodityNode
}

func buildRankingPrompt(in Input, shortlist []shortlistEntry, rules []model.InterpretationRule) string {
	var sb strings.Builder

	sb.WriteString("Classify the product below into an 8-digit commodity code.\n\n")
	fmt.Fprintf(&sb, "Product description: %s\n", in.Description)
	if in.ExistingCode != "" {
		fmt.Fprintf(&sb, "Code currently on the record (may be wrong): %s\n", model.FormatCommodityCode(in.ExistingCode))
	}
	writeActivities(&sb, in.Company)

	if len(rules) > 0 {
		sb.WriteString("\nApply the general rules of interpretation in order:\n")
		for _, rule := range rules {
			fmt.Fprintf(&sb, "- %s: %s\n", strings.ToUpper(rule.ID), rule.Title)
		}
	}

	sb.WriteString("\nCandidate items from the nomenclature:\n")
	for _, entry := range shortlist {
		fmt.Fprintf(&sb, "- %s\n", model.FormatCommodityCode(entry.code))
		writePath(&sb, entry.path)
	}

	sb.WriteString("\nRank the candidates that fit the product, best first. ")
	sb.WriteString("You may propose a different 8-digit code only if none of the candidates applies. ")
	sb.WriteString("Confidence is a number between 0 and 1.")
	return sb.String()
}

func buildJudgmentPrompt(in Input, code string, path []model.CommodityNode) string {
	var sb strings.Builder

	sb.WriteString("Decide whether the commodity code below is consistent with the product.\n\n")
	fmt.Fprintf(&sb, "Product description: %s\n", in.Description)
	writeActivities(&sb, in.Company)
	fmt.Fprintf(&sb, "\nCode: %s\n", model.FormatCommodityCode(code))
	writePath(&sb, path)

	sb.WriteString("\nAnswer consistent=false when the product belongs under a different heading or item. ")
	sb.WriteString("Confidence is a number between 0 and 1.")
	return sb.String()
}

func writeActivities(sb *strings.Builder, company model.CompanyContext) {
	if tags := company.Activities.Tags(); len(tags) > 0 {
		fmt.Fprintf(sb, "Company activities: %s\n", strings.Join(tags, ", "))
	}
}

func writePath(sb *strings.Builder, path []model.CommodityNode) {
	for _, node := range path {
		fmt.Fprintf(sb, "    %s %s: %s\n", node.Level, node.Code, node.Description)
	}
}
