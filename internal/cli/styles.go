// Package cli provides styled terminal output and line-based prompts.
package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Veraticus/taxflow/internal/model"
)

var (
	// PrimaryColor is the main theme color.
	PrimaryColor = lipgloss.Color("#5B8DEF")
	// SuccessColor indicates auto-applied decisions and successful operations.
	SuccessColor = lipgloss.Color("#4ECDC4")
	// WarningColor indicates decisions waiting for a reviewer.
	WarningColor = lipgloss.Color("#FFE66D")
	// ErrorColor indicates rejections and failures.
	ErrorColor = lipgloss.Color("#FF6B6B")
	// InfoColor indicates informational messages.
	InfoColor = lipgloss.Color("#95E1D3")
	// SubtleColor indicates less prominent UI elements.
	SubtleColor = lipgloss.Color("#666666")

	// TitleStyle is used for section titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor).
			MarginBottom(1)

	// SuccessStyle formats success messages.
	SuccessStyle = lipgloss.NewStyle().Foreground(SuccessColor)

	// WarningStyle formats warning messages.
	WarningStyle = lipgloss.NewStyle().Foreground(WarningColor)

	// ErrorStyle formats error messages.
	ErrorStyle = lipgloss.NewStyle().Foreground(ErrorColor)

	// InfoStyle formats informational messages.
	InfoStyle = lipgloss.NewStyle().Foreground(InfoColor)

	// SubtleStyle formats less prominent text.
	SubtleStyle = lipgloss.NewStyle().Foreground(SubtleColor)

	// BoldStyle makes text bold.
	BoldStyle = lipgloss.NewStyle().Bold(true)

	// BoxStyle is used for bordered content boxes.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#333")).
			Padding(1, 2)

	// TableHeaderStyle is used for table headers.
	TableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(lipgloss.Color("#333"))

	// PromptStyle is used for user prompts.
	PromptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor)
)

// Icons.
const (
	SuccessIcon = "✓"
	ErrorIcon   = "✗"
	WarningIcon = "⚠️"
	InfoIcon    = "ℹ️"
	LedgerIcon  = "📒"
	ReviewIcon  = "🔎"
)

// FormatSuccess formats a success message with icon.
func FormatSuccess(message string) string {
	return SuccessStyle.Render(SuccessIcon + " " + message)
}

// FormatError formats an error message with icon.
func FormatError(message string) string {
	return ErrorStyle.Render(ErrorIcon + " " + message)
}

// FormatWarning formats a warning message with icon.
func FormatWarning(message string) string {
	return WarningStyle.Render(WarningIcon + " " + message)
}

// FormatInfo formats an info message with icon.
func FormatInfo(message string) string {
	return InfoStyle.Render(InfoIcon + " " + message)
}

// FormatTitle formats a section title.
func FormatTitle(title string) string {
	return TitleStyle.Render(LedgerIcon + " " + title)
}

// FormatPrompt formats a prompt message.
func FormatPrompt(prompt string) string {
	return PromptStyle.Render(prompt + " → ")
}

// RenderBox renders content in a styled box.
func RenderBox(title, content string) string {
	boxTitle := TitleStyle.UnsetMargins().Render(title)
	return BoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, boxTitle, content))
}

// StateStyle picks the color of a workflow state.
func StateStyle(state model.WorkflowState) lipgloss.Style {
	switch state {
	case model.StateAutoApplied:
		return SuccessStyle
	case model.StateNeedsReview:
		return WarningStyle
	case model.StateRejected:
		return ErrorStyle
	default:
		return SubtleStyle
	}
}

// FormatTax renders the tax outcome of a decision.
func FormatTax(code string, state model.TaxState) string {
	switch state {
	case model.TaxApplied:
		return model.FormatTaxCode(code)
	case model.TaxNotApplicable:
		return "not applicable"
	default:
		return "not evaluated"
	}
}

// FormatDecision renders a decision for terminal output.
func FormatDecision(d *model.ClassificationDecision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Group:       %s\n", d.GroupID)
	fmt.Fprintf(&b, "Outcome:     %s\n", StateStyle(d.FinalState).Render(string(d.Disposition)))
	fmt.Fprintf(&b, "Commodity:   %s\n", orDash(model.FormatCommodityCode(d.CommodityCode)))
	fmt.Fprintf(&b, "Tax code:    %s\n", FormatTax(d.TaxCode, d.TaxState))
	fmt.Fprintf(&b, "Confidence:  %.0f%%\n", d.Confidence*100)
	fmt.Fprintf(&b, "Strategy:    %s\n", d.Strategy)
	if d.Reason != "" {
		fmt.Fprintf(&b, "Reason:      %s\n", d.Reason)
	}
	if d.ReviewerID != "" && d.ReviewedAt != nil {
		fmt.Fprintf(&b, "Reviewed by: %s at %s\n", d.ReviewerID, d.ReviewedAt.Format("2006-01-02 15:04"))
	}
	for i, c := range d.CommodityCandidates {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "  %d. %s %s (%.0f%%, %s)\n", i+1,
			orDash(model.FormatCommodityCode(c.Code)), SubtleStyle.Render(c.Label), c.Confidence*100, c.Source)
	}
	return strings.TrimRight(b.String(), "\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
