package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Veraticus/taxflow/internal/model"
)

// View renders the current state.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return m.theme.StatusPending.Render("Loading review queue...")
	}

	sections := []string{m.theme.Title.Render(fmt.Sprintf("Review queue (%d)", len(m.queue)))}
	if len(m.queue) == 0 {
		sections = append(sections, m.theme.StatusSuccess.Render("Nothing waiting for review."))
	} else {
		listWidth := m.width / 3
		if listWidth < 24 {
			listWidth = 24
		}
		list := m.renderList(listWidth)
		detail := m.renderDetail(m.width - listWidth - 4)
		sections = append(sections, lipgloss.JoinHorizontal(lipgloss.Top, list, " ", detail))
	}

	sections = append(sections, m.renderStatus(), m.help.View(m.keymap))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderList(width int) string {
	visible := m.height - 10
	if visible < 5 {
		visible = 5
	}
	start := 0
	if m.cursor >= visible {
		start = m.cursor - visible + 1
	}

	lines := make([]string, 0, visible)
	for i := start; i < len(m.queue) && i < start+visible; i++ {
		d := m.queue[i]
		label := d.GroupID
		if g := m.groups[d.GroupID]; g != nil {
			label = g.Representative
		}
		label = truncate(label, width-4)
		if i == m.cursor {
			lines = append(lines, m.theme.Selected.Render("> "+label))
			continue
		}
		lines = append(lines, m.theme.Normal.Render("  "+label))
	}
	return m.theme.RoundedBox.Width(width).Render(strings.Join(lines, "\n"))
}

func (m Model) renderDetail(width int) string {
	d := m.current()
	if d == nil {
		return ""
	}

	var b strings.Builder
	if g := m.groups[d.GroupID]; g != nil {
		b.WriteString(m.theme.Bold.Render(g.Representative))
		fmt.Fprintf(&b, "\n%s\n\n", m.theme.Subtitle.Render(fmt.Sprintf("%d products, %s", g.MemberCount, g.Method)))
	}
	fmt.Fprintf(&b, "Suggested commodity: %s\n", m.theme.Code.Render(dash(model.FormatCommodityCode(d.SuggestedCommodityCode()))))
	fmt.Fprintf(&b, "Tax code:            %s\n", m.theme.Code.Render(taxLabel(d)))
	fmt.Fprintf(&b, "Confidence:          %.0f%%\n", d.Confidence*100)
	if d.Reason != "" {
		fmt.Fprintf(&b, "Reason:              %s\n", m.theme.StatusWarning.Render(d.Reason))
	}

	if len(d.CommodityCandidates) > 0 {
		b.WriteString("\nCandidates:\n")
		for i, c := range d.CommodityCandidates {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, "  %s %s %s\n",
				dash(model.FormatCommodityCode(c.Code)),
				truncate(c.Label, width/2),
				m.theme.Subtitle.Render(fmt.Sprintf("%.0f%% %s", c.Confidence*100, c.Source)))
		}
	}

	if m.mode == modeEdit {
		b.WriteString("\n")
		for i := range m.inputs {
			b.WriteString(m.inputs[i].View())
			b.WriteString("\n")
		}
	}
	return m.theme.RoundedBox.Width(width).Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) renderStatus() string {
	progress := m.theme.Subtitle.Render(fmt.Sprintf("reviewed %d, skipped %d", m.reviewed, m.skipped))
	if m.status == "" {
		return progress
	}
	style := m.theme.StatusInfo
	if m.statusErr {
		style = m.theme.StatusError
	}
	return style.Render(m.status) + "  " + progress
}

func taxLabel(d *model.ClassificationDecision) string {
	switch d.TaxState {
	case model.TaxApplied:
		return model.FormatTaxCode(d.TaxCode)
	case model.TaxNotApplicable:
		return "not applicable"
	default:
		return "not evaluated"
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
