package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the review TUI and blocks until the user quits or ctx ends.
func Run(ctx context.Context, cfg Config) (reviewed, skipped int, err error) {
	if cfg.Pipeline == nil {
		return 0, 0, fmt.Errorf("review pipeline is required")
	}
	if cfg.ReviewerID == "" {
		return 0, 0, fmt.Errorf("reviewer id is required")
	}

	p := tea.NewProgram(NewModel(ctx, cfg), tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return 0, 0, fmt.Errorf("review TUI failed: %w", err)
	}
	m, ok := final.(Model)
	if !ok {
		return 0, 0, nil
	}
	reviewed, skipped = m.Reviewed()
	return reviewed, skipped, nil
}
