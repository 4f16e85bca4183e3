package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/engine"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

// loadQueue fetches the review queue and the group behind each decision.
func loadQueue(ctx context.Context, p Pipeline, filter service.DecisionFilter) tea.Cmd {
	return func() tea.Msg {
		decisions, err := p.ReviewQueue(ctx, filter)
		if err != nil {
			return queueLoadedMsg{err: err}
		}
		groups := make(map[string]*model.AggregateGroup, len(decisions))
		for _, d := range decisions {
			g, err := p.Group(ctx, d.GroupID)
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			if err != nil {
				return queueLoadedMsg{err: err}
			}
			groups[d.GroupID] = g
		}
		return queueLoadedMsg{decisions: decisions, groups: groups}
	}
}

func submitReview(ctx context.Context, p Pipeline, in engine.ReviewInput) tea.Cmd {
	return func() tea.Msg {
		d, err := p.Review(ctx, in)
		return reviewDoneMsg{groupID: in.GroupID, decision: d, err: err}
	}
}
