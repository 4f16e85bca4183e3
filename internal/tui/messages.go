package tui

import "github.com/Veraticus/taxflow/internal/model"

type queueLoadedMsg struct {
	err       error
	groups    map[string]*model.AggregateGroup
	decisions []model.ClassificationDecision
}

type reviewDoneMsg struct {
	err      error
	decision *model.ClassificationDecision
	groupID  string
}
