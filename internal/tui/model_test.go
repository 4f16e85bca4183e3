package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/engine"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
	"github.com/Veraticus/taxflow/internal/tui/themes"
)

type fakePipeline struct {
	queueErr error
	groups   map[string]*model.AggregateGroup
	filter   service.DecisionFilter
	queue    []model.ClassificationDecision
	reviews  []engine.ReviewInput
}

func (f *fakePipeline) ReviewQueue(_ context.Context, filter service.DecisionFilter) ([]model.ClassificationDecision, error) {
	f.filter = filter
	return f.queue, f.queueErr
}

func (f *fakePipeline) Review(_ context.Context, in engine.ReviewInput) (*model.ClassificationDecision, error) {
	if len(model.NormalizeCommodityCode(in.CommodityCode)) != 8 {
		return nil, common.InputError("the commodity code must have 8 digits", nil)
	}
	f.reviews = append(f.reviews, in)
	return &model.ClassificationDecision{GroupID: in.GroupID, CommodityCode: model.NormalizeCommodityCode(in.CommodityCode)}, nil
}

func (f *fakePipeline) Group(_ context.Context, groupID string) (*model.AggregateGroup, error) {
	g, ok := f.groups[groupID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return g, nil
}

func newFake() *fakePipeline {
	return &fakePipeline{
		queue: []model.ClassificationDecision{
			{GroupID: "g1", CommodityCode: "84713012", Disposition: model.DispositionNeedsReview, Reason: "low confidence"},
			{GroupID: "g2", CommodityCandidates: model.Candidates{{Code: "09012100", Label: "Cafe torrado", Confidence: 0.6}}},
		},
		groups: map[string]*model.AggregateGroup{
			"g1": {ID: "g1", Representative: "notebook dell i5 8gb", MemberCount: 2},
		},
	}
}

// drive runs cmd and feeds its message back into the model.
func drive(t *testing.T, m tea.Model, cmd tea.Cmd) tea.Model {
	t.Helper()
	require.NotNil(t, cmd)
	next, _ := m.Update(cmd())
	return next
}

func press(m tea.Model, keys string) (tea.Model, tea.Cmd) {
	switch keys {
	case "enter":
		return m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	case "esc":
		return m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	case "down":
		return m.Update(tea.KeyMsg{Type: tea.KeyDown})
	}
	return m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(keys)})
}

func loaded(t *testing.T, f *fakePipeline) tea.Model {
	t.Helper()
	m := NewModel(context.Background(), Config{
		Pipeline:   f,
		Theme:      themes.Default,
		Filter:     service.DecisionFilter{Unreviewed: true, Limit: 50},
		ReviewerID: "alice",
	})
	return drive(t, m, m.Init())
}

func TestModel_LoadsQueue(t *testing.T) {
	f := newFake()
	m := loaded(t, f)

	got := m.(Model)
	assert.True(t, got.ready)
	assert.Len(t, got.queue, 2)
	assert.Contains(t, got.groups, "g1")
	assert.NotContains(t, got.groups, "g2", "missing groups are tolerated")
	assert.True(t, f.filter.Unreviewed)
	assert.Contains(t, m.View(), "notebook dell i5 8gb")
}

func TestModel_LoadError(t *testing.T) {
	f := newFake()
	f.queueErr = errors.New("database locked")
	m := loaded(t, f).(Model)
	assert.True(t, m.statusErr)
	assert.Contains(t, m.View(), "database locked")
}

func TestModel_AcceptAndNotApplicable(t *testing.T) {
	f := newFake()
	m := loaded(t, f)

	m, cmd := press(m, "a")
	assert.True(t, m.(Model).busy)
	m = drive(t, m, cmd)

	require.Len(t, f.reviews, 1)
	assert.Equal(t, engine.ReviewInput{GroupID: "g1", ReviewerID: "alice", CommodityCode: "84713012"}, f.reviews[0])
	assert.Len(t, m.(Model).queue, 1)

	m, cmd = press(m, "n")
	m = drive(t, m, cmd)
	require.Len(t, f.reviews, 2)
	assert.Equal(t, "09012100", f.reviews[1].CommodityCode, "the best candidate is suggested when nothing was decided")
	assert.Equal(t, model.TaxNotApplicable, f.reviews[1].TaxState)

	reviewed, skipped := m.(Model).Reviewed()
	assert.Equal(t, 2, reviewed)
	assert.Zero(t, skipped)
	assert.Contains(t, m.View(), "Nothing waiting for review")
}

func TestModel_CorrectCodes(t *testing.T) {
	f := newFake()
	m := loaded(t, f)

	m, _ = press(m, "c")
	require.Equal(t, modeEdit, m.(Model).mode)
	assert.Equal(t, "8471.30.12", m.(Model).inputs[fieldCommodity].Value())

	edit := m.(Model)
	edit.inputs[fieldCommodity].SetValue("8471")
	m = edit

	m, _ = press(m, "enter")
	m, _ = press(m, "enter")
	assert.Equal(t, fieldNote, m.(Model).focus)

	m, cmd := press(m, "enter")
	m = drive(t, m, cmd)
	assert.Empty(t, f.reviews)
	assert.Equal(t, modeEdit, m.(Model).mode, "an invalid code keeps the form open")
	assert.Contains(t, m.(Model).status, "8 digits")

	edit = m.(Model)
	edit.inputs[fieldCommodity].SetValue("8471.30.19")
	m = edit
	m, cmd = press(m, "enter")
	m = drive(t, m, cmd)
	require.Len(t, f.reviews, 1)
	assert.Equal(t, "8471.30.19", f.reviews[0].CommodityCode)
	assert.Equal(t, modeBrowse, m.(Model).mode)
}

func TestModel_SkipNavigateQuit(t *testing.T) {
	f := newFake()
	m := loaded(t, f)

	m, _ = press(m, "down")
	assert.Equal(t, 1, m.(Model).cursor)
	m, _ = press(m, "down")
	assert.Equal(t, 1, m.(Model).cursor)

	m, _ = press(m, "s")
	assert.Len(t, m.(Model).queue, 1)
	assert.Equal(t, 0, m.(Model).cursor)
	_, skipped := m.(Model).Reviewed()
	assert.Equal(t, 1, skipped)

	m, _ = press(m, "c")
	m, _ = press(m, "esc")
	assert.Equal(t, modeBrowse, m.(Model).mode)

	m, cmd := press(m, "q")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m.View())
}
