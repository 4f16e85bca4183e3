// Package tui is the interactive review queue.
package tui

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/engine"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
	"github.com/Veraticus/taxflow/internal/tui/themes"
)

// Pipeline is what the review screen reads and writes.
type Pipeline interface {
	ReviewQueue(ctx context.Context, filter service.DecisionFilter) ([]model.ClassificationDecision, error)
	Review(ctx context.Context, in engine.ReviewInput) (*model.ClassificationDecision, error)
	Group(ctx context.Context, groupID string) (*model.AggregateGroup, error)
}

// Config holds TUI configuration.
type Config struct {
	Pipeline   Pipeline
	Theme      themes.Theme
	Filter     service.DecisionFilter
	ReviewerID string
	Width      int
	Height     int
}

// mode is what keys currently drive.
type mode int

const (
	modeBrowse mode = iota
	modeEdit
)

// Edit fields, in focus order.
const (
	fieldCommodity = iota
	fieldTax
	fieldNote
	fieldCount
)

// Model holds the review screen state.
type Model struct {
	ctx       context.Context
	groups    map[string]*model.AggregateGroup
	theme     themes.Theme
	help      help.Model
	config    Config
	keymap    KeyMap
	status    string
	queue     []model.ClassificationDecision
	inputs    []textinput.Model
	cursor    int
	focus     int
	reviewed  int
	skipped   int
	width     int
	height    int
	mode      mode
	statusErr bool
	busy      bool
	ready     bool
	quitting  bool
}

// NewModel creates the review model.
func NewModel(ctx context.Context, cfg Config) Model {
	if cfg.Width == 0 {
		cfg.Width = 100
	}
	if cfg.Height == 0 {
		cfg.Height = 30
	}

	inputs := make([]textinput.Model, fieldCount)
	for i := range inputs {
		ti := textinput.New()
		switch i {
		case fieldCommodity:
			ti.Prompt = "Commodity code: "
			ti.Placeholder = "8471.30.12"
			ti.CharLimit = 12
		case fieldTax:
			ti.Prompt = "Tax code:       "
			ti.Placeholder = "21.001.00 (empty if unknown)"
			ti.CharLimit = 10
		case fieldNote:
			ti.Prompt = "Note:           "
			ti.CharLimit = 200
		}
		inputs[i] = ti
	}

	h := help.New()
	h.Width = cfg.Width

	return Model{
		ctx:    ctx,
		config: cfg,
		theme:  cfg.Theme,
		keymap: DefaultKeyMap(),
		help:   h,
		inputs: inputs,
		groups: make(map[string]*model.AggregateGroup),
		width:  cfg.Width,
		height: cfg.Height,
	}
}

// Init loads the queue.
func (m Model) Init() tea.Cmd {
	return loadQueue(m.ctx, m.config.Pipeline, m.config.Filter)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case queueLoadedMsg:
		m.ready = true
		m.busy = false
		if msg.err != nil {
			m.setError(fmt.Sprintf("failed to load the review queue: %v", msg.err))
			return m, nil
		}
		m.queue = msg.decisions
		for id, g := range msg.groups {
			m.groups[id] = g
		}
		m.clampCursor()
		m.setStatus(fmt.Sprintf("%d decisions waiting for review", len(m.queue)))
		return m, nil

	case reviewDoneMsg:
		m.busy = false
		if msg.err != nil {
			if common.KindOf(msg.err) == common.KindInput {
				m.setError(common.ReasonOf(msg.err))
			} else {
				m.setError(fmt.Sprintf("review failed: %v", msg.err))
			}
			return m, nil
		}
		m.remove(msg.groupID)
		m.reviewed++
		m.mode = modeBrowse
		m.setStatus(fmt.Sprintf("Recorded %s for group %s",
			model.FormatCommodityCode(msg.decision.CommodityCode), msg.groupID))
		return m, nil

	case tea.KeyMsg:
		if m.mode == modeEdit {
			return m.updateEdit(msg)
		}
		return m.updateBrowse(msg)
	}
	return m, nil
}

func (m Model) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keymap.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.keymap.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keymap.Up):
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case key.Matches(msg, m.keymap.Down):
		if m.cursor < len(m.queue)-1 {
			m.cursor++
		}
		return m, nil
	case key.Matches(msg, m.keymap.Refresh):
		m.busy = true
		return m, loadQueue(m.ctx, m.config.Pipeline, m.config.Filter)
	}

	current := m.current()
	if current == nil || m.busy {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keymap.Accept):
		return m.submit(engine.ReviewInput{CommodityCode: current.SuggestedCommodityCode()})
	case key.Matches(msg, m.keymap.NotApplicable):
		return m.submit(engine.ReviewInput{CommodityCode: current.SuggestedCommodityCode(), TaxState: model.TaxNotApplicable})
	case key.Matches(msg, m.keymap.Correct):
		m.mode = modeEdit
		m.inputs[fieldCommodity].SetValue(model.FormatCommodityCode(current.SuggestedCommodityCode()))
		m.inputs[fieldTax].SetValue(model.FormatTaxCode(current.TaxCode))
		m.inputs[fieldNote].SetValue("")
		return m, m.focusField(fieldCommodity)
	case key.Matches(msg, m.keymap.Skip):
		m.remove(current.GroupID)
		m.skipped++
		m.setStatus("Skipped group " + current.GroupID)
	}
	return m, nil
}

func (m Model) updateEdit(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keymap.Cancel):
		m.mode = modeBrowse
		m.inputs[m.focus].Blur()
		return m, nil
	case key.Matches(msg, m.keymap.Submit):
		if m.focus < fieldCount-1 {
			return m, m.focusField(m.focus + 1)
		}
		if m.busy {
			return m, nil
		}
		return m.submit(engine.ReviewInput{
			CommodityCode: m.inputs[fieldCommodity].Value(),
			TaxCode:       m.inputs[fieldTax].Value(),
			Note:          m.inputs[fieldNote].Value(),
		})
	}

	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

// submit sends a review of the current decision.
func (m Model) submit(in engine.ReviewInput) (tea.Model, tea.Cmd) {
	current := m.current()
	if current == nil {
		return m, nil
	}
	in.GroupID = current.GroupID
	in.ReviewerID = m.config.ReviewerID
	m.busy = true
	m.setStatus("Saving review...")
	return m, submitReview(m.ctx, m.config.Pipeline, in)
}

func (m *Model) focusField(i int) tea.Cmd {
	m.inputs[m.focus].Blur()
	m.focus = i
	return m.inputs[i].Focus()
}

func (m *Model) current() *model.ClassificationDecision {
	if m.cursor < 0 || m.cursor >= len(m.queue) {
		return nil
	}
	return &m.queue[m.cursor]
}

func (m *Model) remove(groupID string) {
	for i := range m.queue {
		if m.queue[i].GroupID == groupID {
			m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
			break
		}
	}
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.queue) {
		m.cursor = len(m.queue) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) setStatus(s string) {
	m.status = s
	m.statusErr = false
}

func (m *Model) setError(s string) {
	m.status = s
	m.statusErr = true
}

// Reviewed reports how many decisions were reviewed and skipped in this session.
func (m Model) Reviewed() (reviewed, skipped int) {
	return m.reviewed, m.skipped
}
