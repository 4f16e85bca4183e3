package commodity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/taxflow/internal/aggregate"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/knowledge"
	"github.com/Veraticus/taxflow/internal/llm"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
	"github.com/Veraticus/taxflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = common.RetryOptions{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

type fakeFeedback struct {
	bySignature   map[string]*model.FeedbackEntry
	byDescription map[string]*model.FeedbackEntry
}

func (f *fakeFeedback) Lookup(_ context.Context, signature string) (*model.FeedbackEntry, error) {
	if entry, ok := f.bySignature[signature]; ok {
		return entry, nil
	}
	return nil, common.ErrNotFound
}

func (f *fakeFeedback) LookupDescription(_ context.Context, description string) (*model.FeedbackEntry, error) {
	if entry, ok := f.byDescription[description]; ok {
		return entry, nil
	}
	return nil, common.ErrNotFound
}

// flakyStore fails searches with a dependency error.
type flakyStore struct {
	*knowledge.MemoryStore
	searches int
}

func (s *flakyStore) SearchNodes(context.Context, service.NodeQuery) ([]model.CommodityNode, error) {
	s.searches++
	return nil, errors.New("knowledge store offline")
}

func rulesOnly() model.Strategy {
	s := model.DefaultStrategy()
	s.Name = "rules"
	s.RulesOnly = true
	return s
}

func newAgent(t *testing.T, client llm.Client, fb FeedbackSource) *Agent {
	t.Helper()
	return NewAgent(testutil.KnowledgeStore(t), client, fb, nil, WithRetryOptions(fastRetry))
}

func TestResolve_RulesOnlyDetermination(t *testing.T) {
	agent := newAgent(t, nil, nil)
	strategy := rulesOnly()

	res := agent.Resolve(context.Background(), Input{Description: "Notebook Dell i5 8GB", Strategy: strategy})

	require.NotEmpty(t, res.Candidates)
	top := res.Top()
	assert.Equal(t, ActionDetermineNew, res.Action)
	assert.Equal(t, testutil.CodeNotebook, top.Code)
	assert.Equal(t, model.SourceRules, top.Source)
	assert.Equal(t, []string{RuleDirectHeading, "gri-6:gri-1", "gri-6:gri-1"}, top.RulesApplied)
	assert.Less(t, top.Confidence, strategy.AutoApplyThreshold)
	assert.Greater(t, top.Confidence, 0.0)
	assert.False(t, res.Degraded)
	assert.Contains(t, res.Refs, model.KnowledgeRef{File: "interpretation-rules.pdf", Page: 1, Section: "gri-1", Field: "text"})
	assert.Contains(t, res.Refs, model.KnowledgeRef{File: "nomenclature.yaml", Section: "8471", Field: "description"})
}

func TestResolve_ModelRanksShortlist(t *testing.T) {
	client := llm.NewMockClient(`{"rankings":[
		{"code":"8471.30.12","confidence":0.92,"justification":"portable notebook"},
		{"code":"99999999","confidence":0.5,"justification":"invented"},
		{"code":"84716053","confidence":0.1,"justification":"peripheral"}
	]}`)
	agent := newAgent(t, client, nil)

	res := agent.Resolve(context.Background(), Input{Description: "Notebook Dell i5 8GB"})

	require.Equal(t, 1, client.CallCount())
	prompt := client.Calls()[0].Prompt
	assert.Contains(t, prompt, "8471.30.12")
	assert.Contains(t, prompt, "GRI-1")

	top := res.Top()
	assert.Equal(t, testutil.CodeNotebook, top.Code)
	assert.Equal(t, model.SourceLLM, top.Source)
	assert.InDelta(t, 0.92, top.Confidence, 0.0001)

	codes := make([]string, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		codes = append(codes, c.Code)
	}
	assert.Contains(t, codes, testutil.CodeMouse)
	assert.NotContains(t, codes, "99999999", "codes failing the structural check are dropped")
	require.NoError(t, res.Candidates.Validate())
}

func TestResolve_FeedbackSkipsModel(t *testing.T) {
	description := "Notebook Dell i5 8GB"
	entry := &model.FeedbackEntry{
		Signature:     model.Signature(aggregate.Normalize(description), testutil.CodeNotebook),
		CommodityCode: testutil.CodeNotebook,
		ReviewerID:    "alice",
		Confidence:    0.97,
	}
	fb := &fakeFeedback{bySignature: map[string]*model.FeedbackEntry{entry.Signature: entry}}
	client := llm.NewMockClient(`{}`)
	agent := newAgent(t, client, fb)

	res := agent.Resolve(context.Background(), Input{Description: description, ExistingCode: "8471.30.12"})

	assert.Equal(t, 0, client.CallCount())
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, model.SourceFeedback, res.Candidates[0].Source)
	assert.Equal(t, ActionConfirmExisting, res.Action)
	assert.Same(t, entry, res.Feedback)
}

func TestResolve_FeedbackByDescription(t *testing.T) {
	description := "Paracetamol 500mg comprimidos"
	entry := &model.FeedbackEntry{CommodityCode: testutil.CodeMedicine, ReviewerID: "bob", Confidence: 0.95}
	fb := &fakeFeedback{byDescription: map[string]*model.FeedbackEntry{aggregate.Normalize(description): entry}}
	client := llm.NewMockClient(`{}`)
	agent := newAgent(t, client, fb)

	res := agent.Resolve(context.Background(), Input{Description: description})

	assert.Equal(t, 0, client.CallCount())
	assert.Equal(t, testutil.CodeMedicine, res.Top().Code)
	assert.Equal(t, ActionDetermineNew, res.Action)
}

func TestResolve_WeakFeedbackIsOnlyACandidate(t *testing.T) {
	description := "Notebook Dell i5 8GB"
	entry := &model.FeedbackEntry{CommodityCode: testutil.CodeMouse, ReviewerID: "bob", Confidence: 0.4}
	fb := &fakeFeedback{byDescription: map[string]*model.FeedbackEntry{aggregate.Normalize(description): entry}}
	agent := newAgent(t, nil, fb)

	res := agent.Resolve(context.Background(), Input{Description: description, Strategy: rulesOnly()})

	require.Len(t, res.Candidates, 2)
	assert.Equal(t, testutil.CodeNotebook, res.Top().Code)
	assert.Equal(t, model.SourceFeedback, res.Candidates[1].Source)
}

func TestResolve_ConfirmsExistingCode(t *testing.T) {
	client := llm.NewMockClient(`{"consistent":true,"confidence":0.9,"justification":"a notebook is a portable machine"}`)
	agent := newAgent(t, client, nil)

	res := agent.Resolve(context.Background(), Input{Description: "Notebook Dell i5 8GB", ExistingCode: testutil.CodeNotebook})

	assert.Equal(t, ActionConfirmExisting, res.Action)
	require.Len(t, res.Candidates, 1)
	top := res.Candidates[0]
	assert.Equal(t, model.SourceExisting, top.Source)
	assert.Contains(t, top.RulesApplied, RuleStructuralCheck)
	assert.InDelta(t, 0.9, top.Confidence, 0.0001)
	assert.Len(t, res.Refs, 4, "one reference per hierarchy level")
	assert.Equal(t, 1, client.CallCount())
	assert.Equal(t, judgmentSchema, client.Calls()[0].Schema)
}

func TestResolve_RejectedExistingCodeFallsBackToDetermination(t *testing.T) {
	client := &llm.MockClient{Handler: func(req llm.Request) (llm.Response, error) {
		if req.Schema == judgmentSchema {
			return llm.Response{Content: `{"consistent":false,"confidence":0.8,"justification":"a mouse is not a notebook"}`}, nil
		}
		return llm.Response{Content: `{"rankings":[{"code":"84713012","confidence":0.88,"justification":"notebook"}]}`}, nil
	}}
	agent := newAgent(t, client, nil)

	res := agent.Resolve(context.Background(), Input{Description: "Notebook Dell i5 8GB", ExistingCode: testutil.CodeMouse})

	assert.Equal(t, ActionDetermineNew, res.Action)
	assert.Equal(t, testutil.CodeNotebook, res.Top().Code)
	assert.Equal(t, 2, client.CallCount())

	var existing *model.Candidate
	for i := range res.Candidates {
		if res.Candidates[i].Code == testutil.CodeMouse {
			existing = &res.Candidates[i]
		}
	}
	require.NotNil(t, existing)
	assert.InDelta(t, 0.2, existing.Confidence, 0.0001)
}

func TestResolve_OrphanExistingCodeIsNeverProposed(t *testing.T) {
	agent := newAgent(t, nil, nil)

	res := agent.Resolve(context.Background(), Input{
		Description:  "Notebook Dell i5 8GB",
		ExistingCode: "84719999",
		Strategy:     rulesOnly(),
	})

	for _, c := range res.Candidates {
		assert.NotEqual(t, "84719999", c.Code)
	}
	assert.Equal(t, testutil.CodeNotebook, res.Top().Code)
}

func TestResolve_NoMatchIsNeverEmpty(t *testing.T) {
	agent := newAgent(t, nil, nil)

	for _, description := range []string{"zzz qqq", "", "   "} {
		t.Run(fmt.Sprintf("%q", description), func(t *testing.T) {
			res := agent.Resolve(context.Background(), Input{Description: description, Strategy: rulesOnly()})

			require.Len(t, res.Candidates, 1)
			assert.Zero(t, res.Candidates[0].Confidence)
			assert.Empty(t, res.Candidates[0].Code)
			assert.False(t, res.Candidates[0].ResolutionError)
		})
	}
}

func TestResolve_ModelFailureDegrades(t *testing.T) {
	client := llm.NewFailingMockClient(common.DependencyError("language model unavailable", errors.New("503")))
	agent := newAgent(t, client, nil)

	res := agent.Resolve(context.Background(), Input{Description: "Notebook Dell i5 8GB"})

	assert.True(t, res.Degraded)
	assert.Equal(t, common.KindDependency, common.KindOf(res.Err))
	require.NotEmpty(t, res.Candidates)
	top := res.Top()
	assert.True(t, top.ResolutionError)
	assert.Zero(t, top.Confidence)
	for _, c := range res.Candidates {
		assert.Zero(t, c.Confidence)
	}

	var codes []string
	for _, c := range res.Candidates {
		codes = append(codes, c.Code)
	}
	assert.Contains(t, codes, testutil.CodeNotebook, "rule-chain codes are kept for the reviewer")
}

func TestResolve_UnreadableModelOutputDegrades(t *testing.T) {
	agent := newAgent(t, llm.NewMockClient("I think it is a notebook"), nil)

	res := agent.Resolve(context.Background(), Input{Description: "Notebook Dell i5 8GB"})

	assert.True(t, res.Degraded)
	assert.True(t, res.Top().ResolutionError)
}

func TestResolve_KnowledgeFailureRetriesThenDegrades(t *testing.T) {
	store := &flakyStore{MemoryStore: testutil.KnowledgeStore(t)}
	agent := NewAgent(store, nil, nil, nil, WithRetryOptions(fastRetry))

	res := agent.Resolve(context.Background(), Input{Description: "Notebook Dell i5 8GB", Strategy: rulesOnly()})

	assert.Equal(t, 2, store.searches)
	assert.True(t, res.Degraded)
	require.Len(t, res.Candidates, 1)
	assert.True(t, res.Candidates[0].ResolutionError)
	assert.ErrorIs(t, res.Err, common.ErrMaxRetries)
}

func TestResolve_CandidatesStayInHierarchy(t *testing.T) {
	store := testutil.KnowledgeStore(t)
	agent := NewAgent(store, nil, nil, nil, WithRetryOptions(fastRetry))

	descriptions := []string{
		"Notebook Dell i5 8GB",
		"Paracetamol 500mg comprimidos",
		"Cafe torrado moido 500g",
		"Mouse optico USB",
		"Medicamentos analgesicos dipirona",
	}
	for _, description := range descriptions {
		res := agent.Resolve(context.Background(), Input{Description: description, Strategy: rulesOnly()})
		for _, c := range res.Candidates {
			if c.Code == "" {
				continue
			}
			prefixes, err := model.CommodityPrefixes(c.Code)
			require.NoError(t, err, description)
			for _, prefix := range prefixes {
				_, err := store.Node(context.Background(), prefix)
				assert.NoError(t, err, "%s: %s", description, prefix)
			}
		}
	}
}

// crowdedKnowledge buries a fully matching chain in chapter 85 behind 240
// lower-coded nodes that share a single product term.
func crowdedKnowledge() model.KnowledgeBundle {
	nodes := []model.CommodityNode{
		{Code: "48", Level: model.LevelChapter, Description: "Papel e cartao"},
		{Code: "85", Level: model.LevelChapter, Description: "Maquinas e aparelhos eletricos, caixas acusticas"},
		{Code: "8518", Level: model.LevelHeading, Description: "Caixas acusticas e alto-falantes, som bluetooth"},
		{Code: "851822", Level: model.LevelSubheading, Description: "Caixas acusticas multiplas, som bluetooth"},
		{Code: "85182200", Level: model.LevelItem, Description: "Caixas acusticas de som bluetooth"},
	}
	for h := 1; h <= 20; h++ {
		heading := fmt.Sprintf("48%02d", h)
		nodes = append(nodes,
			model.CommodityNode{Code: heading, Level: model.LevelHeading, Description: "Caixas de papel"},
			model.CommodityNode{Code: heading + "10", Level: model.LevelSubheading, Description: "Caixas de papel ondulado"},
		)
		for i := 1; i <= 10; i++ {
			nodes = append(nodes, model.CommodityNode{
				Code:        fmt.Sprintf("%s10%02d", heading, i),
				Level:       model.LevelItem,
				Description: fmt.Sprintf("Caixas de papel modelo %d", i),
			})
		}
	}
	return model.KnowledgeBundle{Nodes: nodes, InterpretationRules: testutil.InterpretationRules()}
}

func TestResolve_RelevantChainSurvivesCrowdedSearch(t *testing.T) {
	bundle := crowdedKnowledge()
	require.Greater(t, len(bundle.Nodes)-5, searchLimit)

	agent := NewAgent(knowledge.NewMemoryStore(bundle), nil, nil, nil, WithRetryOptions(fastRetry))
	res := agent.Resolve(context.Background(), Input{Description: "Caixa som bluetooth acustica", Strategy: rulesOnly()})

	require.NotEmpty(t, res.Candidates)
	assert.Equal(t, "85182200", res.Top().Code)
	assert.NotContains(t, res.Top().RulesApplied, RuleLatestNumbered)
}
