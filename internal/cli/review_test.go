package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/engine"
	"github.com/Veraticus/taxflow/internal/model"
)

type recordingReviewer struct {
	inputs []engine.ReviewInput
}

func (r *recordingReviewer) Review(_ context.Context, in engine.ReviewInput) (*model.ClassificationDecision, error) {
	if len(in.CommodityCode) != 8 {
		return nil, common.InputError("the commodity code must have 8 digits", nil)
	}
	r.inputs = append(r.inputs, in)
	state := model.TaxUnevaluated
	switch {
	case in.TaxCode != "":
		state = model.TaxApplied
	case in.TaxState != "":
		state = in.TaxState
	}
	return &model.ClassificationDecision{
		GroupID:       in.GroupID,
		CommodityCode: in.CommodityCode,
		TaxCode:       in.TaxCode,
		TaxState:      state,
	}, nil
}

func reviewQueue() []model.ClassificationDecision {
	return []model.ClassificationDecision{
		{
			GroupID:       "g1",
			CommodityCode: "84713012",
			Disposition:   model.DispositionNeedsReview,
			FinalState:    model.StateNeedsReview,
			Reason:        "tax code 21.001.00 has confidence 0.55",
		},
		{
			GroupID:     "g2",
			Disposition: model.DispositionNeedsReview,
			FinalState:  model.StateNeedsReview,
			CommodityCandidates: model.Candidates{
				{Code: "09012100", Label: "Cafe torrado", Confidence: 0.6},
			},
		},
		{GroupID: "g3", Disposition: model.DispositionNeedsReview, FinalState: model.StateNeedsReview},
	}
}

func TestReviewPrompter_Run(t *testing.T) {
	reviewer := &recordingReviewer{}
	var out bytes.Buffer
	input := strings.Join([]string{
		"x",
		"c", "8471", "", "",
		"c", "84713012", "2100100", "dell notebook",
		"n",
		"s",
	}, "\n") + "\n"

	p := NewReviewPrompter(strings.NewReader(input), &out, reviewer, "alice")
	p.Describe = func(_ context.Context, groupID string) string { return "product " + groupID }

	stats, err := p.Run(context.Background(), reviewQueue())
	require.NoError(t, err)
	assert.Equal(t, ReviewStats{Confirmed: 0, Corrected: 2, Skipped: 1}, stats)

	require.Len(t, reviewer.inputs, 2)
	assert.Equal(t, engine.ReviewInput{
		GroupID:       "g1",
		ReviewerID:    "alice",
		CommodityCode: "84713012",
		TaxCode:       "2100100",
		Note:          "dell notebook",
	}, reviewer.inputs[0])
	assert.Equal(t, "09012100", reviewer.inputs[1].CommodityCode, "the best candidate is offered when nothing was decided")
	assert.Equal(t, model.TaxNotApplicable, reviewer.inputs[1].TaxState)

	text := out.String()
	assert.Contains(t, text, "Choose A, C, N, S, or Q")
	assert.Contains(t, text, "the commodity code must have 8 digits")
	assert.Contains(t, text, "product g1")
	assert.Contains(t, text, "Review finished: 0 confirmed, 2 corrected, 1 skipped")
}

func TestReviewPrompter_Quit(t *testing.T) {
	reviewer := &recordingReviewer{}
	var out bytes.Buffer
	p := NewReviewPrompter(strings.NewReader("a\nq\n"), &out, reviewer, "bob")

	stats, err := p.Run(context.Background(), reviewQueue())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirmed)
	require.Len(t, reviewer.inputs, 1)
	assert.Equal(t, "84713012", reviewer.inputs[0].CommodityCode)
}

func TestReviewPrompter_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, err := NewReviewPrompter(strings.NewReader("a\n"), &out, &recordingReviewer{}, "bob").Run(ctx, reviewQueue())
	assert.ErrorIs(t, err, ErrInputCancelled)
}
