package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/engine"
	"github.com/Veraticus/taxflow/internal/model"
)

// Reviewer applies a human decision.
type Reviewer interface {
	Review(ctx context.Context, in engine.ReviewInput) (*model.ClassificationDecision, error)
}

// ReviewStats counts what happened in a review session.
type ReviewStats struct {
	Confirmed int
	Corrected int
	Skipped   int
}

// ReviewPrompter walks the review queue one decision at a time on a plain terminal.
type ReviewPrompter struct {
	reader     *LineReader
	writer     io.Writer
	reviewer   Reviewer
	reviewerID string
	// Describe returns the representative description shown for a group.
	Describe func(ctx context.Context, groupID string) string
}

// NewReviewPrompter creates a prompter that records reviews as reviewerID.
func NewReviewPrompter(in io.Reader, out io.Writer, reviewer Reviewer, reviewerID string) *ReviewPrompter {
	return &ReviewPrompter{
		reader:     NewLineReader(in),
		writer:     out,
		reviewer:   reviewer,
		reviewerID: reviewerID,
	}
}

var errQuit = errors.New("review quit")

// Run prompts for each queued decision until the queue is exhausted, the user quits, or ctx ends.
func (p *ReviewPrompter) Run(ctx context.Context, queue []model.ClassificationDecision) (ReviewStats, error) {
	var stats ReviewStats
	for i := range queue {
		d := &queue[i]
		if err := p.show(ctx, d, i+1, len(queue)); err != nil {
			return stats, err
		}
		err := p.reviewOne(ctx, d, &stats)
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			return stats, err
		}
	}
	p.printf("\n%s\n", FormatSuccess(fmt.Sprintf("Review finished: %d confirmed, %d corrected, %d skipped",
		stats.Confirmed, stats.Corrected, stats.Skipped)))
	return stats, nil
}

func (p *ReviewPrompter) show(ctx context.Context, d *model.ClassificationDecision, n, total int) error {
	content := FormatDecision(d)
	if p.Describe != nil {
		if desc := p.Describe(ctx, d.GroupID); desc != "" {
			content = "Product:     " + BoldStyle.Render(desc) + "\n" + content
		}
	}
	_, err := fmt.Fprintln(p.writer, RenderBox(fmt.Sprintf("%s Review %d of %d", ReviewIcon, n, total), content))
	if err != nil {
		return fmt.Errorf("failed to write decision: %w", err)
	}
	p.printf("  [A] Accept %s\n", SuccessStyle.Render(orDash(model.FormatCommodityCode(d.SuggestedCommodityCode()))))
	p.printf("  [C] Enter the correct codes\n")
	p.printf("  [N] Accept the commodity code, no tax code applies\n")
	p.printf("  [S] Skip\n")
	p.printf("  [Q] Quit\n\n")
	return nil
}

func (p *ReviewPrompter) reviewOne(ctx context.Context, d *model.ClassificationDecision, stats *ReviewStats) error {
	for {
		choice, err := p.reader.Ask(ctx, p.writer, "Choice")
		if err != nil {
			return err
		}

		in := engine.ReviewInput{GroupID: d.GroupID, ReviewerID: p.reviewerID}
		switch strings.ToLower(choice) {
		case "a":
			in.CommodityCode = d.SuggestedCommodityCode()
		case "n":
			in.CommodityCode = d.SuggestedCommodityCode()
			in.TaxState = model.TaxNotApplicable
		case "c":
			if in.CommodityCode, err = p.reader.Ask(ctx, p.writer, "Commodity code (8 digits)"); err != nil {
				return err
			}
			if in.TaxCode, err = p.reader.Ask(ctx, p.writer, "Tax code (7 digits, empty if none is known)"); err != nil {
				return err
			}
			if in.Note, err = p.reader.Ask(ctx, p.writer, "Note"); err != nil {
				return err
			}
		case "s":
			stats.Skipped++
			return nil
		case "q":
			return errQuit
		default:
			p.printf("%s\n", FormatWarning("Choose A, C, N, S, or Q"))
			continue
		}

		updated, err := p.reviewer.Review(ctx, in)
		if err != nil {
			if common.KindOf(err) == common.KindInput {
				p.printf("%s\n", FormatError(common.ReasonOf(err)))
				continue
			}
			return err
		}
		if updated.CommodityCode != d.CommodityCode || updated.TaxCode != d.TaxCode {
			stats.Corrected++
		} else {
			stats.Confirmed++
		}
		p.printf("%s\n\n", FormatSuccess(fmt.Sprintf("Recorded %s / %s",
			model.FormatCommodityCode(updated.CommodityCode), FormatTax(updated.TaxCode, updated.TaxState))))
		return nil
	}
}

func (p *ReviewPrompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.writer, format, args...)
}
