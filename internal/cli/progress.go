package cli

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/Veraticus/taxflow/internal/engine"
	"github.com/Veraticus/taxflow/internal/model"
)

// BatchProgress draws a progress bar while a batch runs and tallies outcomes.
// Observe is safe to call from worker goroutines.
type BatchProgress struct {
	writer   io.Writer
	bar      *progressbar.ProgressBar
	counts   map[model.WorkflowState]int
	degraded int
	mu       sync.Mutex
}

// NewBatchProgress creates a bar for total groups.
func NewBatchProgress(w io.Writer, total int) *BatchProgress {
	p := &BatchProgress{writer: w, counts: make(map[model.WorkflowState]int)}
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]Classifying groups...[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprintln(w); err != nil {
				slog.Warn("Failed to write newline after progress bar", "error", err)
			}
		}),
	)
	return p
}

// Observe records one finished group.
func (p *BatchProgress) Observe(outcome engine.GroupOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[outcome.State]++
	if outcome.Degraded {
		p.degraded++
	}
	if err := p.bar.Add(1); err != nil {
		slog.Warn("Failed to update progress bar", "error", err)
	}
}

// Counts returns how many observed groups ended in each state.
func (p *BatchProgress) Counts() map[model.WorkflowState]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[model.WorkflowState]int, len(p.counts))
	for k, v := range p.counts {
		out[k] = v
	}
	return out
}

// Finish completes the bar.
func (p *BatchProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.bar.Finish(); err != nil {
		slog.Warn("Failed to finish progress bar", "error", err)
	}
}

// FormatReport renders a batch report as a summary box.
func FormatReport(r *engine.Report) string {
	summary := fmt.Sprintf("Batch:        %s\n", r.Batch.ID) +
		fmt.Sprintf("Tenant:       %s\n", r.Batch.TenantID) +
		fmt.Sprintf("Status:       %s\n", r.Batch.Status) +
		fmt.Sprintf("Records:      %d in %d groups\n", r.Batch.RecordCount, r.Batch.GroupCount)
	for _, state := range model.AllWorkflowStates {
		if n := r.States[state]; n > 0 {
			summary += fmt.Sprintf("  • %-20s %s\n", state, StateStyle(state).Render(fmt.Sprint(n)))
		}
	}
	if r.Processed > 0 {
		summary += fmt.Sprintf("Processed:    %d this run", r.Processed)
		if r.Degraded > 0 {
			summary += fmt.Sprintf(" (%d degraded)", r.Degraded)
		}
		summary += "\n"
	}
	if r.Pauses > 0 {
		summary += fmt.Sprintf("Pauses:       %d\n", r.Pauses)
	}
	if r.Elapsed > 0 {
		summary += fmt.Sprintf("Elapsed:      %s\n", r.Elapsed.Round(time.Millisecond))
	}
	return RenderBox("Batch Report", summary)
}
