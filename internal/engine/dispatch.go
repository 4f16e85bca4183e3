package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/taxflow/internal/model"
)

// Report summarizes a batch.
type Report struct {
	Batch     *model.Batch
	States    map[model.WorkflowState]int
	Processed int
	Degraded  int
	Pauses    int
	Elapsed   time.Duration
}

// Terminal reports how many groups reached a terminal state.
func (r *Report) Terminal() int {
	n := 0
	for state, count := range r.States {
		if state.IsTerminal() {
			n += count
		}
	}
	return n
}

// Remaining reports how many groups are still in flight or pending.
func (r *Report) Remaining() int {
	n := 0
	for state, count := range r.States {
		if !state.IsTerminal() {
			n += count
		}
	}
	return n
}

// BatchStatus reports the batch and how many groups sit in each state.
func (o *Orchestrator) BatchStatus(ctx context.Context, batchID string) (*Report, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	states, err := o.store.StateCounts(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count group states: %w", err)
	}
	return &Report{Batch: batch, States: states}, nil
}

// RunBatch classifies every non-terminal group of a batch. Canceling ctx stops
// dispatch; groups already in flight still reach a terminal state.
func (o *Orchestrator) RunBatch(ctx context.Context, batchID string) (*Report, error) {
	return o.run(ctx, batchID, false)
}

// ResumeBatch continues a partially processed batch. Every group restarts
// from its last persisted state.
func (o *Orchestrator) ResumeBatch(ctx context.Context, batchID string) (*Report, error) {
	return o.run(ctx, batchID, true)
}

type pendingGroup struct {
	group    model.AggregateGroup
	progress *model.GroupProgress
}

func (o *Orchestrator) run(ctx context.Context, batchID string, resume bool) (*Report, error) {
	start := o.now()
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	groups, err := o.store.GetGroups(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}

	var work []pendingGroup
	for _, g := range groups {
		p, err := o.store.GetProgress(ctx, g.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load progress of group %s: %w", g.ID, err)
		}
		if !p.State.IsTerminal() {
			work = append(work, pendingGroup{group: g, progress: p})
		}
	}

	company, err := o.company(ctx, batch.TenantID)
	if err != nil {
		return nil, err
	}
	if err := o.store.UpdateBatchStatus(ctx, batchID, model.BatchRunning); err != nil {
		return nil, fmt.Errorf("failed to mark batch running: %w", err)
	}

	o.logger.Info("running batch",
		"batch_id", batchID,
		"resume", resume,
		"groups", len(groups),
		"remaining", len(work),
		"workers", o.cfg.Workers)

	report := &Report{Batch: batch}
	dispatchErr := o.dispatch(ctx, batch, work, company, report)

	// Final bookkeeping must land even when the caller canceled.
	bg := context.WithoutCancel(ctx)
	states, err := o.store.StateCounts(bg, batchID)
	if err != nil {
		return nil, errors.Join(dispatchErr, fmt.Errorf("failed to count group states: %w", err))
	}
	report.States = states
	report.Elapsed = o.now().Sub(start)

	status := model.BatchRunning
	switch {
	case ctx.Err() != nil:
		status = model.BatchCanceled
	case dispatchErr == nil && report.Remaining() == 0:
		status = model.BatchCompleted
	}
	if err := o.store.UpdateBatchStatus(bg, batchID, status); err != nil {
		return nil, errors.Join(dispatchErr, fmt.Errorf("failed to update batch status: %w", err))
	}
	if updated, err := o.store.GetBatch(bg, batchID); err == nil {
		report.Batch = updated
	}

	o.logger.Info("batch run finished",
		"batch_id", batchID,
		"status", status,
		"processed", report.Processed,
		"degraded", report.Degraded,
		"remaining", report.Remaining(),
		"elapsed", report.Elapsed)

	if dispatchErr != nil {
		return report, dispatchErr
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, nil
}

// dispatch feeds groups to a bounded worker pool. In-flight groups run on a
// context detached from ctx so cancellation never leaves a group half written.
func (o *Orchestrator) dispatch(ctx context.Context, batch *model.Batch, work []pendingGroup, company model.CompanyContext, report *Report) error {
	var (
		g           errgroup.Group
		mu          sync.Mutex
		consecutive atomic.Int64
	)
	g.SetLimit(o.cfg.Workers)
	detached := context.WithoutCancel(ctx)

	for i := range work {
		if ctx.Err() != nil {
			o.logger.Warn("batch canceled, stopping dispatch",
				"batch_id", batch.ID,
				"undispatched", len(work)-i)
			break
		}
		if o.cfg.PauseAfterFailures > 0 && consecutive.Load() >= int64(o.cfg.PauseAfterFailures) {
			o.logger.Warn("dependencies failing, pausing dispatch",
				"batch_id", batch.ID,
				"consecutive_degraded", consecutive.Load(),
				"pause", o.cfg.PauseDuration)
			mu.Lock()
			report.Pauses++
			mu.Unlock()
			if !sleep(ctx, o.cfg.PauseDuration) {
				continue
			}
			consecutive.Store(0)
		}

		item := work[i]
		g.Go(func() error {
			release, ok := o.claim(item.group.ID)
			if !ok {
				o.logger.Warn("group already in flight, skipping", "group_id", item.group.ID)
				return nil
			}
			defer release()

			group := item.group
			outcome, err := o.processGroup(detached, batch, &group, item.progress, company)
			if err != nil {
				return err
			}
			if outcome.Degraded {
				consecutive.Add(1)
			} else {
				consecutive.Store(0)
			}

			mu.Lock()
			report.Processed++
			if outcome.Degraded {
				report.Degraded++
			}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// sleep waits for d or until ctx is done, reporting whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
