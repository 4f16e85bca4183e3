package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/commodity"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/feedback"
	"github.com/Veraticus/taxflow/internal/llm"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/taxcode"
	"github.com/Veraticus/taxflow/internal/testutil"
)

var fastRetry = common.RetryOptions{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

type harness struct {
	db        *testutil.TestDB
	orch      *Orchestrator
	feedback  *feedback.Set
	commodity *countingCommodity
	tax       *countingTax
}

type harnessOptions struct {
	client    llm.Client
	knowledge *model.KnowledgeBundle
	cfg       func(*Config)
	opts      []Option
}

func newHarness(t *testing.T, client llm.Client) *harness {
	t.Helper()
	return newHarnessWith(t, harnessOptions{client: client})
}

func newHarnessWith(t *testing.T, ho harnessOptions) *harness {
	t.Helper()

	db := testutil.SetupTestDBWithOptions(t, testutil.TestDBOptions{
		Tenants:       testutil.DefaultTenants(),
		SkipKnowledge: ho.knowledge != nil,
	})
	if ho.knowledge != nil {
		require.NoError(t, db.Storage.LoadKnowledge(db.Ctx, *ho.knowledge))
	}

	set := feedback.NewSet(db.Storage, nil)
	counting := &countingCommodity{
		next:  commodity.NewAgent(db.Storage, ho.client, set, nil, commodity.WithRetryOptions(fastRetry)),
		calls: map[string]int{},
	}
	tax := &countingTax{
		next:  taxcode.NewAgent(db.Storage, nil, taxcode.WithRetryOptions(fastRetry)),
		calls: map[string]int{},
	}

	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.PauseAfterFailures = 0
	cfg.Retry = fastRetry
	if ho.cfg != nil {
		ho.cfg(&cfg)
	}

	orch, err := New(Dependencies{
		Store:     db.Storage,
		Knowledge: db.Storage,
		Commodity: counting,
		Tax:       tax,
		Feedback:  set,
	}, cfg, ho.opts...)
	require.NoError(t, err)

	return &harness{db: db, orch: orch, feedback: set, commodity: counting, tax: tax}
}

// submitAndRun submits records for a tenant and runs the batch to completion.
func (h *harness) submitAndRun(t *testing.T, tenantID string, records []model.ProductRecord, strategy model.Strategy) (*model.Batch, *Report) {
	t.Helper()
	batch, err := h.orch.SubmitBatch(h.db.Ctx, tenantID, records, strategy)
	require.NoError(t, err)
	report, err := h.orch.RunBatch(h.db.Ctx, batch.ID)
	require.NoError(t, err)
	return batch, report
}

// groupOf returns the group holding a source record.
func (h *harness) groupOf(t *testing.T, batchID, sourceID string) model.AggregateGroup {
	t.Helper()
	groups, err := h.db.Storage.GetGroups(h.db.Ctx, batchID)
	require.NoError(t, err)
	for _, g := range groups {
		for _, id := range g.MemberIDs {
			if id == sourceID {
				return g
			}
		}
	}
	t.Fatalf("record %s is in no group of batch %s", sourceID, batchID)
	return model.AggregateGroup{}
}

func (h *harness) decisionFor(t *testing.T, batchID, sourceID string) *model.ClassificationDecision {
	t.Helper()
	g := h.groupOf(t, batchID, sourceID)
	d, err := h.orch.Decision(h.db.Ctx, g.ID)
	require.NoError(t, err)
	return d
}

// scriptedModel answers judgments positively and ranks the item that fits
// the product named in the prompt.
func scriptedModel() *llm.MockClient {
	return &llm.MockClient{Handler: func(req llm.Request) (llm.Response, error) {
		if strings.Contains(req.Schema, `"consistent"`) {
			return llm.Response{Content: `{"consistent":true,"confidence":0.9,"justification":"the code matches the product"}`}, nil
		}
		code := testutil.CodeNotebook
		switch {
		case strings.Contains(req.Prompt, "Product description: Cafe"):
			code = testutil.CodeCoffee
		case strings.Contains(req.Prompt, "Product description: Paracetamol"):
			code = testutil.CodeMedicine
		}
		return llm.Response{Content: fmt.Sprintf(`{"rankings":[{"code":"%s","confidence":0.9,"justification":"best fit"}]}`, code)}, nil
	}}
}

func rulesOnly() model.Strategy {
	s := model.DefaultStrategy()
	s.Name = "rules-only"
	s.RulesOnly = true
	return s
}

type countingCommodity struct {
	next  CommodityResolver
	calls map[string]int
	mu    sync.Mutex
}

func (c *countingCommodity) Resolve(ctx context.Context, in commodity.Input) *commodity.Result {
	c.mu.Lock()
	c.calls[in.GroupID]++
	c.mu.Unlock()
	return c.next.Resolve(ctx, in)
}

func (c *countingCommodity) count(groupID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[groupID]
}

type countingTax struct {
	next  TaxResolver
	calls map[string]int
	mu    sync.Mutex
}

func (c *countingTax) Resolve(ctx context.Context, in taxcode.Input) *taxcode.Result {
	c.mu.Lock()
	c.calls[in.GroupID]++
	c.mu.Unlock()
	return c.next.Resolve(ctx, in)
}

func (c *countingTax) count(groupID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[groupID]
}
