package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

func newTestHandler(t *testing.T, p *fakePipeline) http.Handler {
	t.Helper()
	return NewHandler(Deps{
		Pipeline: p,
		Strategy: func(name string) (model.Strategy, error) {
			switch name {
			case "", "default":
				return model.DefaultStrategy(), nil
			case "conservative":
				s := model.DefaultStrategy()
				s.Name = "conservative"
				s.AutoApplyThreshold = 0.95
				return s, nil
			}
			return model.Strategy{}, common.ErrInvalidConfig
		},
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body.Error.Message
}

func TestHealth(t *testing.T) {
	rr := do(t, newTestHandler(t, newFakePipeline()), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestSubmitBatch(t *testing.T) {
	p := newFakePipeline()
	h := newTestHandler(t, p)

	rr := do(t, h, http.MethodPost, "/v1/batches", `{
		"tenant_id": "acme",
		"strategy": "conservative",
		"records": [
			{"source_id": "r1", "description": "Notebook Dell i5 8GB", "commodity_code": "84713012"},
			{"source_id": "r2", "description": "Notebook Dell i5 8GB RAM"}
		]
	}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var batch model.Batch
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&batch))
	assert.Equal(t, "b1", batch.ID)
	assert.Equal(t, 2, batch.RecordCount)
	assert.Equal(t, "conservative", batch.Strategy.Name)

	select {
	case id := <-p.ran:
		assert.Equal(t, "b1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not started")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.submitted, 2)
	assert.Equal(t, "84713012", p.submitted[0].CommodityCode)
}

func TestSubmitBatch_WithoutRun(t *testing.T) {
	p := newFakePipeline()
	rr := do(t, newTestHandler(t, p), http.MethodPost, "/v1/batches",
		`{"tenant_id": "acme", "run": false, "records": [{"source_id": "r1", "description": "Cafe"}]}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case <-p.ran:
		t.Fatal("batch should wait for a resume")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubmitBatch_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantMsg  string
	}{
		{name: "malformed body", body: `{`, wantCode: http.StatusBadRequest, wantMsg: "invalid request body"},
		{name: "unknown strategy", body: `{"tenant_id":"acme","strategy":"nope"}`, wantCode: http.StatusBadRequest, wantMsg: "invalid configuration"},
		{name: "input error reason", body: `{"records":[]}`, wantCode: http.StatusBadRequest, wantMsg: "a tenant id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, newTestHandler(t, newFakePipeline()), http.MethodPost, "/v1/batches", tt.body)
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.Contains(t, errorMessage(t, rr), tt.wantMsg)
		})
	}
}

func TestBatchStatus(t *testing.T) {
	h := newTestHandler(t, newFakePipeline())

	rr := do(t, h, http.MethodGet, "/v1/batches/b1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body batchResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, 2, body.Terminal)
	assert.Equal(t, 1, body.Remaining)
	assert.Equal(t, model.BatchRunning, body.Batch.Status)

	rr = do(t, h, http.MethodGet, "/v1/batches/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDecisionAndReclassify(t *testing.T) {
	p := newFakePipeline()
	h := newTestHandler(t, p)

	rr := do(t, h, http.MethodGet, "/v1/groups/g1/decision", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var d model.ClassificationDecision
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&d))
	assert.Equal(t, "2100100", d.TaxCode)
	assert.Equal(t, model.DispositionAutoApplied, d.Disposition)

	rr = do(t, h, http.MethodPost, "/v1/groups/g1/reclassify", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	p.err = common.ErrInvalidTransition
	rr = do(t, h, http.MethodPost, "/v1/groups/g1/reclassify", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	p.err = errors.New("database is locked")
	rr = do(t, h, http.MethodPost, "/v1/groups/g1/reclassify", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, errorMessage(t, rr), "locked", "raw errors stay in the logs")
}

func TestAudit(t *testing.T) {
	p := newFakePipeline()
	h := newTestHandler(t, p)

	rr := do(t, h, http.MethodGet, "/v1/groups/g1/audit?agent=commodity&limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Entries []model.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Len(t, body.Entries, 2)
	assert.Equal(t, model.AuditFilter{GroupID: "g1", Agent: "commodity", Limit: 5}, p.auditFilter)

	rr = do(t, h, http.MethodGet, "/v1/groups/g1/audit?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReviewQueueAndReview(t *testing.T) {
	p := newFakePipeline()
	h := newTestHandler(t, p)

	rr := do(t, h, http.MethodGet, "/v1/reviews?batch_id=b1&limit=10", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "b1", p.queueFilter.BatchID)
	assert.Equal(t, 10, p.queueFilter.Limit)

	rr = do(t, h, http.MethodPost, "/v1/groups/g1/review",
		`{"reviewer_id":"alice","commodity_code":"8471.30.12","tax_code":"21.001.00","note":"ok"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, p.reviews, 1)
	assert.Equal(t, "g1", p.reviews[0].GroupID)
	assert.Equal(t, "8471.30.12", p.reviews[0].CommodityCode)

	rr = do(t, h, http.MethodPost, "/v1/groups/g1/review", `{"commodity_code":"84713012"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "a reviewer id is required", errorMessage(t, rr))
}
